// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/decaptcha-crawler/internal/crawler"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha/recaptcha"
)

// EnvPrefix prefixes every environment override, e.g.
// DECAPTCHA_DECAPTCHA_SOLVER_ENDPOINT.
const EnvPrefix = "DECAPTCHA"

// Solver kinds.
const (
	SolverHTTP   = "http"
	SolverStatic = "static"
)

// Backends for the archive and ledger sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// KnownEngines lists the engine names that can appear in decaptcha.engines.
var KnownEngines = []string{recaptcha.Name}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Decaptcha DecaptchaConfig `mapstructure:"decaptcha"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls the admin HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the host crawl.
type CrawlerConfig struct {
	Name           string        `mapstructure:"name"`
	Seeds          []string      `mapstructure:"seeds"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxDepth       int           `mapstructure:"max_depth"`
	Concurrency    int           `mapstructure:"concurrency"`
	Delay          time.Duration `mapstructure:"delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	MaxPageBytes   int           `mapstructure:"max_page_bytes"`
	SavePages      bool          `mapstructure:"save_pages"`
}

// DecaptchaConfig configures the crawl gate and its solve pipelines.
type DecaptchaConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	Engines         []string        `mapstructure:"engines"`
	Domains         []string        `mapstructure:"domains"`
	PipelineTimeout time.Duration   `mapstructure:"pipeline_timeout"`
	StepTimeout     time.Duration   `mapstructure:"step_timeout"`
	SinkTimeout     time.Duration   `mapstructure:"sink_timeout"`
	Solver          SolverConfig    `mapstructure:"solver"`
	Recaptcha       RecaptchaConfig `mapstructure:"recaptcha"`
}

// SolverConfig selects and tunes the solver client.
type SolverConfig struct {
	Kind          string        `mapstructure:"kind"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	StaticAnswer  string        `mapstructure:"static_answer"`
	ArchiveImages bool          `mapstructure:"archive_images"`
}

// RecaptchaConfig overrides the markup the reCAPTCHA engine looks for.
type RecaptchaConfig struct {
	APIHost         string `mapstructure:"api_host"`
	SiteKeySelector string `mapstructure:"site_key_selector"`
}

// ArchiveConfig selects the blob store used for challenge images and pages.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// LedgerConfig selects where challenge outcomes are recorded.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Capacity int    `mapstructure:"capacity"`
	Migrate  bool   `mapstructure:"migrate"`
}

// PubSubConfig enables outcome publishing when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether outcomes should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadFrom(v)
}

// LoadFrom decodes and validates the configuration held by v after applying
// defaults and environment overrides.
func LoadFrom(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("crawler.name", crawler.DefaultName)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("crawler.delay", "500ms")
	v.SetDefault("crawler.request_timeout", crawler.DefaultRequestTimeout.String())
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_page_bytes", crawler.DefaultMaxPageBytes)
	v.SetDefault("crawler.save_pages", false)

	v.SetDefault("decaptcha.enabled", true)
	v.SetDefault("decaptcha.engines", []string{recaptcha.Name})
	v.SetDefault("decaptcha.domains", []string{})
	v.SetDefault("decaptcha.pipeline_timeout", "3m")
	v.SetDefault("decaptcha.step_timeout", recaptcha.DefaultStepTimeout.String())
	v.SetDefault("decaptcha.sink_timeout", "10s")
	v.SetDefault("decaptcha.solver.kind", SolverHTTP)
	v.SetDefault("decaptcha.solver.endpoint", "")
	v.SetDefault("decaptcha.solver.api_key", "")
	v.SetDefault("decaptcha.solver.timeout", recaptcha.DefaultSolverTimeout.String())
	v.SetDefault("decaptcha.solver.min_confidence", 0.0)
	v.SetDefault("decaptcha.solver.rps", 1.0)
	v.SetDefault("decaptcha.solver.burst", 1)
	v.SetDefault("decaptcha.solver.static_answer", "")
	v.SetDefault("decaptcha.solver.archive_images", true)
	v.SetDefault("decaptcha.recaptcha.api_host", recaptcha.DefaultAPIHost)
	v.SetDefault("decaptcha.recaptcha.site_key_selector", recaptcha.DefaultSiteKeySelector)

	v.SetDefault("archive.backend", BackendMemory)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")

	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "challenge_outcomes")
	v.SetDefault("ledger.capacity", 500)
	v.SetDefault("ledger.migrate", true)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits. A disabled gate is
// not an error here; see DecaptchaConfig.Validate.
func (c Config) Validate() error {
	if err := c.CrawlerConfig().Validate(); err != nil {
		return err
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	if err := c.Decaptcha.Validate(); err != nil && !errors.Is(err, decaptcha.ErrDisabled) {
		return err
	}
	switch c.Archive.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			return errors.New("archive.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend: unknown backend %q", c.Archive.Backend)
	}
	switch c.Ledger.Backend {
	case BackendMemory:
		if c.Ledger.Capacity <= 0 {
			return errors.New("ledger.capacity must be > 0")
		}
	case BackendPostgres:
		if c.Ledger.DSN == "" {
			return errors.New("ledger.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend: unknown backend %q", c.Ledger.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return errors.New("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// Validate returns decaptcha.ErrDisabled when the gate is switched off and a
// *decaptcha.ConfigurationError when it cannot be installed.
func (c DecaptchaConfig) Validate() error {
	if !c.Enabled {
		return decaptcha.ErrDisabled
	}
	if len(c.Engines) == 0 {
		return &decaptcha.ConfigurationError{Field: "decaptcha.engines", Msg: "at least one engine is required"}
	}
	seen := make(map[string]struct{}, len(c.Engines))
	for _, name := range c.Engines {
		if !slices.Contains(KnownEngines, name) {
			return &decaptcha.ConfigurationError{
				Field: "decaptcha.engines",
				Msg:   fmt.Sprintf("unknown engine %q (known: %s)", name, strings.Join(KnownEngines, ", ")),
			}
		}
		if _, dup := seen[name]; dup {
			return &decaptcha.ConfigurationError{Field: "decaptcha.engines", Msg: fmt.Sprintf("engine %q listed twice", name)}
		}
		seen[name] = struct{}{}
	}
	switch c.Solver.Kind {
	case SolverHTTP:
		if c.Solver.Endpoint == "" {
			return &decaptcha.ConfigurationError{Field: "decaptcha.solver.endpoint", Msg: "solver endpoint is required"}
		}
	case SolverStatic:
		if c.Solver.StaticAnswer == "" {
			return &decaptcha.ConfigurationError{Field: "decaptcha.solver.static_answer", Msg: "static solver needs an answer"}
		}
	default:
		return &decaptcha.ConfigurationError{Field: "decaptcha.solver.kind", Msg: fmt.Sprintf("unknown solver kind %q", c.Solver.Kind)}
	}
	if c.PipelineTimeout < 0 || c.StepTimeout < 0 || c.Solver.Timeout < 0 {
		return &decaptcha.ConfigurationError{Field: "decaptcha", Msg: "timeouts must be >= 0"}
	}
	return nil
}

// CrawlerConfig converts the crawler section into crawler.Config.
func (c Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		Name:           c.Crawler.Name,
		Seeds:          c.Crawler.Seeds,
		UserAgent:      c.Crawler.UserAgent,
		RespectRobots:  c.Crawler.RespectRobots,
		MaxDepth:       c.Crawler.MaxDepth,
		Concurrency:    c.Crawler.Concurrency,
		Delay:          c.Crawler.Delay,
		RequestTimeout: c.Crawler.RequestTimeout,
		AllowedDomains: c.Crawler.AllowedDomains,
		BlockedDomains: c.Crawler.BlockedDomains,
		MaxPageBytes:   c.Crawler.MaxPageBytes,
	}
}

// RecaptchaOptions converts the decaptcha section into engine options.
func (c DecaptchaConfig) RecaptchaOptions() recaptcha.Options {
	return recaptcha.Options{
		APIHost:         c.Recaptcha.APIHost,
		SiteKeySelector: c.Recaptcha.SiteKeySelector,
		StepTimeout:     c.StepTimeout,
		SolverTimeout:   c.Solver.Timeout,
	}
}
