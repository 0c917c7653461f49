package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultName           = "decaptcha-crawler"
	DefaultUserAgent      = "decaptcha-crawler/1.0"
	DefaultConcurrency    = 4
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxPageBytes   = 10 << 20
)

// Config captures every knob of a crawl run.
type Config struct {
	Name           string
	Seeds          []string
	UserAgent      string
	RespectRobots  bool
	MaxDepth       int
	Concurrency    int
	Delay          time.Duration
	RequestTimeout time.Duration
	AllowedDomains []string
	BlockedDomains []string
	MaxPageBytes   int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxPageBytes <= 0 {
		c.MaxPageBytes = DefaultMaxPageBytes
	}
	return c
}

// Validate checks for obviously bad configuration.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return errors.New("crawler.seeds must include at least one URL")
	}
	for _, seed := range c.Seeds {
		u, err := url.Parse(seed)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("crawler.seeds: %q is not an absolute http(s) URL", seed)
		}
	}
	if c.MaxDepth < 0 {
		return errors.New("crawler.max_depth must be >= 0")
	}
	if c.Delay < 0 {
		return errors.New("crawler.delay must be >= 0")
	}
	return nil
}
