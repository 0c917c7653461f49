// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Providers are chosen from config.Config
// and everything that needs shutting down is closed in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/archive"
	"github.com/JakeFAU/decaptcha-crawler/internal/archive/gcs"
	"github.com/JakeFAU/decaptcha-crawler/internal/archive/local"
	archivememory "github.com/JakeFAU/decaptcha-crawler/internal/archive/memory"
	"github.com/JakeFAU/decaptcha-crawler/internal/config"
	"github.com/JakeFAU/decaptcha-crawler/internal/crawler"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha/recaptcha"
	collyfetcher "github.com/JakeFAU/decaptcha-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
	ledgermemory "github.com/JakeFAU/decaptcha-crawler/internal/ledger/memory"
	ledgerpostgres "github.com/JakeFAU/decaptcha-crawler/internal/ledger/postgres"
	"github.com/JakeFAU/decaptcha-crawler/internal/metrics"
	"github.com/JakeFAU/decaptcha-crawler/internal/outcomes"
	"github.com/JakeFAU/decaptcha-crawler/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/decaptcha-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/decaptcha-crawler/internal/solver"
	"github.com/JakeFAU/decaptcha-crawler/internal/solver/httpsolver"
	"github.com/JakeFAU/decaptcha-crawler/internal/solver/static"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared, long-lived services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	httpMetrics  *metrics.HTTP
	crawlMetrics *crawler.Metrics
	gateMetrics  *decaptcha.Metrics

	archive  archive.Store
	ledger   ledger.Ledger
	outcomes *outcomes.Hub
	solver   decaptcha.Solver

	closers []closer
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	sinks    []outcomes.Sink
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithOutcomeSinks adds extra sinks to the outcome hub.
func WithOutcomeSinks(sinks ...outcomes.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// New builds every provider cfg selects. It fails fast; anything opened
// before the failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		httpMetrics:  metrics.NewHTTP(reg),
		crawlMetrics: crawler.NewMetrics(reg),
	}
	gateMetrics, err := decaptcha.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register decaptcha metrics: %w", err)
	}
	a.gateMetrics = gateMetrics

	logger.Info("Initializing application services...")
	if err := a.init(ctx, o.sinks); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Cleanup after failed init", zap.Error(cerr))
		}
		return nil, err
	}
	logger.Info("Application services initialized successfully.")
	return a, nil
}

func (a *App) init(ctx context.Context, extra []outcomes.Sink) error {
	if err := a.initArchive(ctx); err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	if err := a.initLedger(ctx); err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	sinks := []outcomes.Sink{
		outcomes.NewLogSink(a.logger),
		outcomes.NewForward("ledger", a.ledger, nil),
	}
	pubSink, err := a.initPublisher(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	if pubSink != nil {
		sinks = append(sinks, pubSink)
	}
	sinks = append(sinks, extra...)
	a.outcomes = outcomes.NewHub(outcomes.Config{
		SinkTimeout: a.cfg.Decaptcha.SinkTimeout,
		Logger:      a.logger,
	}, sinks...)
	a.addCloser("outcomes", a.outcomes.Close)

	if a.cfg.Decaptcha.Enabled {
		s, err := a.buildSolver()
		if err != nil {
			return fmt.Errorf("failed to initialize solver: %w", err)
		}
		a.solver = s
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive
	switch ac.Backend {
	case config.BackendMemory, "":
		a.logger.Info("Using in-memory archive. Objects are discarded at exit.")
		a.archive = archivememory.New()
	case config.BackendLocal:
		a.logger.Info("Using local archive", zap.String("base_dir", ac.BaseDir))
		store, err := local.New(local.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return err
		}
		a.archive = store
	case config.BackendGCS:
		a.logger.Info("Using GCS archive", zap.String("bucket", ac.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("storage client: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: ac.Bucket, Prefix: ac.Prefix})
		if err != nil {
			return err
		}
		a.archive = store
	default:
		return fmt.Errorf("unknown archive backend: %s", ac.Backend)
	}
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	lc := a.cfg.Ledger
	switch lc.Backend {
	case config.BackendMemory, "":
		a.logger.Info("Using in-memory ledger", zap.Int("capacity", lc.Capacity))
		a.ledger = ledgermemory.New(lc.Capacity)
	case config.BackendPostgres:
		a.logger.Info("Connecting to PostgreSQL...")
		pg, err := ledgerpostgres.New(ctx, ledgerpostgres.Config{DSN: lc.DSN, Table: lc.Table})
		if err != nil {
			return err
		}
		a.addCloser("postgres", func(context.Context) error {
			pg.Close()
			return nil
		})
		if lc.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		a.ledger = pg
	default:
		return fmt.Errorf("unknown ledger backend: %s", lc.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) (outcomes.Sink, error) {
	pc := a.cfg.PubSub
	if !pc.Enabled() {
		a.logger.Info("Pub/Sub not configured. Outcomes are not published.")
		return nil, nil
	}
	a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", pc.Topic))
	client, err := pubsub.NewClient(ctx, pc.ProjectID)
	if err != nil {
		return nil, err
	}
	a.addCloser("pubsub client", func(context.Context) error { return client.Close() })
	pub := pubsubpublisher.New(client)
	a.addCloser("pubsub topics", func(context.Context) error {
		pub.Stop()
		return nil
	})
	sink, err := publisher.NewOutcomeSink(pub, pc.Topic)
	if err != nil {
		return nil, err
	}
	return outcomes.NewForward("pubsub", sink, nil), nil
}

func (a *App) buildSolver() (decaptcha.Solver, error) {
	sc := a.cfg.Decaptcha.Solver
	var s decaptcha.Solver
	switch sc.Kind {
	case config.SolverHTTP:
		client, err := httpsolver.New(httpsolver.Config{
			Endpoint:      sc.Endpoint,
			APIKey:        sc.APIKey,
			Timeout:       sc.Timeout,
			MinConfidence: sc.MinConfidence,
			RPS:           sc.RPS,
			Burst:         sc.Burst,
		}, httpsolver.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		s = client
	case config.SolverStatic:
		a.logger.Warn("Using static solver; every challenge gets the same answer")
		s = static.Solver{Answer: sc.StaticAnswer}
	default:
		return nil, fmt.Errorf("unknown solver kind: %s", sc.Kind)
	}
	if !sc.ArchiveImages {
		return s, nil
	}
	return solver.NewArchiving(s, a.archive, solver.WithLogger(a.logger))
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Registry returns the Prometheus registry every collector registers with.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// HTTPMetrics returns the admin server collectors.
func (a *App) HTTPMetrics() *metrics.HTTP { return a.httpMetrics }

// Archive returns the configured object store.
func (a *App) Archive() archive.Store { return a.archive }

// Ledger returns the configured outcome ledger.
func (a *App) Ledger() ledger.Ledger { return a.ledger }

// Outcomes returns the hub the gate reports to.
func (a *App) Outcomes() *outcomes.Hub { return a.outcomes }

// Crawl is one wired host crawl. Gate is nil when decaptcha is disabled.
type Crawl struct {
	Engine *crawler.Engine
	Gate   *decaptcha.Gate
}

// BuildCrawl wires a crawler engine and, when enabled, a gate whose
// challenge fetches share the engine's collector. ctx bounds the gate's
// pipelines.
func (a *App) BuildCrawl(ctx context.Context) (*Crawl, error) {
	opts := []crawler.Option{
		crawler.WithLogger(a.logger.Named("crawler")),
		crawler.WithMetrics(a.crawlMetrics),
		crawler.WithTransport(collyfetcher.NewTransport(a.logger)),
	}
	if a.cfg.Crawler.SavePages {
		sink, err := crawler.NewArchiveSink(a.archive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, crawler.WithSink(sink))
	}
	engine, err := crawler.New(a.cfg.CrawlerConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("init crawler: %w", err)
	}
	crawl := &Crawl{Engine: engine}

	dc := a.cfg.Decaptcha
	if err := dc.Validate(); err != nil {
		if errors.Is(err, decaptcha.ErrDisabled) {
			a.logger.Info("Decaptcha disabled; crawling ungated")
			return crawl, nil
		}
		return nil, err
	}

	fetcher := collyfetcher.New(engine.Collector(), collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   dc.StepTimeout,
	}, a.logger)
	engines := make([]decaptcha.Engine, 0, len(dc.Engines))
	for _, name := range dc.Engines {
		switch name {
		case recaptcha.Name:
			e, err := recaptcha.New(fetcher, dc.RecaptchaOptions(), recaptcha.WithLogger(a.logger))
			if err != nil {
				return nil, err
			}
			engines = append(engines, e)
		default:
			return nil, &decaptcha.ConfigurationError{Field: "decaptcha.engines", Msg: fmt.Sprintf("unknown engine %q", name)}
		}
	}
	registry, err := decaptcha.NewRegistry(engines...)
	if err != nil {
		return nil, err
	}
	gate, err := decaptcha.New(decaptcha.Config{
		Registry:        registry,
		Solver:          a.solver,
		Dispatcher:      engine,
		Domains:         dc.Domains,
		PipelineTimeout: dc.PipelineTimeout,
		SinkTimeout:     dc.SinkTimeout,
		Sinks:           []decaptcha.OutcomeSink{a.outcomes},
		Metrics:         a.gateMetrics,
		OnRecovered:     engine.HandleRecovered,
		BaseContext:     ctx,
		Logger:          a.logger.Named("gate"),
	})
	if err != nil {
		return nil, err
	}
	engine.SetGate(gate)
	crawl.Gate = gate
	a.logger.Info("Decaptcha gate installed", zap.Strings("engines", registry.Names()))
	return crawl, nil
}

// Run crawls until done and then closes the gate.
func (c *Crawl) Run(ctx context.Context) (crawler.Stats, error) {
	stats, err := c.Engine.Run(ctx)
	if c.Gate != nil {
		if cerr := c.Gate.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return stats, err
}

// Close shuts services down in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("Shutting down application services...")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
