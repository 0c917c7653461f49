package decaptcha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/id"
)

const (
	defaultSinkTimeout = 10 * time.Second

	reasonPaused   = "crawling paused, because CAPTCHA is being solved"
	reasonDetected = "response ignored, because CAPTCHA was detected"
)

var tracer = otel.Tracer("github.com/JakeFAU/decaptcha-crawler/internal/decaptcha")

// Config wires a Gate to its collaborators.
//   - Registry and Solver are required.
//   - Dispatcher re-schedules deferred requests on resume and is required.
//   - PipelineTimeout bounds a whole solve pipeline (0 disables the bound).
//   - OnRecovered receives page content recovered by a successful pipeline.
type Config struct {
	Registry        *Registry
	Solver          Solver
	Dispatcher      Dispatcher
	Domains         []string
	PipelineTimeout time.Duration
	SinkTimeout     time.Duration
	Sinks           []OutcomeSink
	Metrics         *Metrics
	IDs             IDGenerator
	Clock           func() time.Time
	OnRecovered     func(*Response)
	BaseContext     context.Context
	Logger          *zap.Logger
}

// Status is a point-in-time view of the gate.
type Status struct {
	Paused          bool     `json:"paused"`
	Pending         int      `json:"pending"`
	ActiveChallenge string   `json:"active_challenge,omitempty"`
	Engines         []string `json:"engines"`
	Detected        int64    `json:"detected"`
	Solved          int64    `json:"solved"`
	Failed          int64    `json:"failed"`
	Replayed        int64    `json:"replayed"`
}

// Gate intercepts outgoing requests and incoming responses, pauses the crawl
// when an engine detects a challenge and replays deferred requests in arrival
// order once the challenge pipeline terminates.
type Gate struct {
	cfg    Config
	filter DomainFilter
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	paused   bool
	pending  []Pending
	active   string
	detected int64
	solved   int64
	failed   int64
	replayed int64
}

// New validates cfg and builds a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Registry == nil {
		return nil, &ConfigurationError{Field: "decaptcha.engines", Msg: "at least one engine is required"}
	}
	if cfg.Solver == nil {
		return nil, &ConfigurationError{Field: "decaptcha.solver", Msg: "a solver is required"}
	}
	if cfg.Dispatcher == nil {
		return nil, &ConfigurationError{Field: "dispatcher", Msg: "a dispatcher is required"}
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = id.NewGenerator()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(base)
	return &Gate{
		cfg:    cfg,
		filter: NewDomainFilter(cfg.Domains),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OnOutgoingRequest returns nil when req may be dispatched now. While the
// crawl is paused, in-scope requests are queued and a DeferredError is
// returned instead.
func (g *Gate) OnOutgoingRequest(req *Request, spider Spider) error {
	if req.Meta.ChallengeFlow || !g.filter.InScope(req) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return nil
	}
	g.enqueueLocked(req, spider)
	g.cfg.Metrics.observeDeferred("request")
	return &DeferredError{Reason: reasonPaused}
}

// OnIncomingResponse passes resp through unless the crawl is paused or an
// engine detects a challenge in it. A detection pauses the crawl, starts the
// engine's solve pipeline in the background and defers the response.
func (g *Gate) OnIncomingResponse(resp *Response, req *Request, spider Spider) (*Response, error) {
	if req.Meta.ChallengeFlow {
		return resp, nil
	}
	inScope := g.filter.InScope(req)
	if inScope {
		if err := g.deferIfPaused(req, spider); err != nil {
			return nil, err
		}
	}

	resp.Request = req
	if !inScope {
		return resp, nil
	}
	engine, ok := g.cfg.Registry.Match(resp)
	if !ok {
		return resp, nil
	}

	g.mu.Lock()
	if g.paused {
		// Another response won the race to pause the crawl.
		g.enqueueLocked(req, spider)
		g.mu.Unlock()
		g.cfg.Metrics.observeDeferred("response")
		return nil, &DeferredError{Reason: reasonPaused}
	}
	challengeID := g.newID()
	g.paused = true
	g.active = challengeID
	g.detected++
	g.cfg.Metrics.observeState(true, len(g.pending))
	g.wg.Add(1)
	g.mu.Unlock()

	g.cfg.Metrics.observeDetected(engine.Name())
	g.logger.Info("CAPTCHA detected, getting CAPTCHA image",
		zap.String("challenge_id", challengeID),
		zap.String("engine", engine.Name()),
		zap.String("url", req.String()),
	)
	go g.runPipeline(challengeID, engine, resp)

	return nil, &DeferredError{Reason: reasonDetected}
}

// Pause stops in-scope traffic. It is idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	g.cfg.Metrics.observeState(true, len(g.pending))
}

// Resume clears the paused flag and re-dispatches every deferred request in
// arrival order with duplicate filtering disabled. It returns the number of
// requests replayed.
func (g *Gate) Resume() int {
	g.mu.Lock()
	g.paused = false
	queued := g.pending
	g.pending = nil
	g.replayed += int64(len(queued))
	g.cfg.Metrics.observeState(false, 0)
	g.mu.Unlock()

	for _, p := range queued {
		p.Request.Meta.DontFilter = true
		if err := g.cfg.Dispatcher.Crawl(p.Request, p.Spider); err != nil {
			g.logger.Warn("Failed to replay deferred request",
				zap.String("url", p.Request.String()),
				zap.Error(err),
			)
		}
	}
	g.cfg.Metrics.observeReplayed(len(queued))
	if len(queued) > 0 {
		g.logger.Info("Crawl resumed", zap.Int("replayed", len(queued)))
	}
	return len(queued)
}

// OnCrawlIdle is the liveness fallback invoked by the host scheduler when it
// has no work in flight. It resumes the crawl without cancelling a running
// pipeline.
func (g *Gate) OnCrawlIdle() int {
	return g.Resume()
}

// Paused reports whether the crawl is currently paused.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Status returns a snapshot of the gate state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Paused:          g.paused,
		Pending:         len(g.pending),
		ActiveChallenge: g.active,
		Engines:         g.cfg.Registry.Names(),
		Detected:        g.detected,
		Solved:          g.solved,
		Failed:          g.failed,
		Replayed:        g.replayed,
	}
}

// Wait blocks until every running pipeline has terminated.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// Close cancels running pipelines and waits for them to resume the crawl.
func (g *Gate) Close(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("decaptcha gate close wait: %w", ctx.Err())
	}
}

func (g *Gate) deferIfPaused(req *Request, spider Spider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return nil
	}
	g.enqueueLocked(req, spider)
	g.cfg.Metrics.observeDeferred("response")
	return &DeferredError{Reason: reasonPaused}
}

func (g *Gate) enqueueLocked(req *Request, spider Spider) {
	g.pending = append(g.pending, Pending{Request: req, Spider: spider})
	g.cfg.Metrics.observeState(g.paused, len(g.pending))
}

func (g *Gate) runPipeline(challengeID string, engine Engine, resp *Response) {
	defer g.wg.Done()

	outcome := Outcome{
		ChallengeID: challengeID,
		Engine:      engine.Name(),
		URL:         resp.Request.String(),
		StartedAt:   g.cfg.Clock(),
	}

	ctx, span := tracer.Start(g.ctx, "decaptcha.pipeline", trace.WithAttributes(
		attribute.String("decaptcha.challenge_id", challengeID),
		attribute.String("decaptcha.engine", engine.Name()),
		attribute.String("url.full", outcome.URL),
	))
	defer span.End()

	recovered, err := g.solve(ctx, engine, resp)
	outcome.FinishedAt = g.cfg.Clock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
	}

	g.mu.Lock()
	if g.active == challengeID {
		g.active = ""
	}
	if err != nil {
		g.failed++
	} else {
		g.solved++
	}
	g.mu.Unlock()

	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		g.logger.Error("CAPTCHA handle error",
			zap.String("challenge_id", challengeID),
			zap.String("engine", engine.Name()),
			zap.Error(err),
		)
	} else {
		outcome.Status = OutcomeDone
		g.logger.Info("CAPTCHA handled, resuming crawling",
			zap.String("challenge_id", challengeID),
			zap.String("engine", engine.Name()),
			zap.Duration("elapsed", outcome.Duration()),
		)
	}

	outcome.Replayed = g.Resume()
	span.SetAttributes(attribute.Int("decaptcha.replayed", outcome.Replayed))
	g.cfg.Metrics.observeOutcome(outcome)
	g.emit(ctx, outcome)

	if err == nil && recovered != nil && g.cfg.OnRecovered != nil {
		g.cfg.OnRecovered(recovered)
	}
}

func (g *Gate) solve(ctx context.Context, engine Engine, resp *Response) (recovered *Response, err error) {
	if g.cfg.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.PipelineTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			recovered = nil
			err = fmt.Errorf("engine %s panicked: %v", engine.Name(), r)
		}
	}()
	return engine.Solve(ctx, resp, g.cfg.Solver)
}

func (g *Gate) emit(parent context.Context, outcome Outcome) {
	for _, sink := range g.cfg.Sinks {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.cfg.SinkTimeout)
		if err := sink.RecordOutcome(ctx, outcome); err != nil {
			g.logger.Warn("Failed to record challenge outcome",
				zap.String("challenge_id", outcome.ChallengeID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (g *Gate) newID() string {
	challengeID, err := g.cfg.IDs.NewID()
	if err != nil {
		g.logger.Warn("Failed to generate challenge id", zap.Error(err))
		return fmt.Sprintf("challenge-%d", g.detected+1)
	}
	return challengeID
}
