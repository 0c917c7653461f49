package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

const (
	ctxKeyRequest = "decaptcha.request"
	ctxKeySettled = "decaptcha.settled"
)

// Gate is the part of decaptcha.Gate the host crawl drives.
type Gate interface {
	OnOutgoingRequest(req *decaptcha.Request, spider decaptcha.Spider) error
	OnIncomingResponse(resp *decaptcha.Response, req *decaptcha.Request, spider decaptcha.Spider) (*decaptcha.Response, error)
	OnCrawlIdle() int
	Wait()
}

// Stats summarizes a crawl run.
type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Pages      int64 `json:"pages"`
	Recovered  int64 `json:"recovered"`
	Deferred   int64 `json:"deferred"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink persists every page that passes the gate.
func WithSink(sink PageSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTransport sets the collector's round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		if rt != nil {
			e.collector.WithTransport(rt)
		}
	}
}

// WithClock overrides the clock used to stamp pages.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Engine is the host crawl. It implements decaptcha.Spider and
// decaptcha.Dispatcher so the gate can hand deferred requests back to it.
type Engine struct {
	cfg       Config
	collector *colly.Collector
	gate      Gate
	sink      PageSink
	metrics   *Metrics
	logger    *zap.Logger
	clock     func() time.Time

	visits  visitTracker
	blocked *hostBlocklist
	work    *workTracker

	runCtx atomic.Pointer[context.Context]

	pages      atomic.Int64
	recovered  atomic.Int64
	deferred   atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
}

// New builds an Engine and its collector.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	collectorOpts := []colly.CollectorOption{
		colly.UserAgent(cfg.UserAgent),
		colly.Async(true),
	}
	if len(cfg.AllowedDomains) > 0 {
		collectorOpts = append(collectorOpts, colly.AllowedDomains(cfg.AllowedDomains...))
	}
	collector := colly.NewCollector(collectorOpts...)
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !cfg.RespectRobots
	collector.MaxBodySize = cfg.MaxPageBytes
	collector.SetRequestTimeout(cfg.RequestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		collector: collector,
		logger:    zap.NewNop(),
		clock:     func() time.Time { return time.Now().UTC() },
		blocked:   newHostBlocklist(cfg.BlockedDomains),
		work:      newWorkTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}

	collector.OnRequest(e.handleRequest)
	collector.OnResponse(e.handleResponse)
	collector.OnError(e.handleError)
	collector.OnScraped(func(r *colly.Response) {
		e.settle(r.Ctx)
	})
	return e, nil
}

// SetGate installs the gate. It must be called before Run; a nil gate runs
// the crawl ungated.
func (e *Engine) SetGate(g Gate) {
	e.gate = g
}

// Collector exposes the host collector so challenge fetches can share its
// cookie jar and transport.
func (e *Engine) Collector() *colly.Collector {
	return e.collector
}

// Name implements decaptcha.Spider.
func (e *Engine) Name() string {
	return e.cfg.Name
}

// Crawl implements decaptcha.Dispatcher.
func (e *Engine) Crawl(req *decaptcha.Request, _ decaptcha.Spider) error {
	return e.schedule(req)
}

// HandleRecovered processes page content recovered by a challenge pipeline
// as if the crawl had fetched it.
func (e *Engine) HandleRecovered(resp *decaptcha.Response) {
	if resp == nil || resp.Request == nil {
		return
	}
	e.logger.Info("Processing recovered page", zap.String("url", resp.Request.String()))
	e.process(resp, true)
}

// Run crawls from the configured seeds until no work is left. Each time the
// collector drains, running pipelines are awaited and the gate is told the
// crawl is idle; the loop ends once that produces no new work.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	e.runCtx.Store(&ctx)
	e.collector.Context = ctx

	for _, seed := range e.cfg.Seeds {
		req, err := decaptcha.NewRequest(seed)
		if err != nil {
			return e.Stats(), fmt.Errorf("parse seed %q: %w", seed, err)
		}
		if err := e.schedule(req); err != nil {
			e.logger.Warn("Failed to schedule seed", zap.String("url", seed), zap.Error(err))
		}
	}

	for {
		mark := e.work.waitIdle()
		if e.gate != nil {
			e.gate.Wait()
			if n := e.gate.OnCrawlIdle(); n > 0 {
				e.logger.Info("Crawl idle, replayed deferred requests", zap.Int("replayed", n))
			}
		}
		inflight, scheduled := e.work.snapshot()
		if inflight == 0 && scheduled == mark {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	e.collector.Wait()

	stats := e.Stats()
	e.logger.Info("Crawl finished",
		zap.Int64("scheduled", stats.Scheduled),
		zap.Int64("pages", stats.Pages),
		zap.Int64("recovered", stats.Recovered),
		zap.Int64("deferred", stats.Deferred),
		zap.Int64("errors", stats.Errors),
	)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("crawl interrupted: %w", err)
	}
	return stats, nil
}

// Stats returns the counters of the current run.
func (e *Engine) Stats() Stats {
	_, scheduled := e.work.snapshot()
	return Stats{
		Scheduled:  scheduled,
		Pages:      e.pages.Load(),
		Recovered:  e.recovered.Load(),
		Deferred:   e.deferred.Load(),
		Duplicates: e.duplicates.Load(),
		Errors:     e.failures.Load(),
	}
}

func (e *Engine) context() context.Context {
	if ctx := e.runCtx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func (e *Engine) schedule(req *decaptcha.Request) error {
	if req == nil || req.URL == nil {
		return errors.New("request has no url")
	}
	if err := e.context().Err(); err != nil {
		return err
	}
	if e.blocked.Blocked(req.URL.Hostname()) {
		e.logger.Debug("Skipping blocked host", zap.String("url", req.String()))
		return nil
	}
	if e.cfg.MaxDepth > 0 && req.Meta.Depth > e.cfg.MaxDepth {
		return nil
	}
	if !req.Meta.DontFilter {
		key, err := requestKey(req)
		if err != nil {
			return err
		}
		if !e.visits.MarkIfNew(key) {
			e.duplicates.Add(1)
			e.metrics.incDuplicates()
			return nil
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	cctx := colly.NewContext()
	cctx.Put(ctxKeyRequest, req)

	e.work.start()
	e.metrics.incRequests()
	if err := e.collector.Request(method, req.String(), body, cctx, req.Header.Clone()); err != nil {
		e.work.done()
		return fmt.Errorf("schedule %s: %w", req.String(), err)
	}
	return nil
}

func (e *Engine) handleRequest(r *colly.Request) {
	if e.gate == nil {
		return
	}
	req := requestFromContext(r.Ctx)
	if req == nil {
		return
	}
	err := e.gate.OnOutgoingRequest(req, e)
	if err == nil {
		return
	}
	if decaptcha.IsDeferred(err) {
		e.deferred.Add(1)
		e.metrics.incDeferred()
		e.logger.Debug("Request deferred", zap.String("url", req.String()), zap.Error(err))
	} else {
		e.logger.Warn("Gate rejected request", zap.String("url", req.String()), zap.Error(err))
	}
	r.Abort()
	e.settle(r.Ctx)
}

func (e *Engine) handleResponse(r *colly.Response) {
	req := requestFromContext(r.Ctx)
	if req == nil {
		return
	}
	resp := toResponse(r, req)
	if e.gate != nil {
		out, err := e.gate.OnIncomingResponse(resp, req, e)
		if err != nil {
			if decaptcha.IsDeferred(err) {
				e.deferred.Add(1)
				e.metrics.incDeferred()
				e.logger.Debug("Response deferred", zap.String("url", req.String()), zap.Error(err))
				return
			}
			e.logger.Warn("Gate rejected response", zap.String("url", req.String()), zap.Error(err))
			return
		}
		resp = out
	}
	e.process(resp, false)
}

func (e *Engine) handleError(r *colly.Response, err error) {
	defer e.settle(r.Ctx)

	e.failures.Add(1)
	e.metrics.incErrors(r.StatusCode)
	url := ""
	if r.Request != nil && r.Request.URL != nil {
		url = r.Request.URL.String()
	}
	msg := "Request failed"
	switch r.StatusCode {
	case http.StatusTooManyRequests:
		msg = "Rate limited"
	case http.StatusForbidden:
		msg = "Forbidden"
	}
	e.logger.Warn(msg,
		zap.String("url", url),
		zap.Int("status_code", r.StatusCode),
		zap.Error(err),
	)
}

// settle marks the request behind cctx as finished exactly once.
func (e *Engine) settle(cctx *colly.Context) {
	if cctx == nil {
		return
	}
	if settled, _ := cctx.GetAny(ctxKeySettled).(bool); settled {
		return
	}
	cctx.Put(ctxKeySettled, true)
	e.work.done()
}

func (e *Engine) process(resp *decaptcha.Response, recovered bool) {
	if resp == nil || resp.Request == nil {
		return
	}
	req := resp.Request
	page := Page{
		URL:        req.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Depth:      req.Meta.Depth,
		FetchedAt:  e.clock(),
		Recovered:  recovered,
	}
	if recovered {
		e.recovered.Add(1)
	} else {
		e.pages.Add(1)
	}
	e.metrics.incPages(recovered, page.URL)

	if resp.StatusCode >= http.StatusBadRequest {
		e.logger.Warn("Skipping error page",
			zap.String("url", page.URL),
			zap.Int("status_code", resp.StatusCode),
		)
		return
	}
	if e.sink != nil && len(page.Body) > 0 {
		uri, err := e.sink.SavePage(e.context(), page)
		if err != nil {
			e.logger.Error("Failed to save page", zap.String("url", page.URL), zap.Error(err))
		} else {
			e.logger.Debug("Saved page", zap.String("url", page.URL), zap.String("uri", uri))
		}
	}
	e.followLinks(resp)
}

func (e *Engine) followLinks(resp *decaptcha.Response) {
	depth := resp.Request.Meta.Depth + 1
	if e.cfg.MaxDepth > 0 && depth > e.cfg.MaxDepth {
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return
	}
	base := resp.URL
	if base == nil {
		base = resp.Request.URL
	}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		link, ok := resolveLink(base, a.AttrOr("href", ""))
		if !ok {
			return
		}
		child := &decaptcha.Request{
			Method: http.MethodGet,
			URL:    link,
			Header: http.Header{},
			Meta:   decaptcha.Meta{Depth: depth},
		}
		if err := e.schedule(child); err != nil && !isExpectedScheduleError(err) {
			e.logger.Debug("Failed to follow link", zap.String("url", link.String()), zap.Error(err))
		}
	})
}

func isExpectedScheduleError(err error) bool {
	return errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, context.Canceled)
}

func requestKey(req *decaptcha.Request) (string, error) {
	normalized, err := NormalizeURL(req.String())
	if err != nil {
		return "", err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet || method == http.MethodHead {
		return method + " " + normalized, nil
	}
	return method + " " + normalized + " " + string(req.Body), nil
}

func requestFromContext(cctx *colly.Context) *decaptcha.Request {
	if cctx == nil {
		return nil
	}
	req, _ := cctx.GetAny(ctxKeyRequest).(*decaptcha.Request)
	return req
}

func toResponse(r *colly.Response, req *decaptcha.Request) *decaptcha.Response {
	resp := &decaptcha.Response{
		StatusCode: r.StatusCode,
		Header:     http.Header{},
		Body:       r.Body,
		URL:        req.URL,
		Request:    req,
	}
	if r.Headers != nil {
		resp.Header = r.Headers.Clone()
	}
	if r.Request != nil && r.Request.URL != nil {
		final := *r.Request.URL
		resp.URL = &final
	}
	return resp
}
