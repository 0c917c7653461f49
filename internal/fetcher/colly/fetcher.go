// Package collyfetcher performs challenge-flow requests with gocolly. Each
// fetch runs on a clone of the host collector so the challenge shares the
// crawl's cookie jar and transport.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Config controls per-fetch collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements decaptcha.Fetcher on top of a colly collector.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher cloning base for every request. A nil base gets a
// standalone collector with its own transport.
func New(base *colly.Collector, cfg Config, logger *zap.Logger) *Fetcher {
	if base == nil {
		base = colly.NewCollector()
		base.WithTransport(NewTransport(logger))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, base: base, logger: logger}
}

// Fetch executes req and returns the response whatever its status code.
func (f *Fetcher) Fetch(ctx context.Context, req *decaptcha.Request) (*decaptcha.Response, error) {
	if req == nil || req.URL == nil {
		return nil, &decaptcha.FetchError{Err: errors.New("request has no url")}
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	var (
		result   *decaptcha.Response
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, req, &result, &fetchErr)

	start := time.Now()
	if err := f.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return nil, &decaptcha.FetchError{URL: req.String(), Err: err}
	}
	if result == nil {
		return nil, &decaptcha.FetchError{URL: req.String(), Err: errors.New("no response received")}
	}
	f.logger.Debug("Challenge fetch completed",
		zap.String("method", req.Method),
		zap.String("url", req.String()),
		zap.Int("status", result.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.base.Clone()
	collector.Async = false
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	collector.MaxDepth = 0
	collector.AllowedDomains = nil
	collector.DisallowedDomains = nil
	collector.URLFilters = nil
	collector.DisallowedURLFilters = nil
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req *decaptcha.Request,
	result **decaptcha.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Header, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp := &decaptcha.Response{
			StatusCode: r.StatusCode,
			Header:     http.Header{},
			Body:       append([]byte(nil), r.Body...),
			Request:    req,
		}
		if r.Headers != nil {
			resp.Header = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			final := *r.Request.URL
			resp.URL = &final
		}
		*result = resp
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req *decaptcha.Request, fetchErr *error) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	target := req.URL.String()

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, target, body, nil, req.Header.Clone())
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

