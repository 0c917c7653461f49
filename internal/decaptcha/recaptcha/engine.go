// Package recaptcha implements the reCAPTCHA-style detection engine: an
// inline challenge form or an iframe pointing at the reCAPTCHA API host.
package recaptcha

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Name is the engine name used in configuration.
const Name = "recaptcha"

// Defaults for the reference challenge markup.
const (
	DefaultAPIHost         = "google.com/recaptcha/api"
	DefaultInlineField     = "captcha"
	DefaultIframeField     = "recaptcha_response_field"
	DefaultChallengeField  = "recaptcha_challenge_field"
	DefaultSiteKeySelector = "#recaptcha[data-sitekey]"
	DefaultStepTimeout     = 30 * time.Second
	DefaultSolverTimeout   = 60 * time.Second
)

// Options tunes the markup the engine looks for and the pipeline timeouts.
type Options struct {
	APIHost         string
	InlineField     string
	IframeField     string
	ChallengeField  string
	SiteKeySelector string
	StepTimeout     time.Duration
	SolverTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.APIHost == "" {
		o.APIHost = DefaultAPIHost
	}
	if o.InlineField == "" {
		o.InlineField = DefaultInlineField
	}
	if o.IframeField == "" {
		o.IframeField = DefaultIframeField
	}
	if o.ChallengeField == "" {
		o.ChallengeField = DefaultChallengeField
	}
	if o.SiteKeySelector == "" {
		o.SiteKeySelector = DefaultSiteKeySelector
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.SolverTimeout <= 0 {
		o.SolverTimeout = DefaultSolverTimeout
	}
}

// TransitionHook observes pipeline state changes.
type TransitionHook func(from, to decaptcha.State)

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

// WithTransitionHook registers a hook called on every pipeline transition.
func WithTransitionHook(hook TransitionHook) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// Engine detects and solves reCAPTCHA-style challenges.
type Engine struct {
	opts    Options
	fetcher decaptcha.Fetcher
	logger  *zap.Logger
	hook    TransitionHook
	iframeQ string
	scriptQ string
}

// New builds an Engine that performs its network steps through fetcher.
func New(fetcher decaptcha.Fetcher, opts Options, options ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, &decaptcha.ConfigurationError{Field: "decaptcha.engines", Msg: "recaptcha engine needs a fetcher"}
	}
	opts.applyDefaults()
	e := &Engine{
		opts:    opts,
		fetcher: fetcher,
		logger:  zap.NewNop(),
		iframeQ: fmt.Sprintf(`iframe[src*=%q]`, opts.APIHost),
		scriptQ: fmt.Sprintf(`script[src*=%q]`, opts.APIHost),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Name implements decaptcha.Engine.
func (e *Engine) Name() string {
	return Name
}

// Detect reports whether the response embeds a challenge form or iframe.
func (e *Engine) Detect(resp *decaptcha.Response) bool {
	if resp == nil || len(resp.Body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	return e.inlineForm(doc.Selection).Length() > 0 || e.iframe(doc.Selection).Length() > 0
}

// Solve runs the solve pipeline for a detected challenge. On success it
// returns the unblocked page when the challenge flow re-fetched it.
func (e *Engine) Solve(ctx context.Context, resp *decaptcha.Response, solver decaptcha.Solver) (*decaptcha.Response, error) {
	p := newPipeline(e, resp, solver)
	return p.run(ctx)
}

// inlineForm selects forms with a direct child script loaded from the API host.
func (e *Engine) inlineForm(sel *goquery.Selection) *goquery.Selection {
	return sel.Find("form").FilterFunction(func(_ int, form *goquery.Selection) bool {
		return form.ChildrenFiltered(e.scriptQ).Length() > 0
	})
}

func (e *Engine) iframe(sel *goquery.Selection) *goquery.Selection {
	return sel.Find(e.iframeQ)
}

// iframeForm selects the page form wrapping the challenge iframe.
func (e *Engine) iframeForm(sel *goquery.Selection) *goquery.Selection {
	return sel.Find("form").FilterFunction(func(_ int, form *goquery.Selection) bool {
		return form.Find(e.iframeQ).Length() > 0
	})
}
