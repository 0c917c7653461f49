package recaptcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// pipeline carries one challenge through the solve state machine. Each state
// runs exactly one step, and every network or solver call is bounded by the
// engine's step or solver timeout.
type pipeline struct {
	engine *Engine
	solver decaptcha.Solver
	logger *zap.Logger
	state  decaptcha.State

	page    *decaptcha.Response
	pageDoc *goquery.Document

	inline    bool
	container *goquery.Selection
	formResp  *decaptcha.Response
	formDoc   *goquery.Document
	field     string

	image      []byte
	answer     string
	submission *decaptcha.Response
	recovered  *decaptcha.Response
}

func newPipeline(e *Engine, page *decaptcha.Response, solver decaptcha.Solver) *pipeline {
	return &pipeline{
		engine: e,
		solver: solver,
		logger: e.logger.With(zap.String("url", pageURL(page))),
		state:  decaptcha.StateStart,
		page:   page,
	}
}

func (p *pipeline) run(ctx context.Context) (*decaptcha.Response, error) {
	for !p.state.Terminal() {
		next, err := p.step(ctx)
		if err != nil {
			p.transition(decaptcha.StateFailed)
			return nil, err
		}
		p.transition(next)
	}
	return p.recovered, nil
}

func (p *pipeline) step(ctx context.Context) (decaptcha.State, error) {
	switch p.state {
	case decaptcha.StateStart:
		return decaptcha.StateLocateArtifact, p.locateArtifact(ctx)
	case decaptcha.StateLocateArtifact:
		return decaptcha.StateFetchImage, p.fetchImage(ctx)
	case decaptcha.StateFetchImage:
		return decaptcha.StateSolving, p.solve(ctx)
	case decaptcha.StateSolving:
		return decaptcha.StateSubmitting, p.submit(ctx)
	case decaptcha.StateSubmitting:
		return decaptcha.StateVerifying, p.verify(ctx)
	case decaptcha.StateVerifying:
		return decaptcha.StateDone, nil
	default:
		return decaptcha.StateFailed, fmt.Errorf("unexpected pipeline state %s", p.state)
	}
}

func (p *pipeline) transition(next decaptcha.State) {
	prev := p.state
	p.state = next
	p.logger.Debug("CAPTCHA pipeline transition",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
	)
	if p.engine.hook != nil {
		p.engine.hook(prev, next)
	}
}

// locateArtifact finds the challenge container: the inline form when present,
// otherwise the content of the challenge iframe.
func (p *pipeline) locateArtifact(ctx context.Context) error {
	doc, err := parseDocument(p.page)
	if err != nil {
		return err
	}
	p.pageDoc = doc

	if form := p.engine.inlineForm(doc.Selection); form.Length() > 0 {
		p.inline = true
		p.container = form.First()
		p.formResp = p.page
		p.formDoc = doc
		p.field = p.engine.opts.InlineField
		return nil
	}

	src, ok := p.engine.iframe(doc.Selection).First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return &decaptcha.ChallengeError{Msg: "no challenge iframe found", Body: p.page.Body}
	}
	iframeURL, err := resolve(p.page.URL, src)
	if err != nil {
		return &decaptcha.ChallengeError{Msg: fmt.Sprintf("bad challenge iframe src %q", src)}
	}
	iframeResp, err := p.fetch(ctx, challengeGet(iframeURL))
	if err != nil {
		return err
	}
	iframeDoc, err := parseDocument(iframeResp)
	if err != nil {
		return err
	}
	p.container = iframeDoc.Selection
	p.formResp = iframeResp
	p.formDoc = iframeDoc
	p.field = p.engine.opts.IframeField
	return nil
}

func (p *pipeline) fetchImage(ctx context.Context) error {
	img := p.container.Find("img[src]").First()
	if img.Length() == 0 && p.inline {
		img = p.formDoc.Find("img[src]").First()
	}
	src, ok := img.Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		if key, found := p.pageDoc.Find(p.engine.opts.SiteKeySelector).First().Attr("data-sitekey"); found {
			p.logger.Info("CAPTCHA image missing", zap.String("sitekey", key))
		}
		return &decaptcha.ChallengeError{Msg: "no image found", Body: p.formResp.Body}
	}
	imageURL, err := resolve(p.formResp.URL, src)
	if err != nil {
		return &decaptcha.ChallengeError{Msg: fmt.Sprintf("bad challenge image src %q", src)}
	}
	resp, err := p.fetch(ctx, challengeGet(imageURL))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &decaptcha.FetchError{URL: imageURL.String(), Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	p.image = resp.Body
	p.logger.Info("CAPTCHA image downloaded, solving", zap.Int("bytes", len(p.image)))
	return nil
}

func (p *pipeline) solve(ctx context.Context) error {
	solveCtx, cancel := context.WithTimeout(ctx, p.engine.opts.SolverTimeout)
	defer cancel()

	text, err := p.solver.Solve(solveCtx, p.image)
	if err != nil {
		var solveErr *decaptcha.SolveError
		if errors.As(err, &solveErr) {
			return err
		}
		return &decaptcha.SolveError{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &decaptcha.SolveError{Err: errors.New("solver returned an empty answer")}
	}
	p.answer = text
	p.logger.Info("CAPTCHA solved", zap.String("answer", text))
	return nil
}

func (p *pipeline) submit(ctx context.Context) error {
	form := p.container
	if !p.inline {
		form = p.formDoc.Find("form").First()
	}
	req, err := NewFormRequest(p.formResp, form, map[string]string{p.field: p.answer})
	if err != nil {
		return &decaptcha.ChallengeError{Msg: fmt.Sprintf("build challenge submission: %v", err), Body: p.formResp.Body}
	}
	resp, err := p.fetch(ctx, req)
	if err != nil {
		return err
	}
	p.submission = resp
	return nil
}

func (p *pipeline) verify(ctx context.Context) error {
	if p.inline {
		if p.submission.StatusCode != http.StatusOK {
			return &decaptcha.ChallengeError{Msg: "bad challenge response", Body: p.submission.Body}
		}
		return p.refetchOriginal(ctx)
	}

	doc, err := parseDocument(p.submission)
	if err != nil {
		return err
	}
	token := firstText(doc.Find("textarea"))
	if token == "" {
		return &decaptcha.ChallengeError{Msg: "bad challenge response: no challenge token", Body: p.submission.Body}
	}
	p.logger.Info("CAPTCHA solved, submitting challenge")

	form := p.engine.iframeForm(p.pageDoc.Selection).First()
	req, err := NewFormRequest(p.page, form, map[string]string{p.engine.opts.ChallengeField: token})
	if err != nil {
		return &decaptcha.ChallengeError{Msg: fmt.Sprintf("build challenge token submission: %v", err), Body: p.page.Body}
	}
	if _, err := p.fetch(ctx, req); err != nil {
		return err
	}
	return p.refetchOriginal(ctx)
}

// refetchOriginal fetches the challenged request again now that the session
// is cleared; the response is handed to the host as recovered content.
func (p *pipeline) refetchOriginal(ctx context.Context) error {
	if p.page.Request == nil {
		return nil
	}
	original := p.page.Request.Clone()
	original.Meta.ChallengeFlow = true
	original.Meta.DontFilter = true
	recovered, err := p.fetch(ctx, original)
	if err != nil {
		return err
	}
	p.recovered = recovered
	return nil
}

func (p *pipeline) fetch(ctx context.Context, req *decaptcha.Request) (*decaptcha.Response, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.engine.opts.StepTimeout)
	defer cancel()

	req.Meta.ChallengeFlow = true
	resp, err := p.engine.fetcher.Fetch(stepCtx, req)
	if err != nil {
		var fetchErr *decaptcha.FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &decaptcha.FetchError{URL: req.String(), Err: err}
	}
	if resp == nil {
		return nil, &decaptcha.FetchError{URL: req.String(), Err: errors.New("empty response")}
	}
	if resp.URL == nil {
		resp.URL = req.URL
	}
	resp.Request = req
	return resp, nil
}

func challengeGet(u *url.URL) *decaptcha.Request {
	return &decaptcha.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{},
		Meta:   decaptcha.Meta{ChallengeFlow: true},
	}
}

func parseDocument(resp *decaptcha.Response) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &decaptcha.ChallengeError{Msg: fmt.Sprintf("parse challenge page: %v", err), Body: resp.Body}
	}
	return doc, nil
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if base == nil {
		return refURL, nil
	}
	return base.ResolveReference(refURL), nil
}

func firstText(sel *goquery.Selection) string {
	var out string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = strings.TrimSpace(s.Text())
		return out == ""
	})
	return out
}

func pageURL(resp *decaptcha.Response) string {
	switch {
	case resp == nil:
		return ""
	case resp.Request != nil:
		return resp.Request.String()
	case resp.URL != nil:
		return resp.URL.String()
	default:
		return ""
	}
}
