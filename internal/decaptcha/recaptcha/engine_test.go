package recaptcha

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	pageURL1   = "https://example.com/page"
	iframeSrc  = "https://www.google.com/recaptcha/api/noscript?k=sitekey"
	inlinePage = `<html><body>
<form action="/verify" method="post">
<script src="https://www.google.com/recaptcha/api/challenge?k=sitekey"></script>
<img src="/captcha.png">
<input type="hidden" name="state" value="s1">
<input name="captcha">
<input type="submit" name="go" value="Go">
</form>
</body></html>`
	iframePage = `<html><body>
<div id="recaptcha" data-sitekey="sitekey"></div>
<form action="/submit" method="get">
<iframe src="` + iframeSrc + `"></iframe>
<textarea name="recaptcha_challenge_field"></textarea>
</form>
</body></html>`
	iframeContent = `<html><body>
<form action="/recaptcha/api/noscript" method="post">
<img src="image?c=abc">
<input type="hidden" name="recaptcha_challenge_field" value="abc">
<input name="recaptcha_response_field">
</form>
</body></html>`
)

type fakeFetcher struct {
	mu       sync.Mutex
	routes   map[string]*decaptcha.Response
	requests []*decaptcha.Request
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]*decaptcha.Response{}}
}

func (f *fakeFetcher) route(method, rawURL string, status int, body string) {
	f.routes[method+" "+rawURL] = &decaptcha.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       []byte(body),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *decaptcha.Request) (*decaptcha.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	u := *req.URL
	u.RawQuery = ""
	route, ok := f.routes[req.Method+" "+u.String()]
	if !ok {
		return nil, errors.New("no route for " + req.Method + " " + u.String())
	}
	resp := *route
	resp.URL = req.URL
	return &resp, nil
}

func (f *fakeFetcher) sent() []*decaptcha.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*decaptcha.Request(nil), f.requests...)
}

type countingSolver struct {
	answer string
	err    error
	calls  atomic.Int32
}

func (s *countingSolver) Solve(_ context.Context, image []byte) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

type transitions struct {
	mu    sync.Mutex
	steps []string
}

func (tr *transitions) hook(from, to decaptcha.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, from.String()+"->"+to.String())
}

func (tr *transitions) all() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

func newTestEngine(t *testing.T, fetcher decaptcha.Fetcher, tr *transitions) *Engine {
	t.Helper()
	var opts []Option
	if tr != nil {
		opts = append(opts, WithTransitionHook(tr.hook))
	}
	e, err := New(fetcher, Options{}, opts...)
	require.NoError(t, err)
	return e
}

func page(t *testing.T, rawURL, body string) *decaptcha.Response {
	t.Helper()
	req, err := decaptcha.NewRequest(rawURL)
	require.NoError(t, err)
	return &decaptcha.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte(body),
		URL:        req.URL,
		Request:    req,
	}
}

// TestNewRequiresFetcher guards against engines that cannot perform network steps.
func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{})
	var cfgErr *decaptcha.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

// TestDetect covers both challenge markups and the common negatives.
func TestDetect(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeFetcher(), nil)
	cases := []struct {
		name string
		body string
		want bool
	}{
		{name: "inline form", body: inlinePage, want: true},
		{name: "iframe", body: iframePage, want: true},
		{name: "plain page", body: `<html><body><p>hello</p></body></html>`, want: false},
		{name: "script outside form", body: `<html><head><script src="https://www.google.com/recaptcha/api.js"></script></head><body><form><input name="q"></form></body></html>`, want: false},
		{name: "other iframe", body: `<iframe src="https://www.youtube.com/embed/x"></iframe>`, want: false},
		{name: "empty", body: "", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Detect(&decaptcha.Response{Body: []byte(tc.body)})
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestSolveInlineSuccess walks the inline form path from image to accepted submission.
func TestSolveInlineSuccess(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
	fetcher.route(http.MethodPost, "https://example.com/verify", http.StatusOK, "ok")
	fetcher.route(http.MethodGet, pageURL1, http.StatusOK, "<p>real content</p>")
	tr := &transitions{}
	e := newTestEngine(t, fetcher, tr)
	solver := &countingSolver{answer: "AB12"}

	recovered, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), solver)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, "<p>real content</p>", string(recovered.Body))
	assert.Equal(t, pageURL1, recovered.Request.String())
	assert.True(t, recovered.Request.Meta.DontFilter)
	assert.Equal(t, int32(1), solver.calls.Load())

	sent := fetcher.sent()
	require.Len(t, sent, 3)
	for _, req := range sent {
		assert.True(t, req.Meta.ChallengeFlow)
	}
	assert.Equal(t, http.MethodGet, sent[2].Method)
	submit := sent[1]
	assert.Equal(t, http.MethodPost, submit.Method)
	form, err := url.ParseQuery(string(submit.Body))
	require.NoError(t, err)
	assert.Equal(t, "AB12", form.Get("captcha"))
	assert.Equal(t, "s1", form.Get("state"))
	assert.False(t, form.Has("go"))

	assert.Equal(t, []string{
		"start->locate_artifact",
		"locate_artifact->fetch_image",
		"fetch_image->solving",
		"solving->submitting",
		"submitting->verifying",
		"verifying->done",
	}, tr.all())
}

// TestSolveInlineRejected fails the pipeline when the submission is not accepted.
func TestSolveInlineRejected(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
	fetcher.route(http.MethodPost, "https://example.com/verify", http.StatusForbidden, "try again")
	tr := &transitions{}
	e := newTestEngine(t, fetcher, tr)

	_, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), &countingSolver{answer: "AB12"})
	var challengeErr *decaptcha.ChallengeError
	require.ErrorAs(t, err, &challengeErr)
	assert.Equal(t, "try again", string(challengeErr.Body))
	steps := tr.all()
	assert.Equal(t, "submitting->failed", steps[len(steps)-1])
}

// TestSolveInlineWinsOverIframe prefers the inline form when both markups are present.
func TestSolveInlineWinsOverIframe(t *testing.T) {
	t.Parallel()

	body := strings.Replace(inlinePage, "</body>", `<form><iframe src="`+iframeSrc+`"></iframe></form></body>`, 1)
	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
	fetcher.route(http.MethodPost, "https://example.com/verify", http.StatusOK, "ok")
	fetcher.route(http.MethodGet, pageURL1, http.StatusOK, "<p>real content</p>")
	e := newTestEngine(t, fetcher, nil)

	_, err := e.Solve(context.Background(), page(t, pageURL1, body), &countingSolver{answer: "AB12"})
	require.NoError(t, err)
	for _, req := range fetcher.sent() {
		assert.NotContains(t, req.URL.Host, "google.com")
	}
}

// TestSolveIframeWithoutImage fails before the solver is consulted.
func TestSolveIframeWithoutImage(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://www.google.com/recaptcha/api/noscript", http.StatusOK,
		`<form><input name="recaptcha_response_field"></form>`)
	tr := &transitions{}
	e := newTestEngine(t, fetcher, tr)
	solver := &countingSolver{answer: "AB12"}

	_, err := e.Solve(context.Background(), page(t, pageURL1, iframePage), solver)
	var challengeErr *decaptcha.ChallengeError
	require.ErrorAs(t, err, &challengeErr)
	assert.Equal(t, "no image found", challengeErr.Msg)
	assert.Zero(t, solver.calls.Load())
	assert.Equal(t, []string{"start->locate_artifact", "locate_artifact->failed"}, tr.all())
}

// TestSolveIframeSuccess submits the token to the page form and re-fetches the page.
func TestSolveIframeSuccess(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://www.google.com/recaptcha/api/noscript", http.StatusOK, iframeContent)
	fetcher.route(http.MethodGet, "https://www.google.com/recaptcha/api/image", http.StatusOK, "PNGDATA")
	fetcher.route(http.MethodPost, "https://www.google.com/recaptcha/api/noscript", http.StatusOK,
		`<html><body><textarea>TOKEN-123</textarea></body></html>`)
	fetcher.route(http.MethodGet, "https://example.com/submit", http.StatusOK, "accepted")
	fetcher.route(http.MethodGet, pageURL1, http.StatusOK, "<html><body>real content</body></html>")
	e := newTestEngine(t, fetcher, nil)

	recovered, err := e.Solve(context.Background(), page(t, pageURL1, iframePage), &countingSolver{answer: "AB12"})
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Contains(t, string(recovered.Body), "real content")
	assert.True(t, recovered.Request.Meta.DontFilter)

	sent := fetcher.sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "https://www.google.com/recaptcha/api/image?c=abc", sent[1].String())

	answer, err := url.ParseQuery(string(sent[2].Body))
	require.NoError(t, err)
	assert.Equal(t, "AB12", answer.Get("recaptcha_response_field"))
	assert.Equal(t, "abc", answer.Get("recaptcha_challenge_field"))

	assert.Equal(t, "TOKEN-123", sent[3].URL.Query().Get("recaptcha_challenge_field"))
}

// TestSolveIframeMissingToken fails when the challenge host returns no token.
func TestSolveIframeMissingToken(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.route(http.MethodGet, "https://www.google.com/recaptcha/api/noscript", http.StatusOK, iframeContent)
	fetcher.route(http.MethodGet, "https://www.google.com/recaptcha/api/image", http.StatusOK, "PNGDATA")
	fetcher.route(http.MethodPost, "https://www.google.com/recaptcha/api/noscript", http.StatusOK, "<p>wrong</p>")
	e := newTestEngine(t, fetcher, nil)

	_, err := e.Solve(context.Background(), page(t, pageURL1, iframePage), &countingSolver{answer: "AB12"})
	var challengeErr *decaptcha.ChallengeError
	require.ErrorAs(t, err, &challengeErr)
}

// TestSolveErrorsAreTyped maps solver and fetch failures onto the error taxonomy.
func TestSolveErrorsAreTyped(t *testing.T) {
	t.Parallel()

	t.Run("solver failure", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
		e := newTestEngine(t, fetcher, nil)
		_, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), &countingSolver{err: errors.New("ocr down")})
		var solveErr *decaptcha.SolveError
		require.ErrorAs(t, err, &solveErr)
	})

	t.Run("empty answer", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
		e := newTestEngine(t, fetcher, nil)
		_, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), &countingSolver{answer: "  "})
		var solveErr *decaptcha.SolveError
		require.ErrorAs(t, err, &solveErr)
	})

	t.Run("image status", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusNotFound, "")
		e := newTestEngine(t, fetcher, nil)
		_, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), &countingSolver{answer: "AB12"})
		var fetchErr *decaptcha.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})

	t.Run("transport", func(t *testing.T) {
		e := newTestEngine(t, newFakeFetcher(), nil)
		_, err := e.Solve(context.Background(), page(t, pageURL1, inlinePage), &countingSolver{answer: "AB12"})
		var fetchErr *decaptcha.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})
}
