package decaptcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testSpider string

func (s testSpider) Name() string { return string(s) }

type fakeEngine struct {
	name   string
	detect func(*Response) bool
	solve  func(ctx context.Context, resp *Response, solver Solver) (*Response, error)
	calls  atomic.Int32
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Detect(resp *Response) bool {
	if e.detect == nil {
		return bytes.Contains(resp.Body, []byte("captcha"))
	}
	return e.detect(resp)
}

func (e *fakeEngine) Solve(ctx context.Context, resp *Response, solver Solver) (*Response, error) {
	e.calls.Add(1)
	if e.solve == nil {
		return nil, nil
	}
	return e.solve(ctx, resp, solver)
}

type fakeSolver struct{}

func (fakeSolver) Solve(context.Context, []byte) (string, error) { return "AB12", nil }

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []Pending
}

func (d *recordingDispatcher) Crawl(req *Request, spider Spider) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Pending{Request: req, Spider: spider})
	return nil
}

func (d *recordingDispatcher) urls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.Request.String())
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *recordingSink) RecordOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *recordingSink) all() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "challenge-1", nil }

func newTestGate(t *testing.T, cfg Config, engines ...Engine) (*Gate, *recordingDispatcher) {
	t.Helper()
	if len(engines) == 0 {
		engines = []Engine{&fakeEngine{name: "fake"}}
	}
	reg, err := NewRegistry(engines...)
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}
	cfg.Registry = reg
	if cfg.Solver == nil {
		cfg.Solver = fakeSolver{}
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatcher
	}
	if cfg.IDs == nil {
		cfg.IDs = staticIDs{}
	}
	cfg.Logger = zap.NewNop()
	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, g.Close(context.Background()))
	})
	return g, dispatcher
}

func mustRequest(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := NewRequest(raw)
	require.NoError(t, err)
	return req
}

func htmlResponse(t *testing.T, raw, body string) *Response {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body), URL: u}
}

// TestResumeReplaysInArrivalOrder covers FIFO replay of deferred requests.
func TestResumeReplaysInArrivalOrder(t *testing.T) {
	t.Parallel()

	g, dispatcher := newTestGate(t, Config{})
	g.Pause()

	reqA := mustRequest(t, "https://shop.example/a")
	reqB := mustRequest(t, "https://shop.example/b")
	require.ErrorIs(t, g.OnOutgoingRequest(reqA, testSpider("ctxA")), ErrDeferred)
	require.ErrorIs(t, g.OnOutgoingRequest(reqB, testSpider("ctxB")), ErrDeferred)
	require.Equal(t, 2, g.Status().Pending)

	require.Equal(t, 2, g.Resume())

	require.Equal(t, []string{"https://shop.example/a", "https://shop.example/b"}, dispatcher.urls())
	require.Equal(t, testSpider("ctxA"), dispatcher.calls[0].Spider)
	require.Equal(t, testSpider("ctxB"), dispatcher.calls[1].Spider)
	require.True(t, reqA.Meta.DontFilter)
	require.True(t, reqB.Meta.DontFilter)
	require.False(t, g.Paused())
	require.Zero(t, g.Status().Pending)
}

func TestResumeReplaysManyRequestsInOrder(t *testing.T) {
	t.Parallel()

	g, dispatcher := newTestGate(t, Config{})
	g.Pause()
	want := make([]string, 0, 50)
	for i := range 50 {
		raw := fmt.Sprintf("https://shop.example/item/%d", i)
		want = append(want, raw)
		require.True(t, IsDeferred(g.OnOutgoingRequest(mustRequest(t, raw), testSpider("s"))))
	}
	require.Equal(t, 50, g.Resume())
	require.Equal(t, want, dispatcher.urls())
	require.Zero(t, g.Status().Pending)
}

// TestChallengeFlowRequestsBypassGate verifies challenge-flow traffic is never queued.
func TestChallengeFlowRequestsBypassGate(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, Config{})
	g.Pause()

	req := mustRequest(t, "https://shop.example/captcha")
	req.Meta.ChallengeFlow = true
	require.NoError(t, g.OnOutgoingRequest(req, testSpider("s")))

	resp := htmlResponse(t, "https://shop.example/captcha", "<html>captcha</html>")
	out, err := g.OnIncomingResponse(resp, req, testSpider("s"))
	require.NoError(t, err)
	require.Same(t, resp, out)
	require.Nil(t, out.Request, "challenge-flow responses pass through untouched")
	require.Zero(t, g.Status().Pending)
}

func TestPauseAndResumeAreIdempotent(t *testing.T) {
	t.Parallel()

	g, dispatcher := newTestGate(t, Config{})
	g.Pause()
	g.Pause()
	require.True(t, g.Paused())

	require.Zero(t, g.Resume())
	require.False(t, g.Paused())
	require.Zero(t, g.Resume())
	require.Empty(t, dispatcher.urls())
}

// TestNoDetectionPassesThrough covers the untouched pass-through path.
func TestNoDetectionPassesThrough(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, Config{})
	req := mustRequest(t, "https://shop.example/p/1")
	resp := htmlResponse(t, "https://shop.example/p/1", "<html>price: 9.99</html>")

	out, err := g.OnIncomingResponse(resp, req, testSpider("s"))
	require.NoError(t, err)
	require.Same(t, resp, out)
	require.Same(t, req, out.Request)
	require.Equal(t, "<html>price: 9.99</html>", string(out.Body))

	status := g.Status()
	require.False(t, status.Paused)
	require.Zero(t, status.Pending)
	require.Zero(t, status.Detected)
}

func TestDetectionPausesAndDefersResponse(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := &fakeEngine{
		name: "fake",
		solve: func(ctx context.Context, _ *Response, _ Solver) (*Response, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	sink := &recordingSink{}
	g, dispatcher := newTestGate(t, Config{Sinks: []OutcomeSink{sink}}, engine)

	req := mustRequest(t, "https://shop.example/p/1")
	out, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrDeferred)
	require.True(t, g.Paused())
	require.Equal(t, "challenge-1", g.Status().ActiveChallenge)

	later := mustRequest(t, "https://shop.example/p/2")
	require.ErrorIs(t, g.OnOutgoingRequest(later, testSpider("s")), ErrDeferred)

	close(release)
	g.Wait()

	require.False(t, g.Paused())
	require.Equal(t, []string{"https://shop.example/p/2"}, dispatcher.urls())
	outcomes := sink.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeDone, outcomes[0].Status)
	require.Equal(t, 1, outcomes[0].Replayed)
	require.Equal(t, "https://shop.example/p/1", outcomes[0].URL)
	require.Empty(t, g.Status().ActiveChallenge)
}

// TestSinglePipelineWhilePaused ensures a second challenge response is queued, not solved.
func TestSinglePipelineWhilePaused(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := &fakeEngine{
		name: "fake",
		solve: func(context.Context, *Response, Solver) (*Response, error) {
			<-release
			return nil, nil
		},
	}
	g, dispatcher := newTestGate(t, Config{}, engine)

	reqs := make([]*Request, 0, 8)
	resps := make([]*Response, 0, 8)
	for i := range 8 {
		req := mustRequest(t, fmt.Sprintf("https://shop.example/p/%d", i))
		reqs = append(reqs, req)
		resps = append(resps, htmlResponse(t, req.String(), "captcha"))
	}

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.OnIncomingResponse(resps[i], reqs[i], testSpider("s"))
			assert.ErrorIs(t, err, ErrDeferred)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), engine.calls.Load())
	require.Equal(t, int64(1), g.Status().Detected)
	require.Equal(t, 7, g.Status().Pending)

	close(release)
	g.Wait()
	require.Len(t, dispatcher.urls(), 7)
}

// TestTerminalStatesResumeOnce checks both Done and Failed replay queued work exactly once.
func TestTerminalStatesResumeOnce(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		err    error
		status OutcomeStatus
	}{
		{name: "done", status: OutcomeDone},
		{name: "failed", err: &ChallengeError{Msg: "bad challenge response"}, status: OutcomeFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			release := make(chan struct{})
			engine := &fakeEngine{
				name: "fake",
				solve: func(context.Context, *Response, Solver) (*Response, error) {
					<-release
					return nil, tc.err
				},
			}
			sink := &recordingSink{}
			g, dispatcher := newTestGate(t, Config{Sinks: []OutcomeSink{sink}}, engine)

			req := mustRequest(t, "https://shop.example/p/1")
			_, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
			require.ErrorIs(t, err, ErrDeferred)
			require.ErrorIs(t, g.OnOutgoingRequest(mustRequest(t, "https://shop.example/p/2"), testSpider("s")), ErrDeferred)

			close(release)
			g.Wait()

			require.Len(t, dispatcher.urls(), 1)
			outcomes := sink.all()
			require.Len(t, outcomes, 1)
			require.Equal(t, tc.status, outcomes[0].Status)
			status := g.Status()
			require.False(t, status.Paused)
			require.Equal(t, int64(1), status.Replayed)
			if tc.err != nil {
				require.Equal(t, int64(1), status.Failed)
				require.Equal(t, "bad challenge response", outcomes[0].Error)
			} else {
				require.Equal(t, int64(1), status.Solved)
			}
		})
	}
}

func TestFirstMatchingEngineWins(t *testing.T) {
	t.Parallel()

	first := &fakeEngine{name: "first"}
	second := &fakeEngine{name: "second"}
	g, _ := newTestGate(t, Config{}, first, second)

	req := mustRequest(t, "https://shop.example/p/1")
	_, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.ErrorIs(t, err, ErrDeferred)
	g.Wait()

	require.Equal(t, int32(1), first.calls.Load())
	require.Zero(t, second.calls.Load())
}

func TestDomainFilterScopesGating(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "fake"}
	g, _ := newTestGate(t, Config{Domains: []string{"shop.example"}}, engine)

	other := mustRequest(t, "https://news.example/p/1")
	resp := htmlResponse(t, other.String(), "captcha")
	out, err := g.OnIncomingResponse(resp, other, testSpider("s"))
	require.NoError(t, err)
	require.Same(t, resp, out)
	require.Zero(t, engine.calls.Load())

	g.Pause()
	require.NoError(t, g.OnOutgoingRequest(other, testSpider("s")))
	require.ErrorIs(t, g.OnOutgoingRequest(mustRequest(t, "https://www.SHOP.example/p/2"), testSpider("s")), ErrDeferred)
	require.Equal(t, 1, g.Status().Pending)
	g.Resume()
}

func TestPausedResponsesAreQueued(t *testing.T) {
	t.Parallel()

	g, dispatcher := newTestGate(t, Config{})
	g.Pause()

	req := mustRequest(t, "https://shop.example/p/1")
	out, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "fine"), req, testSpider("s"))
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrDeferred)

	require.Equal(t, 1, g.OnCrawlIdle())
	require.Equal(t, []string{"https://shop.example/p/1"}, dispatcher.urls())
}

func TestPipelineTimeoutFailsAndResumes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		name: "slow",
		solve: func(ctx context.Context, _ *Response, _ Solver) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sink := &recordingSink{}
	g, _ := newTestGate(t, Config{PipelineTimeout: 20 * time.Millisecond, Sinks: []OutcomeSink{sink}}, engine)

	req := mustRequest(t, "https://shop.example/p/1")
	_, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.ErrorIs(t, err, ErrDeferred)
	g.Wait()

	require.False(t, g.Paused())
	outcomes := sink.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeFailed, outcomes[0].Status)
	require.Contains(t, outcomes[0].Error, context.DeadlineExceeded.Error())
}

func TestPanickingEngineStillResumes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		name: "broken",
		solve: func(context.Context, *Response, Solver) (*Response, error) {
			panic("boom")
		},
	}
	sink := &recordingSink{}
	g, _ := newTestGate(t, Config{Sinks: []OutcomeSink{sink}}, engine)

	req := mustRequest(t, "https://shop.example/p/1")
	_, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.ErrorIs(t, err, ErrDeferred)
	g.Wait()

	require.False(t, g.Paused())
	require.Contains(t, sink.all()[0].Error, "panicked")
}

func TestRecoveredContentIsHandedToHost(t *testing.T) {
	t.Parallel()

	recovered := &Response{StatusCode: http.StatusOK, Body: []byte("real page")}
	engine := &fakeEngine{
		name: "fake",
		solve: func(context.Context, *Response, Solver) (*Response, error) {
			return recovered, nil
		},
	}
	got := make(chan *Response, 1)
	g, _ := newTestGate(t, Config{OnRecovered: func(r *Response) { got <- r }}, engine)

	req := mustRequest(t, "https://shop.example/p/1")
	_, err := g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.ErrorIs(t, err, ErrDeferred)
	g.Wait()

	select {
	case r := <-got:
		require.Same(t, recovered, r)
	case <-time.After(time.Second):
		t.Fatal("recovered content was not handed to the host")
	}
}

func TestReplayErrorsDoNotStopResume(t *testing.T) {
	t.Parallel()

	var seen []string
	failing := DispatcherFunc(func(req *Request, _ Spider) error {
		seen = append(seen, req.String())
		return errors.New("scheduler closed")
	})
	g, _ := newTestGate(t, Config{Dispatcher: failing})
	g.Pause()
	require.ErrorIs(t, g.OnOutgoingRequest(mustRequest(t, "https://a.example/"), testSpider("s")), ErrDeferred)
	require.ErrorIs(t, g.OnOutgoingRequest(mustRequest(t, "https://b.example/"), testSpider("s")), ErrDeferred)

	require.Equal(t, 2, g.Resume())
	require.Equal(t, []string{"https://a.example/", "https://b.example/"}, seen)
}

func TestGateMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	g, _ := newTestGate(t, Config{Metrics: metrics})
	req := mustRequest(t, "https://shop.example/p/1")
	_, err = g.OnIncomingResponse(htmlResponse(t, req.String(), "captcha"), req, testSpider("s"))
	require.ErrorIs(t, err, ErrDeferred)
	g.Wait()

	require.InDelta(t, 1.0, testutil.ToFloat64(metrics.detected.WithLabelValues("fake")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("fake", "done")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(metrics.paused), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(metrics.pending), 1e-9)

	_, err = NewMetrics(reg)
	require.Error(t, err, "registering twice must fail")
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(&fakeEngine{name: "fake"})
	require.NoError(t, err)

	_, err = New(Config{Registry: reg, Dispatcher: &recordingDispatcher{}})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "decaptcha.solver", cfgErr.Field)

	_, err = New(Config{Solver: fakeSolver{}, Dispatcher: &recordingDispatcher{}})
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{Registry: reg, Solver: fakeSolver{}})
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewRegistry(&fakeEngine{name: "dup"}, &fakeEngine{name: "dup"})
	require.ErrorAs(t, err, &cfgErr)

	reg, err := NewRegistry(&fakeEngine{name: "a"}, &fakeEngine{name: "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.Names())
}
