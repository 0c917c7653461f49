package recaptcha

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

type spider struct{}

func (spider) Name() string { return "test" }

type replayLog struct {
	mu   sync.Mutex
	urls []string
}

func (r *replayLog) Crawl(req *decaptcha.Request, _ decaptcha.Spider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, req.String())
	return nil
}

func (r *replayLog) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func newGate(t *testing.T, e *Engine) (*decaptcha.Gate, *replayLog) {
	t.Helper()
	reg, err := decaptcha.NewRegistry(e)
	require.NoError(t, err)
	replays := &replayLog{}
	g, err := decaptcha.New(decaptcha.Config{
		Registry:   reg,
		Solver:     &countingSolver{answer: "AB12"},
		Dispatcher: replays,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, g.Close(context.Background()))
	})
	return g, replays
}

// TestGateResumesAfterInlineChallenge pauses on detection, defers traffic and
// replays it once the inline challenge is accepted.
func TestGateResumesAfterInlineChallenge(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name         string
		verifyStatus int
		wantSolved   int64
		wantFailed   int64
	}{
		{name: "accepted", verifyStatus: http.StatusOK, wantSolved: 1},
		{name: "rejected", verifyStatus: http.StatusForbidden, wantFailed: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fetcher := newFakeFetcher()
			fetcher.route(http.MethodGet, "https://example.com/captcha.png", http.StatusOK, "PNGDATA")
			fetcher.route(http.MethodPost, "https://example.com/verify", tc.verifyStatus, "")
			fetcher.route(http.MethodGet, pageURL1, http.StatusOK, "<p>real content</p>")
			g, replays := newGate(t, newTestEngine(t, fetcher, nil))

			g.Pause()
			next, err := decaptcha.NewRequest("https://example.com/next")
			require.NoError(t, err)
			require.True(t, decaptcha.IsDeferred(g.OnOutgoingRequest(next, spider{})))
			g.Resume()

			challenge := page(t, pageURL1, inlinePage)
			out, err := g.OnIncomingResponse(challenge, challenge.Request, spider{})
			require.Nil(t, out)
			require.True(t, decaptcha.IsDeferred(err))

			later, err := decaptcha.NewRequest("https://example.com/later")
			require.NoError(t, err)
			laterErr := g.OnOutgoingRequest(later, spider{})

			g.Wait()
			assert.False(t, g.Paused())
			status := g.Status()
			assert.Equal(t, tc.wantSolved, status.Solved)
			assert.Equal(t, tc.wantFailed, status.Failed)
			assert.Zero(t, status.Pending)
			if decaptcha.IsDeferred(laterErr) {
				assert.Equal(t, []string{"https://example.com/next", "https://example.com/later"}, replays.all())
			} else {
				assert.Equal(t, []string{"https://example.com/next"}, replays.all())
			}
		})
	}
}
