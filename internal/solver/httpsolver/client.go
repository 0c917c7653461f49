// Package httpsolver calls a remote recognition service over HTTP. The
// service receives {"image": "<base64>"} and answers {"text", "confidence"}.
package httpsolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

const maxErrorBody = 512

// ErrLowConfidence is wrapped in the SolveError returned for answers below
// the configured confidence floor.
var ErrLowConfidence = errors.New("solver answer below confidence threshold")

// Config controls the remote solver client.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MinConfidence float64
	RPS           float64
	Burst         int
}

type solveRequest struct {
	Image string `json:"image"`
}

type solveResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Client implements decaptcha.Solver.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, &decaptcha.ConfigurationError{Field: "decaptcha.solver.endpoint", Msg: "must be set"}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &decaptcha.ConfigurationError{Field: "decaptcha.solver.endpoint", Msg: "must be an absolute URL", Err: err}
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, &decaptcha.ConfigurationError{Field: "decaptcha.solver.min_confidence", Msg: "must be within [0, 1]"}
	}
	cfg.Endpoint = endpoint

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Solve posts image to the recognition service.
func (c *Client) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", &decaptcha.SolveError{Err: errors.New("empty image")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	payload, err := json.Marshal(solveRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("call solver: %w", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &decaptcha.SolveError{Err: fmt.Errorf("solver returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}
	var out solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("decode solver response: %w", err)}
	}
	if out.Error != "" {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("solver error: %s", out.Error)}
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", &decaptcha.SolveError{Err: errors.New("solver returned no text")}
	}
	if c.cfg.MinConfidence > 0 && out.Confidence < c.cfg.MinConfidence {
		return "", &decaptcha.SolveError{Err: fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, out.Confidence, c.cfg.MinConfidence)}
	}
	c.logger.Debug("Solver answered",
		zap.Float64("confidence", out.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}
