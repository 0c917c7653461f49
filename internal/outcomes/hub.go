// Package outcomes fans challenge outcomes out to slow sinks (Postgres,
// Pub/Sub) without holding up the gate. The gate records into a Hub, which
// batches outcomes on a background goroutine and hands every batch to each
// registered Sink.
package outcomes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - MaxBatch: flush once this many outcomes queue (default 32).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 256
	defaultMaxBatch     = 32
	defaultMaxBatchWait = time.Second
	defaultSinkTimeout  = 10 * time.Second
)

var (
	errMissingID = errors.New("outcome has no challenge id")
	// ErrClosed is returned by RecordOutcome after Close.
	ErrClosed = errors.New("outcome hub closed")
)

// Entry is a queued outcome plus the span it was recorded under.
type Entry struct {
	Outcome decaptcha.Outcome
	span    trace.SpanContext
}

// Context returns parent carrying the recording span, so sinks that
// propagate trace context link back to the pipeline.
func (e Entry) Context(parent context.Context) context.Context {
	if !e.span.IsValid() {
		return parent
	}
	return trace.ContextWithSpanContext(parent, e.span)
}

// Hub implements decaptcha.OutcomeSink. RecordOutcome never blocks; when the
// buffer is full the outcome is dropped and counted.
type Hub struct {
	cfg     Config
	sinks   []Sink
	queue   chan Entry
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64

	// mu orders sends against Close: once closed is set no entry can reach
	// the queue after drain has emptied it.
	mu       sync.RWMutex
	closed   bool
	closeCtx context.Context
}

var _ decaptcha.OutcomeSink = (*Hub)(nil)

// NewHub starts the batching goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan Entry, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// RecordOutcome enqueues outcome for the sinks.
func (h *Hub) RecordOutcome(ctx context.Context, outcome decaptcha.Outcome) error {
	if outcome.ChallengeID == "" {
		return errMissingID
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	select {
	case h.queue <- Entry{Outcome: outcome, span: trace.SpanContextFromContext(ctx)}:
		return nil
	default:
		h.dropped.Add(1)
		h.logger.Warn("Challenge outcome dropped due to backpressure",
			zap.String("challenge_id", outcome.ChallengeID),
		)
		return fmt.Errorf("outcome %s dropped: buffer full", outcome.ChallengeID)
	}
}

// Dropped reports how many outcomes were discarded for backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close drains queued outcomes, flushes and closes the sinks, and waits for
// the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.closeCtx = ctx
		close(h.stopCh)
	}
	h.mu.Unlock()
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outcome hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Entry, 0, h.cfg.MaxBatch)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case e := <-h.queue:
			batch = append(batch, e)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Entry) {
	for {
		select {
		case e := <-h.queue:
			batch = append(batch, e)
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]Entry(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("Outcome sink consume failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("Outcome sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
