package outcomes

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Sink consumes batches of outcomes.
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch []Entry) error
	Close(ctx context.Context) error
}

// Forward adapts a per-outcome decaptcha.OutcomeSink, such as a ledger or a
// publisher, to the batch interface. An optional closer runs on Close.
type Forward struct {
	name   string
	sink   decaptcha.OutcomeSink
	closer func(context.Context) error
}

// NewForward wraps sink under name.
func NewForward(name string, sink decaptcha.OutcomeSink, closer func(context.Context) error) *Forward {
	return &Forward{name: name, sink: sink, closer: closer}
}

// Name implements Sink.
func (f *Forward) Name() string {
	return f.name
}

// Consume records every outcome under its recording span and joins the
// failures.
func (f *Forward) Consume(ctx context.Context, batch []Entry) error {
	var errs []error
	for _, e := range batch {
		if err := f.sink.RecordOutcome(e.Context(ctx), e.Outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (f *Forward) Close(ctx context.Context) error {
	if f.closer == nil {
		return nil
	}
	return f.closer(ctx)
}

// LogSink writes one structured log line per outcome.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string {
	return "log"
}

// Consume logs each outcome.
func (s *LogSink) Consume(_ context.Context, batch []Entry) error {
	for _, e := range batch {
		o := e.Outcome
		fields := []zap.Field{
			zap.String("challenge_id", o.ChallengeID),
			zap.String("engine", o.Engine),
			zap.String("url", o.URL),
			zap.String("status", string(o.Status)),
			zap.String("error", o.Error),
			zap.Duration("elapsed", o.Duration()),
			zap.Int("replayed", o.Replayed),
		}
		if e.span.IsValid() {
			fields = append(fields, zap.String("trace_id", e.span.TraceID().String()))
		}
		s.logger.Info("Challenge outcome", fields...)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
