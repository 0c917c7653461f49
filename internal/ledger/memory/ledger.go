// Package memory keeps challenge outcomes in a bounded in-process ring.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
)

const defaultCapacity = 1000

// Ledger retains the most recent outcomes.
type Ledger struct {
	mu       sync.RWMutex
	capacity int
	outcomes []decaptcha.Outcome
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates a ledger retaining at most capacity outcomes.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ledger{capacity: capacity}
}

// RecordOutcome implements decaptcha.OutcomeSink.
func (l *Ledger) RecordOutcome(_ context.Context, outcome decaptcha.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome)
	if over := len(l.outcomes) - l.capacity; over > 0 {
		l.outcomes = append([]decaptcha.Outcome(nil), l.outcomes[over:]...)
	}
	return nil
}

// Recent returns up to f.Limit outcomes matching f, newest first.
func (l *Ledger) Recent(_ context.Context, f ledger.Filter) ([]decaptcha.Outcome, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = ledger.DefaultRecentLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]decaptcha.Outcome, 0, min(limit, len(l.outcomes)))
	for i := len(l.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Match(l.outcomes[i]) {
			out = append(out, l.outcomes[i])
		}
	}
	return out, nil
}
