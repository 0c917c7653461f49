// Package ledger records the outcome of every challenge pipeline so operators
// can audit how often the crawl was blocked and how challenges resolved.
package ledger

import (
	"context"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// Filter selects outcomes for Recent. The status filter is applied before
// the limit, so Limit counts matching outcomes only.
type Filter struct {
	Limit  int
	Status decaptcha.OutcomeStatus
}

// Match reports whether o passes the status filter.
func (f Filter) Match(o decaptcha.Outcome) bool {
	return f.Status == "" || o.Status == f.Status
}

// Ledger is an outcome sink that can list what it recorded.
type Ledger interface {
	decaptcha.OutcomeSink
	Recent(ctx context.Context, f Filter) ([]decaptcha.Outcome, error)
}
