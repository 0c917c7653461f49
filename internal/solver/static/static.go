// Package static provides a Solver that always returns a fixed answer. It is
// meant for dry runs and local testing against known challenge pages.
package static

import (
	"context"
	"errors"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Solver answers every challenge with Answer.
type Solver struct {
	Answer string
}

// Solve implements decaptcha.Solver.
func (s Solver) Solve(ctx context.Context, _ []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &decaptcha.SolveError{Err: err}
	}
	if s.Answer == "" {
		return "", &decaptcha.SolveError{Err: errors.New("static solver has no answer configured")}
	}
	return s.Answer, nil
}
