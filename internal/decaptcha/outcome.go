package decaptcha

import (
	"context"
	"time"
)

// OutcomeStatus is the terminal result of a pipeline run.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeDone   OutcomeStatus = "done"
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome records one challenge from detection to resume.
type Outcome struct {
	ChallengeID string        `json:"challenge_id"`
	Engine      string        `json:"engine"`
	URL         string        `json:"url"`
	Status      OutcomeStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Replayed    int           `json:"replayed"`
}

// Duration is the wall time spent on the challenge.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// OutcomeSink receives an Outcome after every pipeline run.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// IDGenerator produces challenge IDs.
type IDGenerator interface {
	NewID() (string, error)
}
