// Package publisher announces challenge outcomes on a message bus.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// Publisher sends a JSON-encodable payload to topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// OutcomeSink publishes every challenge outcome to a fixed topic.
type OutcomeSink struct {
	pub   Publisher
	topic string
}

// NewOutcomeSink binds pub to topic.
func NewOutcomeSink(pub Publisher, topic string) (*OutcomeSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &OutcomeSink{pub: pub, topic: topic}, nil
}

// RecordOutcome implements decaptcha.OutcomeSink.
func (s *OutcomeSink) RecordOutcome(ctx context.Context, outcome decaptcha.Outcome) error {
	if _, err := s.pub.Publish(ctx, s.topic, outcome); err != nil {
		return fmt.Errorf("publish outcome %s: %w", outcome.ChallengeID, err)
	}
	return nil
}
