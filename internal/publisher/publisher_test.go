package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/publisher/memory"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic deleted")
}

func TestOutcomeSinkPublishesToTopic(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewOutcomeSink(pub, "challenge-outcomes")
	require.NoError(t, err)

	outcome := decaptcha.Outcome{ChallengeID: "c1", Status: decaptcha.OutcomeDone}
	require.NoError(t, sink.RecordOutcome(context.Background(), outcome))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "challenge-outcomes", msgs[0].Topic)
	require.Equal(t, outcome, msgs[0].Payload)
}

func TestOutcomeSinkWrapsErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewOutcomeSink(failingPublisher{}, "t")
	require.NoError(t, err)
	require.ErrorContains(t, sink.RecordOutcome(context.Background(), decaptcha.Outcome{ChallengeID: "c1"}), "topic deleted")
}

func TestNewOutcomeSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewOutcomeSink(nil, "t")
	require.Error(t, err)
	_, err = NewOutcomeSink(memory.New(), "")
	require.Error(t, err)
}
