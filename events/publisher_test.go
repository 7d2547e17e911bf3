package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisPublisherRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	pub, err := NewRedisPublisher(mr.Addr(), "", 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer pub.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(context.Background(), Channel("firm-1"))
	defer ps.Close()
	_, err = ps.Receive(context.Background())
	require.NoError(t, err)

	sent := ExecutionEvent{
		Type:        EventStepFailed,
		FirmID:      "firm-1",
		ExecutionID: "ex-12345678",
		IncidentID:  "inc-12345678",
		PlaybookID:  "pb-12345678",
		StepIndex:   2,
		Status:      "step_failed",
		Reason:      "EDR timeout",
		At:          time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, pub.Publish(context.Background(), sent))

	msg, err := ps.ReceiveMessage(context.Background())
	require.NoError(t, err)

	got, err := Decode([]byte(msg.Payload))
	require.NoError(t, err)
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.ExecutionID, got.ExecutionID)
	assert.Equal(t, sent.StepIndex, got.StepIndex)
	assert.Equal(t, sent.Reason, got.Reason)
	assert.True(t, sent.At.Equal(got.At))
}

func TestPublishStampsTimestamp(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewRedisPublisher(mr.Addr(), "", 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer pub.Close()

	// No subscriber is fine; publish still succeeds.
	err = pub.Publish(context.Background(), ExecutionEvent{
		Type:   EventExecutionStarted,
		FirmID: "firm-1",
	})
	assert.NoError(t, err)
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	_, err := NewRedisPublisher("127.0.0.1:1", "", 0, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestChannelPerFirm(t *testing.T) {
	assert.Equal(t, "bastion:executions:firm-1", Channel("firm-1"))
	assert.NotEqual(t, Channel("firm-1"), Channel("firm-2"))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), ExecutionEvent{}))
	assert.NoError(t, p.Close())
}
