// Package events publishes execution lifecycle events to a Redis stream
// so dashboards and downstream automation can follow runs in near real
// time. Publishing is best effort: a dead broker never blocks the engine.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"bastion/metrics"
)

// Event types emitted over the execution stream.
const (
	EventExecutionStarted   = "execution_started"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventStepSkipped        = "step_skipped"
	EventStepRetried        = "step_retried"
	EventExecutionCompleted = "execution_completed"
	EventExecutionAborted   = "execution_aborted"
)

// ExecutionEvent is one lifecycle change of an execution.
type ExecutionEvent struct {
	Type        string    `msgpack:"type" json:"type"`
	FirmID      string    `msgpack:"firm_id" json:"firm_id"`
	ExecutionID string    `msgpack:"execution_id" json:"execution_id"`
	IncidentID  string    `msgpack:"incident_id" json:"incident_id"`
	PlaybookID  string    `msgpack:"playbook_id" json:"playbook_id"`
	StepIndex   int       `msgpack:"step_index,omitempty" json:"step_index,omitempty"`
	Status      string    `msgpack:"status" json:"status"`
	Reason      string    `msgpack:"reason,omitempty" json:"reason,omitempty"`
	At          time.Time `msgpack:"at" json:"at"`
}

// Publisher is the surface the execution service emits events through.
type Publisher interface {
	Publish(ctx context.Context, ev ExecutionEvent) error
	Close() error
}

// Channel returns the pub/sub channel for a firm's execution events.
func Channel(firmID string) string {
	return fmt.Sprintf("bastion:executions:%s", firmID)
}

// RedisPublisher publishes msgpack-encoded events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(addr, password string, db int, logger *zap.SugaredLogger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, logger: logger}, nil
}

// Publish sends one event to the firm's channel. Errors are returned for
// accounting but callers treat them as non-fatal.
func (p *RedisPublisher) Publish(ctx context.Context, ev ExecutionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding execution event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(ev.FirmID), payload).Err(); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		p.logger.Warnw("Failed to publish execution event",
			"type", ev.Type,
			"execution_id", ev.ExecutionID,
			"error", err)
		return fmt.Errorf("publishing execution event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close shuts the Redis connection down.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Decode unpacks an event received from the stream.
func Decode(payload []byte) (ExecutionEvent, error) {
	var ev ExecutionEvent
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return ExecutionEvent{}, fmt.Errorf("decoding execution event: %w", err)
	}
	return ev, nil
}

// NopPublisher drops all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ExecutionEvent) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = NopPublisher{}
)
