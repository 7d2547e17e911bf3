package events

import (
	"context"
	"errors"
)

// MultiPublisher fans every event out to each wrapped publisher. Used
// to feed the redis stream and the in-process websocket hub from one
// Publish call.
type MultiPublisher struct {
	publishers []Publisher
}

func Multi(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, ev ExecutionEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*MultiPublisher)(nil)
