package noop

import (
	"context"

	"petstore-platform/shared/messaging"
)

// Publisher validates and then drops every event. Used when ENABLE_BROKER is false.
type Publisher struct{}

var _ messaging.Publisher = Publisher{}

func (Publisher) Publish(_ context.Context, _, _ string, ev messaging.Event) error {
	if err := ev.Validate(); err != nil {
		return &messaging.SerializationError{Kind: ev.Kind, Err: err}
	}
	return nil
}
