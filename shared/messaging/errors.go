package messaging

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection wraps every failure to reach or keep the broker link.
	ErrConnection = errors.New("broker connection error")

	// ErrDeliveryUnroutable means the broker accepted a mandatory publish but no queue matched.
	ErrDeliveryUnroutable = errors.New("delivery unroutable")
)

// TopologyConflictError is returned when a declaration disagrees with existing broker state.
type TopologyConflictError struct {
	Object string
	Name   string
	Reason string
	Err    error
}

func (e *TopologyConflictError) Error() string {
	msg := fmt.Sprintf("topology conflict on %s %q: %s", e.Object, e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TopologyConflictError) Unwrap() error { return e.Err }

type SerializationError struct {
	Kind EventKind
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s event: %v", e.Kind, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerError records a per-message failure. It never stops a consumer.
type HandlerError struct {
	Queue      string
	RoutingKey string
	Kind       EventKind
	Err        error
}

func (e *HandlerError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("handler failed for %s on %s: %v", e.RoutingKey, e.Queue, e.Err)
	}
	return fmt.Sprintf("handler failed for %s (%s) on %s: %v", e.Kind, e.RoutingKey, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Retryable reports whether a reconnect could change the outcome of err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrDeliveryUnroutable) {
		return false
	}
	var serr *SerializationError
	if errors.As(err, &serr) {
		return false
	}
	var terr *TopologyConflictError
	return !errors.As(err, &terr)
}
