package contracts

import (
	"errors"
	"fmt"
)

// ErrNoSubscribers indicates no handler was registered for an envelope's
// topic at delivery time. The broker treats it like any handler failure:
// the envelope is retried and eventually dropped.
var ErrNoSubscribers = errors.New("no subscribers for topic")

// HandlerError wraps a failure from a single subscriber handler. Panicked
// reports whether the handler panicked rather than returning an error.
type HandlerError struct {
	Service  string
	Topic    string
	Err      error
	Panicked bool
}

// Error implements error
func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler panic in %s on %s: %v", e.Service, e.Topic, e.Err)
	}
	return fmt.Sprintf("handler error in %s on %s: %v", e.Service, e.Topic, e.Err)
}

// Unwrap returns the underlying handler error
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DropError records the permanent drop of an envelope after retry
// exhaustion. It is logged by the broker; publishers are never notified.
type DropError struct {
	EnvelopeID string
	Topic      string
	Attempts   int
	LastErr    error
}

// Error implements error
func (e *DropError) Error() string {
	return fmt.Sprintf("envelope %s on %s dropped after %d attempts: %v",
		e.EnvelopeID, e.Topic, e.Attempts, e.LastErr)
}

// Unwrap returns the last delivery error
func (e *DropError) Unwrap() error {
	return e.LastErr
}
