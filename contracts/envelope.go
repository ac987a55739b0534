package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a published message with its delivery metadata. The broker
// owns Attempts, NextAttempt and State; everything else is fixed at publish
// time.
type Envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	Priority      Priority        `json:"priority"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// Delivery bookkeeping, mutated only by the owning broker.
	Attempts    int           `json:"attempts"`
	MaxRetries  int           `json:"maxRetries"`
	NextAttempt time.Time     `json:"nextAttempt"`
	State       DeliveryState `json:"state"`
}

// NewEnvelope creates an envelope with a generated ID and the retry ceiling
// implied by the priority. A maxRetries of zero means "use the priority
// default"; pass UnlimitedRetries explicitly to disable the ceiling.
func NewEnvelope(source, topic string, payload json.RawMessage, priority Priority, maxRetries int) *Envelope {
	if maxRetries == 0 {
		maxRetries = priority.DefaultMaxRetries()
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		Source:     source,
		Priority:   priority,
		Timestamp:  time.Now().UTC(),
		MaxRetries: maxRetries,
		State:      StatePending,
	}
}

// RetriesExhausted reports whether the envelope has used up its retry
// ceiling. Always false for unlimited-retry envelopes.
func (e *Envelope) RetriesExhausted() bool {
	if e.MaxRetries == UnlimitedRetries {
		return false
	}
	return e.Attempts >= e.MaxRetries
}

// DeliveryState tracks an envelope through the broker's state machine:
// Pending -> Delivering -> {Delivered | Requeued | Dropped}. A Requeued
// envelope re-enters Delivering on its next attempt.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateDelivering
	StateDelivered
	StateRequeued
	StateDropped
)

// String returns the lowercase name of the state
func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	case StateRequeued:
		return "requeued"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateDropped
}
