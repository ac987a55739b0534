package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds how long Request waits for a reply
const DefaultRequestTimeout = 5 * time.Second

// RequestOptions configures a Request call
type RequestOptions struct {
	Timeout time.Duration
	Publish []PublishOption
}

// RequestOption configures request behavior
type RequestOption func(*RequestOptions)

// WithRequestTimeout overrides the 5s reply deadline
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(opts *RequestOptions) {
		if timeout > 0 {
			opts.Timeout = timeout
		}
	}
}

// WithRequestPublishOptions forwards publish options to the outgoing request
func WithRequestPublishOptions(options ...PublishOption) RequestOption {
	return func(opts *RequestOptions) {
		opts.Publish = append(opts.Publish, options...)
	}
}

// RequestTimeoutError is returned when no reply arrives before the deadline
type RequestTimeoutError struct {
	Topic     string
	RequestID string
	Timeout   time.Duration
}

// Error implements error
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s on %s timed out after %s", e.RequestID, e.Topic, e.Timeout)
}

// Request publishes a correlated message and waits for the first reply on
// the request's reply topic, racing a timeout. The responder answers with
// Communicator.Respond. Delivery of the request itself still goes through
// the broker's priority queue, so the timeout must cover at least one tick.
func (c *Communicator) Request(ctx context.Context, topic string, payload any, options ...RequestOption) (*contracts.Envelope, error) {
	opts := RequestOptions{Timeout: DefaultRequestTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	requestID := uuid.New().String()
	replyCh := make(chan *contracts.Envelope, 1)

	sub, err := c.broker.Subscribe(c.service, contracts.ReplyTopic(requestID), func(ctx context.Context, env *contracts.Envelope) error {
		select {
		case replyCh <- env:
		default:
			// A second reply for the same request has nowhere to go.
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to reply topic: %w", err)
	}
	defer sub.Unsubscribe()

	publishOpts := append([]PublishOption{WithCorrelationID(requestID)}, opts.Publish...)
	if _, err := c.Publish(ctx, topic, payload, publishOpts...); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, &RequestTimeoutError{Topic: topic, RequestID: requestID, Timeout: opts.Timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
