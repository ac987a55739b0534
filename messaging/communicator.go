package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/svcbus-go/contracts"
)

// Communicator is a per-service view of a broker. It stamps outgoing
// envelopes with the service's name and logs traffic in both directions.
type Communicator struct {
	service string
	broker  *Broker
	logger  *slog.Logger
}

// CommunicatorOption configures a Communicator
type CommunicatorOption func(*Communicator)

// WithCommunicatorLogger sets the logger
func WithCommunicatorLogger(logger *slog.Logger) CommunicatorOption {
	return func(c *Communicator) {
		c.logger = logger
	}
}

// NewCommunicator binds a service name to a broker
func NewCommunicator(broker *Broker, service string, options ...CommunicatorOption) (*Communicator, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	c := &Communicator{
		service: service,
		broker:  broker,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Service returns the bound service name
func (c *Communicator) Service() string {
	return c.service
}

// Publish sends payload on topic with this service as the source
func (c *Communicator) Publish(ctx context.Context, topic string, payload any, options ...PublishOption) (string, error) {
	id, err := c.broker.Publish(ctx, c.service, topic, payload, options...)
	if err != nil {
		return "", err
	}
	c.logger.Debug("published", "service", c.service, "topic", topic, "envelopeId", id)
	return id, nil
}

// Subscribe registers a handler for topic on behalf of this service. The
// handler is wrapped to log receipt before invocation.
func (c *Communicator) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	wrapped := func(ctx context.Context, env *contracts.Envelope) error {
		c.logger.Debug("received",
			"service", c.service,
			"topic", env.Topic,
			"envelopeId", env.ID,
			"source", env.Source,
		)
		return handler(ctx, env)
	}

	return c.broker.Subscribe(c.service, topic, wrapped)
}

// Broadcast publishes to a topic every interested service subscribes to.
// Identical to Publish on the wire; kept as a separate verb so call sites
// state their intent.
func (c *Communicator) Broadcast(ctx context.Context, topic string, payload any, options ...PublishOption) (string, error) {
	return c.Publish(ctx, topic, payload, options...)
}

// SendToService publishes to a topic namespaced by the target service,
// e.g. SendToService(ctx, "doc-service", "import", ...) publishes on
// "doc-service.import".
func (c *Communicator) SendToService(ctx context.Context, target, topic string, payload any, options ...PublishOption) (string, error) {
	if target == "" {
		return "", fmt.Errorf("target service cannot be empty")
	}
	return c.Publish(ctx, contracts.ServiceTopic(target, topic), payload, options...)
}

// Respond answers a correlated request on its reply topic. The original
// envelope must carry a correlation id (set automatically by Request).
func (c *Communicator) Respond(ctx context.Context, original *contracts.Envelope, payload any, options ...PublishOption) (string, error) {
	if original == nil {
		return "", fmt.Errorf("original envelope cannot be nil")
	}
	if original.CorrelationID == "" {
		return "", fmt.Errorf("envelope %s has no correlation id to respond to", original.ID)
	}

	options = append(options, WithCorrelationID(original.CorrelationID))
	return c.Publish(ctx, contracts.ReplyTopic(original.CorrelationID), payload, options...)
}
