package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/internal/reliability"
	"github.com/glimte/svcbus-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RelayService is the service name the relay subscribes under
const RelayService = "amqp-relay"

// relaySourcePrefix marks envelopes that arrived from the exchange so the
// outbound path does not bounce them back out.
const relaySourcePrefix = "relay:"

// instanceHeader carries the publishing relay's id so an instance can skip
// its own fanout echo.
const instanceHeader = "x-relay-instance"

// Channel is the slice of amqp091 channel behavior the relay needs.
// *amqp.Channel satisfies it.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// TopicRelay forwards selected local topics to an AMQP fanout exchange and
// feeds remote envelopes back into the local broker, letting two processes
// share the notification plane. Delivery stays best effort: a publish that
// fails after the circuit breaker gives up is retried by the local broker's
// normal backoff, and nothing is persisted.
type TopicRelay struct {
	broker   *messaging.Broker
	ch       Channel
	exchange string
	queue    string
	topics   []string
	breaker  *reliability.CircuitBreaker
	logger   *slog.Logger
	instance string

	subs   []*messaging.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// RelayOption configures the TopicRelay
type RelayOption func(*TopicRelay)

// WithRelayLogger sets the logger
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *TopicRelay) {
		r.logger = logger
	}
}

// WithRelayCircuitBreaker replaces the default breaker on the publish path
func WithRelayCircuitBreaker(breaker *reliability.CircuitBreaker) RelayOption {
	return func(r *TopicRelay) {
		r.breaker = breaker
	}
}

// NewTopicRelay creates a relay forwarding the given topics through
// exchange, consuming remote traffic from queue.
func NewTopicRelay(broker *messaging.Broker, ch Channel, exchange, queue string, topics []string, options ...RelayOption) (*TopicRelay, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if ch == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}
	if exchange == "" {
		return nil, fmt.Errorf("exchange cannot be empty")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	r := &TopicRelay{
		broker:   broker,
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		topics:   topics,
		breaker:  reliability.NewCircuitBreaker(),
		logger:   slog.Default(),
		instance: uuid.New().String(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// Start subscribes the outbound topics and begins consuming the inbound
// queue. It runs until Stop or context cancellation.
func (r *TopicRelay) Start(ctx context.Context) error {
	if r.done != nil {
		return fmt.Errorf("relay already started")
	}

	for _, topic := range r.topics {
		sub, err := r.broker.Subscribe(RelayService, topic, r.relayOut)
		if err != nil {
			r.unsubscribeAll()
			return fmt.Errorf("subscribe relay to %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	deliveries, err := r.ch.Consume(r.queue, "svcbus-relay-"+r.instance[:8], true, false, false, false, nil)
	if err != nil {
		r.unsubscribeAll()
		return fmt.Errorf("consume relay queue %s: %w", r.queue, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.consume(loopCtx, deliveries)

	r.logger.Info("relay started", "exchange", r.exchange, "topics", len(r.topics))
	return nil
}

// Stop halts the inbound loop and removes the outbound subscriptions
func (r *TopicRelay) Stop() {
	if r.done == nil {
		return
	}
	r.cancel()
	<-r.done
	r.done = nil
	r.unsubscribeAll()
}

func (r *TopicRelay) unsubscribeAll() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// relayOut forwards one local envelope to the exchange. Returning an error
// hands redelivery to the broker's own backoff schedule.
func (r *TopicRelay) relayOut(ctx context.Context, env *contracts.Envelope) error {
	if strings.HasPrefix(env.Source, relaySourcePrefix) {
		// Arrived from the exchange; forwarding it again would loop.
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}

	err = r.breaker.Execute(ctx, func() error {
		return r.ch.PublishWithContext(ctx, r.exchange, env.Topic, false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.ID,
			Priority:    uint8(env.Priority),
			Headers:     amqp.Table{instanceHeader: r.instance},
			Body:        body,
		})
	})
	if err != nil {
		return fmt.Errorf("relay %s to %s: %w", env.ID, r.exchange, err)
	}

	r.logger.Debug("envelope relayed out", "envelopeId", env.ID, "topic", env.Topic)
	return nil
}

func (r *TopicRelay) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Warn("relay consume channel closed")
				return
			}
			r.relayIn(ctx, delivery)
		}
	}
}

// relayIn republishes one remote envelope on the local broker. The source
// is prefixed with "relay:" so subscribers can tell remote traffic apart
// and the outbound path can break the loop.
func (r *TopicRelay) relayIn(ctx context.Context, delivery amqp.Delivery) {
	if origin, ok := delivery.Headers[instanceHeader].(string); ok && origin == r.instance {
		return
	}

	var env contracts.Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		r.logger.Error("discarding malformed relay delivery", "messageId", delivery.MessageId, "error", err)
		return
	}
	if env.Topic == "" {
		r.logger.Error("discarding relay delivery without topic", "messageId", delivery.MessageId)
		return
	}

	source := relaySourcePrefix + env.Source
	if _, err := r.broker.Publish(ctx, source, env.Topic, env.Payload,
		messaging.WithPriority(env.Priority),
		messaging.WithCorrelationID(env.CorrelationID),
	); err != nil {
		r.logger.Error("failed to republish relay delivery", "topic", env.Topic, "error", err)
		return
	}

	r.logger.Debug("envelope relayed in", "topic", env.Topic, "source", source)
}
