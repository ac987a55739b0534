package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/internal/queue"
	"github.com/glimte/svcbus-go/internal/reliability"
)

// Handler processes one delivered envelope. A non-nil error counts as a
// failed delivery for that subscriber; the broker isolates it from sibling
// handlers and from other envelopes in the same tick.
type Handler func(ctx context.Context, env *contracts.Envelope) error

// DefaultTickInterval is how often the delivery loop drains ready envelopes
const DefaultTickInterval = 100 * time.Millisecond

// Broker owns the pending queue and the subscription table and runs the
// delivery loop. Construct one per application and hand it to each
// Communicator; there is no package-level instance.
type Broker struct {
	mu      sync.Mutex
	pending *queue.PriorityQueue
	subs    *subscriptionTable
	backoff *reliability.DeliveryBackoff
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time
	stats   brokerCounters

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithTickInterval sets the delivery loop interval
func WithTickInterval(interval time.Duration) BrokerOption {
	return func(b *Broker) {
		if interval > 0 {
			b.tick = interval
		}
	}
}

// WithBackoff sets the redelivery schedule
func WithBackoff(backoff *reliability.DeliveryBackoff) BrokerOption {
	return func(b *Broker) {
		b.backoff = backoff
	}
}

// WithClock sets the time source. Tests use this to drive delivery
// deterministically.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// NewBroker creates a broker with the standard 100ms tick and the
// 2^n x 100ms backoff capped at 5s.
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		pending: queue.NewPriorityQueue(),
		subs:    newSubscriptionTable(),
		backoff: reliability.NewDeliveryBackoff(100*time.Millisecond, 5*time.Second, reliability.UnboundedAttempts),
		logger:  slog.Default(),
		tick:    DefaultTickInterval,
		now:     time.Now,
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Priority      contracts.Priority
	Retries       int // 0 = use the priority default
	Delay         time.Duration
	CorrelationID string
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithPriority sets the delivery priority (default normal)
func WithPriority(priority contracts.Priority) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithRetries overrides the priority's default retry ceiling. Use
// contracts.UnlimitedRetries to disable the ceiling.
func WithRetries(retries int) PublishOption {
	return func(opts *PublishOptions) {
		opts.Retries = retries
	}
}

// WithDelay defers the first delivery attempt
func WithDelay(delay time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Delay = delay
	}
}

// WithCorrelationID tags the envelope for request/reply matching
func WithCorrelationID(correlationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = correlationID
	}
}

// Publish wraps payload into an envelope and enqueues it. It returns the
// envelope id synchronously, before any delivery attempt; final delivery
// failure is never reported back to the caller (fire and forget).
func (b *Broker) Publish(ctx context.Context, source, topic string, payload any, options ...PublishOption) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic cannot be empty")
	}
	if source == "" {
		return "", fmt.Errorf("source cannot be empty")
	}

	opts := PublishOptions{Priority: contracts.PriorityNormal}
	for _, opt := range options {
		opt(&opts)
	}
	if !opts.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", opts.Priority)
	}

	raw, err := toRawMessage(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	env := contracts.NewEnvelope(source, topic, raw, opts.Priority, opts.Retries)
	env.CorrelationID = opts.CorrelationID

	b.mu.Lock()
	b.pending.Enqueue(env, b.now(), opts.Delay)
	b.mu.Unlock()
	b.stats.published.Add(1)

	b.logger.Debug("envelope enqueued",
		"envelopeId", env.ID,
		"topic", topic,
		"source", source,
		"priority", opts.Priority.String(),
	)

	return env.ID, nil
}

// Subscribe registers a handler for exact-match deliveries of topic on
// behalf of service. The returned subscription's Unsubscribe removes it.
func (b *Broker) Subscribe(service, topic string, handler Handler) (*Subscription, error) {
	sub, err := b.subs.add(service, topic, handler)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("subscription added", "service", service, "topic", topic)
	return sub, nil
}

// Start runs the delivery loop until the context is cancelled or Stop is
// called. It fails if the loop is already running.
func (b *Broker) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.started {
		return fmt.Errorf("broker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go b.run(loopCtx, b.done)

	b.logger.Info("broker started", "tickInterval", b.tick)
	return nil
}

// Stop halts the delivery loop and waits for the current tick to finish.
// Undelivered envelopes are discarded with the broker; there is no
// persistence.
func (b *Broker) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if !b.started {
		return
	}
	b.cancel()
	<-b.done
	b.started = false

	b.logger.Info("broker stopped", "pendingDiscarded", b.QueueLen())
}

// QueueLen returns the number of envelopes waiting for delivery
func (b *Broker) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

// Topics returns every topic that currently has subscribers
func (b *Broker) Topics() []string {
	return b.subs.topics()
}

// Stats returns a snapshot of the delivery counters
func (b *Broker) Stats() Stats {
	return b.stats.snapshot()
}

func (b *Broker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.processTick(ctx, b.now())
		}
	}
}

// processTick drains every envelope due at now and attempts delivery in
// priority-then-FIFO order fixed at tick start. Envelopes enqueued during
// the tick (including requeues) wait for a later tick.
func (b *Broker) processTick(ctx context.Context, now time.Time) {
	b.mu.Lock()
	ready := b.pending.DequeueReady(now)
	b.mu.Unlock()

	for _, env := range ready {
		b.deliver(ctx, env, now)
	}
}

// deliver makes one delivery attempt for env and decides its next state
func (b *Broker) deliver(ctx context.Context, env *contracts.Envelope, now time.Time) {
	env.State = contracts.StateDelivering
	env.Attempts++

	subs := b.subs.forTopic(env.Topic)

	var delivered int
	var lastErr error
	if len(subs) == 0 {
		lastErr = contracts.ErrNoSubscribers
	}

	for _, sub := range subs {
		if err := b.invoke(ctx, sub, env); err != nil {
			lastErr = err
			b.stats.handlerErrors.Add(1)
			b.logger.Error("handler failed",
				"envelopeId", env.ID,
				"topic", env.Topic,
				"service", sub.service,
				"attempt", env.Attempts,
				"error", err,
			)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		env.State = contracts.StateDelivered
		b.stats.delivered.Add(1)
		b.logger.Debug("envelope delivered",
			"envelopeId", env.ID,
			"topic", env.Topic,
			"handlers", delivered,
			"attempts", env.Attempts,
		)
		return
	}

	if env.RetriesExhausted() {
		env.State = contracts.StateDropped
		b.stats.dropped.Add(1)
		drop := &contracts.DropError{
			EnvelopeID: env.ID,
			Topic:      env.Topic,
			Attempts:   env.Attempts,
			LastErr:    lastErr,
		}
		b.logger.Warn("envelope dropped", "error", drop, "priority", env.Priority.String())
		return
	}

	delay := b.backoff.NextDelay(env.Attempts)
	env.State = contracts.StateRequeued
	b.mu.Lock()
	b.pending.Enqueue(env, now, delay)
	b.mu.Unlock()
	b.stats.requeued.Add(1)

	b.logger.Debug("envelope requeued",
		"envelopeId", env.ID,
		"topic", env.Topic,
		"attempt", env.Attempts,
		"retryIn", delay,
		"error", lastErr,
	)
}

// invoke runs one handler, converting a panic into a HandlerError so a
// misbehaving subscriber cannot take down the loop.
func (b *Broker) invoke(ctx context.Context, sub *Subscription, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contracts.HandlerError{
				Service:  sub.service,
				Topic:    sub.topic,
				Err:      fmt.Errorf("%v", r),
				Panicked: true,
			}
		}
	}()

	if herr := sub.handler(ctx, env); herr != nil {
		return &contracts.HandlerError{
			Service: sub.service,
			Topic:   sub.topic,
			Err:     herr,
		}
	}
	return nil
}

func toRawMessage(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
