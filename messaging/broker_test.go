package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the broker deterministically from tests
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBroker(t *testing.T) (*Broker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewBroker(WithClock(clock.Now)), clock
}

// drain advances simulated time tick by tick until the queue is empty or
// maxTicks elapse, processing deliveries at each step.
func drain(b *Broker, clock *fakeClock, maxTicks int) {
	ctx := context.Background()
	for i := 0; i < maxTicks && b.QueueLen() > 0; i++ {
		clock.Advance(DefaultTickInterval)
		b.processTick(ctx, clock.Now())
	}
}

func TestPublish(t *testing.T) {
	t.Run("returns envelope id synchronously", func(t *testing.T) {
		b, _ := newTestBroker(t)
		id, err := b.Publish(context.Background(), "scraper-service", "test.message", map[string]string{"content": "x"})

		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 1, b.QueueLen())
		assert.Equal(t, int64(1), b.Stats().Published)
	})

	t.Run("rejects empty topic and source", func(t *testing.T) {
		b, _ := newTestBroker(t)
		_, err := b.Publish(context.Background(), "svc", "", nil)
		assert.Error(t, err)
		_, err = b.Publish(context.Background(), "", "topic", nil)
		assert.Error(t, err)
	})

	t.Run("rejects invalid priority", func(t *testing.T) {
		b, _ := newTestBroker(t)
		_, err := b.Publish(context.Background(), "svc", "topic", nil, WithPriority(contracts.Priority(9)))
		assert.Error(t, err)
	})

	t.Run("accepts raw json payloads untouched", func(t *testing.T) {
		b, clock := newTestBroker(t)
		var got json.RawMessage
		_, err := b.Subscribe("sink", "raw.topic", func(ctx context.Context, env *contracts.Envelope) error {
			got = env.Payload
			return nil
		})
		require.NoError(t, err)

		raw := json.RawMessage(`{"already":"encoded"}`)
		_, err = b.Publish(context.Background(), "svc", "raw.topic", raw)
		require.NoError(t, err)

		drain(b, clock, 5)
		assert.Equal(t, raw, got)
	})
}

func TestDeliveryOrdering(t *testing.T) {
	t.Run("higher priority is attempted first within a tick", func(t *testing.T) {
		b, clock := newTestBroker(t)
		var order []string
		_, err := b.Subscribe("sink", "ordered", func(ctx context.Context, env *contracts.Envelope) error {
			var tag string
			require.NoError(t, json.Unmarshal(env.Payload, &tag))
			order = append(order, tag)
			return nil
		})
		require.NoError(t, err)

		ctx := context.Background()
		_, _ = b.Publish(ctx, "svc", "ordered", "low", WithPriority(contracts.PriorityLow))
		_, _ = b.Publish(ctx, "svc", "ordered", "critical", WithPriority(contracts.PriorityCritical))
		_, _ = b.Publish(ctx, "svc", "ordered", "normal", WithPriority(contracts.PriorityNormal))
		_, _ = b.Publish(ctx, "svc", "ordered", "high", WithPriority(contracts.PriorityHigh))

		drain(b, clock, 1)
		assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
	})

	t.Run("equal priority delivers in publish order", func(t *testing.T) {
		b, clock := newTestBroker(t)
		var order []string
		_, err := b.Subscribe("sink", "fifo", func(ctx context.Context, env *contracts.Envelope) error {
			var tag string
			require.NoError(t, json.Unmarshal(env.Payload, &tag))
			order = append(order, tag)
			return nil
		})
		require.NoError(t, err)

		ctx := context.Background()
		for _, tag := range []string{"one", "two", "three"} {
			_, _ = b.Publish(ctx, "svc", "fifo", tag)
		}

		drain(b, clock, 1)
		assert.Equal(t, []string{"one", "two", "three"}, order)
	})

	t.Run("delayed publish waits for its eligibility time", func(t *testing.T) {
		b, clock := newTestBroker(t)
		delivered := 0
		_, err := b.Subscribe("sink", "delayed", func(ctx context.Context, env *contracts.Envelope) error {
			delivered++
			return nil
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "delayed", nil, WithDelay(300*time.Millisecond))

		clock.Advance(DefaultTickInterval)
		b.processTick(context.Background(), clock.Now())
		assert.Zero(t, delivered)

		clock.Advance(300 * time.Millisecond)
		b.processTick(context.Background(), clock.Now())
		assert.Equal(t, 1, delivered)
	})
}

func TestRetrySemantics(t *testing.T) {
	t.Run("low priority drops after a single failed attempt", func(t *testing.T) {
		b, clock := newTestBroker(t)
		attempts := 0
		_, err := b.Subscribe("sink", "flaky", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			return errors.New("always fails")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "flaky", nil, WithPriority(contracts.PriorityLow))

		drain(b, clock, 100)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, int64(1), b.Stats().Dropped)
		assert.Zero(t, b.QueueLen())
	})

	t.Run("normal priority makes three attempts before dropping", func(t *testing.T) {
		b, clock := newTestBroker(t)
		attempts := 0
		_, err := b.Subscribe("sink", "flaky", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			return errors.New("always fails")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "flaky", nil)

		drain(b, clock, 200)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, int64(1), b.Stats().Dropped)
	})

	t.Run("critical priority survives 100 failed attempts", func(t *testing.T) {
		b, clock := newTestBroker(t)
		attempts := 0
		_, err := b.Subscribe("sink", "stubborn", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			return errors.New("always fails")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "stubborn", nil, WithPriority(contracts.PriorityCritical))

		ctx := context.Background()
		for attempts < 100 {
			clock.Advance(5 * time.Second)
			b.processTick(ctx, clock.Now())
		}
		assert.GreaterOrEqual(t, attempts, 100)
		assert.Equal(t, 1, b.QueueLen())
		assert.Zero(t, b.Stats().Dropped)
	})

	t.Run("handler succeeding on the third attempt ends delivered", func(t *testing.T) {
		b, clock := newTestBroker(t)
		attempts := 0
		_, err := b.Subscribe("sink", "recovers", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "recovers", nil, WithPriority(contracts.PriorityHigh))

		drain(b, clock, 100)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, int64(1), b.Stats().Delivered)
		assert.Zero(t, b.Stats().Dropped)
	})

	t.Run("explicit retries override the priority default", func(t *testing.T) {
		b, clock := newTestBroker(t)
		attempts := 0
		_, err := b.Subscribe("sink", "flaky", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			return errors.New("always fails")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "flaky", nil,
			WithPriority(contracts.PriorityLow), WithRetries(5))

		drain(b, clock, 500)
		assert.Equal(t, 5, attempts)
	})

	t.Run("redelivery delay grows exponentially up to the cap", func(t *testing.T) {
		b, clock := newTestBroker(t)
		var attemptTimes []time.Time
		_, err := b.Subscribe("sink", "backoff", func(ctx context.Context, env *contracts.Envelope) error {
			attemptTimes = append(attemptTimes, clock.Now())
			return errors.New("always fails")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "backoff", nil, WithRetries(8))

		drain(b, clock, 2000)
		require.Len(t, attemptTimes, 8)

		prev := time.Duration(0)
		for i := 1; i < len(attemptTimes); i++ {
			gap := attemptTimes[i].Sub(attemptTimes[i-1])
			assert.GreaterOrEqual(t, gap, prev, "gap before attempt %d shrank", i+1)
			assert.LessOrEqual(t, gap, 5*time.Second+DefaultTickInterval)
			prev = gap
		}
	})
}

func TestFailureIsolation(t *testing.T) {
	t.Run("no subscriber at low priority drops without invoking anyone", func(t *testing.T) {
		b, clock := newTestBroker(t)
		invoked := false
		_, err := b.Subscribe("sink", "other.topic", func(ctx context.Context, env *contracts.Envelope) error {
			invoked = true
			return nil
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "orphan.topic", nil, WithPriority(contracts.PriorityLow))

		drain(b, clock, 50)
		assert.False(t, invoked)
		assert.Equal(t, int64(1), b.Stats().Dropped)
	})

	t.Run("one failing handler does not block its siblings", func(t *testing.T) {
		b, clock := newTestBroker(t)
		var delivered []string
		_, err := b.Subscribe("bad", "shared", func(ctx context.Context, env *contracts.Envelope) error {
			return errors.New("broken subscriber")
		})
		require.NoError(t, err)
		_, err = b.Subscribe("good-a", "shared", func(ctx context.Context, env *contracts.Envelope) error {
			delivered = append(delivered, "good-a")
			return nil
		})
		require.NoError(t, err)
		_, err = b.Subscribe("good-b", "shared", func(ctx context.Context, env *contracts.Envelope) error {
			delivered = append(delivered, "good-b")
			return nil
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "shared", nil)

		drain(b, clock, 5)
		assert.Equal(t, []string{"good-a", "good-b"}, delivered)
		assert.Equal(t, int64(1), b.Stats().Delivered)
		assert.Equal(t, int64(1), b.Stats().HandlerErrors)
	})

	t.Run("panicking handler is contained and counted", func(t *testing.T) {
		b, clock := newTestBroker(t)
		reached := false
		_, err := b.Subscribe("panicky", "shared", func(ctx context.Context, env *contracts.Envelope) error {
			panic("subscriber bug")
		})
		require.NoError(t, err)
		_, err = b.Subscribe("calm", "shared", func(ctx context.Context, env *contracts.Envelope) error {
			reached = true
			return nil
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "shared", nil)

		drain(b, clock, 5)
		assert.True(t, reached)
		assert.Equal(t, int64(1), b.Stats().Delivered)
		assert.Equal(t, int64(1), b.Stats().HandlerErrors)
	})

	t.Run("failing envelope does not disturb others in the same tick", func(t *testing.T) {
		b, clock := newTestBroker(t)
		healthyDeliveries := 0
		_, err := b.Subscribe("sink", "healthy", func(ctx context.Context, env *contracts.Envelope) error {
			healthyDeliveries++
			return nil
		})
		require.NoError(t, err)

		ctx := context.Background()
		_, _ = b.Publish(ctx, "svc", "doomed", nil, WithPriority(contracts.PriorityHigh))
		_, _ = b.Publish(ctx, "svc", "healthy", nil)

		clock.Advance(DefaultTickInterval)
		b.processTick(ctx, clock.Now())
		assert.Equal(t, 1, healthyDeliveries)
	})
}

func TestDeliveryLoop(t *testing.T) {
	t.Run("start delivers on real ticks and stop halts", func(t *testing.T) {
		b := NewBroker(WithTickInterval(5 * time.Millisecond))
		got := make(chan *contracts.Envelope, 1)
		_, err := b.Subscribe("doc-service", "test.message", func(ctx context.Context, env *contracts.Envelope) error {
			got <- env
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Start(context.Background()))
		defer b.Stop()

		id, err := b.Publish(context.Background(), "scraper-service", "test.message", map[string]string{"content": "x"})
		require.NoError(t, err)

		select {
		case env := <-got:
			assert.Equal(t, id, env.ID)
			assert.Equal(t, "scraper-service", env.Source)
			assert.JSONEq(t, `{"content":"x"}`, string(env.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("envelope was not delivered")
		}
	})

	t.Run("double start fails", func(t *testing.T) {
		b := NewBroker(WithTickInterval(5 * time.Millisecond))
		require.NoError(t, b.Start(context.Background()))
		defer b.Stop()
		assert.Error(t, b.Start(context.Background()))
	})

	t.Run("stop is safe without start", func(t *testing.T) {
		b := NewBroker()
		b.Stop()
	})

	t.Run("independent brokers do not share state", func(t *testing.T) {
		a := NewBroker()
		b := NewBroker()
		deliveredToB := false
		_, err := b.Subscribe("sink", "isolated", func(ctx context.Context, env *contracts.Envelope) error {
			deliveredToB = true
			return nil
		})
		require.NoError(t, err)

		_, _ = a.Publish(context.Background(), "svc", "isolated", nil)
		a.processTick(context.Background(), time.Now().Add(time.Second))
		assert.False(t, deliveredToB)
	})
}

func TestBrokerOptions(t *testing.T) {
	t.Run("custom backoff schedule is honored", func(t *testing.T) {
		clock := newFakeClock()
		b := NewBroker(
			WithClock(clock.Now),
			WithBackoff(reliability.NewDeliveryBackoff(time.Second, 10*time.Second, reliability.UnboundedAttempts)),
		)
		attempts := 0
		_, err := b.Subscribe("sink", "slow", func(ctx context.Context, env *contracts.Envelope) error {
			attempts++
			return errors.New("fail")
		})
		require.NoError(t, err)

		_, _ = b.Publish(context.Background(), "svc", "slow", nil, WithRetries(2))

		ctx := context.Background()
		clock.Advance(DefaultTickInterval)
		b.processTick(ctx, clock.Now())
		assert.Equal(t, 1, attempts)

		// First retry waits base*2 = 2s under the custom schedule.
		clock.Advance(time.Second)
		b.processTick(ctx, clock.Now())
		assert.Equal(t, 1, attempts)

		clock.Advance(1500 * time.Millisecond)
		b.processTick(ctx, clock.Now())
		assert.Equal(t, 2, attempts)
	})
}
