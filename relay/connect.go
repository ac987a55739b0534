package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/svcbus-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn bundles the AMQP connection with the declared relay topology
type Conn struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	Queue   string
}

// Connect dials the AMQP server and declares the relay topology: a fanout
// exchange shared by all instances and an exclusive auto-delete queue for
// this instance. Dialing is retried briefly so a broker restarting next to
// us does not fail startup.
func Connect(ctx context.Context, url, exchange string) (*Conn, error) {
	var conn *amqp.Connection
	err := reliability.Retry(ctx, reliability.NewFixedDelay(time.Second, 4), func() error {
		var derr error
		conn, derr = amqp.Dial(url)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare relay queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind relay queue: %w", err)
	}

	return &Conn{conn: conn, channel: channel, Queue: queue.Name}, nil
}

// Channel returns the AMQP channel for use with NewTopicRelay
func (c *Conn) Channel() Channel {
	return c.channel
}

// Close tears down the channel and connection
func (c *Conn) Close() error {
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
