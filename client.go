// Copyright 2025 Svcbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package svcbus is the entry point for the in-process service bus: a
// priority-ordered, retrying notification broker with per-service
// communicators, a service registry, and an optional AMQP relay.
package svcbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/svcbus-go/config"
	"github.com/glimte/svcbus-go/internal/reliability"
	"github.com/glimte/svcbus-go/messaging"
	"github.com/glimte/svcbus-go/relay"
)

// Client owns the broker and its optional relay. Construct one per
// application, Start it, and hand Communicators to each service.
type Client struct {
	cfg    config.Config
	broker *messaging.Broker
	logger *slog.Logger

	amqpChannel relay.Channel
	relayQueue  string
	relay       *relay.TopicRelay
	relayConn   *relay.Conn
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client and its broker
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAMQPChannel injects an existing AMQP channel and queue for the relay
// instead of dialing the configured URL. Used by tests and by applications
// that manage their own connection.
func WithAMQPChannel(ch relay.Channel, queue string) ClientOption {
	return func(c *Client) {
		c.amqpChannel = ch
		c.relayQueue = queue
	}
}

// NewClient creates a client from the given configuration
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.broker = messaging.NewBroker(
		messaging.WithLogger(c.logger),
		messaging.WithTickInterval(cfg.TickInterval),
		messaging.WithBackoff(reliability.NewDeliveryBackoff(
			cfg.BackoffBase, cfg.BackoffCap, reliability.UnboundedAttempts)),
	)

	return c, nil
}

// Start runs the delivery loop and, when configured, the AMQP relay
func (c *Client) Start(ctx context.Context) error {
	if err := c.broker.Start(ctx); err != nil {
		return err
	}

	if !c.cfg.RelayEnabled() && c.amqpChannel == nil {
		return nil
	}

	ch := c.amqpChannel
	queue := c.relayQueue
	if ch == nil {
		conn, err := relay.Connect(ctx, c.cfg.AMQPURL, c.cfg.AMQPExchange)
		if err != nil {
			c.broker.Stop()
			return fmt.Errorf("connect relay: %w", err)
		}
		c.relayConn = conn
		ch = conn.Channel()
		queue = conn.Queue
	}

	r, err := relay.NewTopicRelay(c.broker, ch, c.cfg.AMQPExchange, queue, c.cfg.RelayTopics,
		relay.WithRelayLogger(c.logger))
	if err != nil {
		c.closeRelayConn()
		c.broker.Stop()
		return err
	}
	if err := r.Start(ctx); err != nil {
		c.closeRelayConn()
		c.broker.Stop()
		return err
	}
	c.relay = r

	return nil
}

// Close stops the relay and the delivery loop. Undelivered envelopes are
// discarded.
func (c *Client) Close() {
	if c.relay != nil {
		c.relay.Stop()
		c.relay = nil
	}
	c.closeRelayConn()
	c.broker.Stop()
}

func (c *Client) closeRelayConn() {
	if c.relayConn != nil {
		if err := c.relayConn.Close(); err != nil {
			c.logger.Warn("closing relay connection", "error", err)
		}
		c.relayConn = nil
	}
}

// Broker returns the underlying broker
func (c *Client) Broker() *messaging.Broker {
	return c.broker
}

// Communicator returns a facade bound to the given service name
func (c *Client) Communicator(service string) (*messaging.Communicator, error) {
	return messaging.NewCommunicator(c.broker, service,
		messaging.WithCommunicatorLogger(c.logger))
}

// Stats returns the broker's delivery counters
func (c *Client) Stats() messaging.Stats {
	return c.broker.Stats()
}
