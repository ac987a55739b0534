package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the bus settings read from the environment
type Config struct {
	ServiceName    string        `env:"SVCBUS_SERVICE_NAME" envDefault:"service"`
	TickInterval   time.Duration `env:"SVCBUS_TICK_INTERVAL" envDefault:"100ms"`
	BackoffBase    time.Duration `env:"SVCBUS_BACKOFF_BASE" envDefault:"100ms"`
	BackoffCap     time.Duration `env:"SVCBUS_BACKOFF_CAP" envDefault:"5s"`
	RequestTimeout time.Duration `env:"SVCBUS_REQUEST_TIMEOUT" envDefault:"5s"`

	// Optional AMQP relay; the relay is disabled when the URL is empty.
	AMQPURL      string   `env:"SVCBUS_AMQP_URL"`
	AMQPExchange string   `env:"SVCBUS_AMQP_EXCHANGE" envDefault:"svcbus.notify"`
	RelayTopics  []string `env:"SVCBUS_RELAY_TOPICS" envSeparator:","`
}

// Load reads and validates the configuration from the environment
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap %s is below base %s", c.BackoffCap, c.BackoffBase)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.AMQPURL != "" && len(c.RelayTopics) == 0 {
		return fmt.Errorf("relay enabled but no relay topics configured")
	}
	return nil
}

// RelayEnabled reports whether an AMQP relay should be started
func (c Config) RelayEnabled() bool {
	return c.AMQPURL != ""
}
