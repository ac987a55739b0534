// Package reliability provides the redelivery backoff schedule used by the
// broker and the retry/circuit-breaker helpers used by the AMQP relay.
package reliability
