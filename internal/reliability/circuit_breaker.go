package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the relay's AMQP publish path: after
// failureThreshold consecutive failures it rejects calls outright until
// openTimeout elapses, then lets probes through until successThreshold
// consecutive successes close it again.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed to close from half-open
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// NewCircuitBreaker creates a circuit breaker with default thresholds
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.openTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return nil
		}
		return &CircuitOpenError{
			Failures:  cb.failures,
			NextProbe: cb.lastFailureTime.Add(cb.openTimeout),
		}
	default:
		return fmt.Errorf("circuit breaker in unknown state %d", cb.state)
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailureTime = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// CircuitOpenError is returned when a call is rejected by an open circuit
type CircuitOpenError struct {
	Failures  int
	NextProbe time.Time
}

// Error implements error
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open after %d failures, next probe at %s",
		e.Failures, e.NextProbe.Format(time.RFC3339))
}
