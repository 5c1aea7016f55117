package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the state of a circuit breaker
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

// StateChangeFunc is told about breaker transitions. It runs on its own goroutine.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops running an operation after repeated failures and lets
// a few trial runs through once the open timeout has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	totalRequests  int64
	totalFailures  int64
	totalRejected  int64
	lastFailure    time.Time
	lastTransition time.Time

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	counts           func(error) bool
	onStateChange    StateChangeFunc
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the breaker
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if timeout > 0 {
			cb.openTimeout = timeout
		}
	}
}

// WithHalfOpenRequests caps concurrent trial runs while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName names the breaker in errors and notifications
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureFilter decides which errors count as failures. Errors it rejects
// are returned to the caller but leave the breaker untouched.
func WithFailureFilter(counts func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.counts = counts
	}
}

// WithStateChange registers fn for state transitions
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker. Defaults: 5 failures open it for
// 30s, then 3 trial runs must succeed to close it.
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 3,
		counts:           func(err error) bool { return err != nil },
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open breaker to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.openTimeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if cb.state == StateOpen {
		nextRetry := cb.openedAt.Add(cb.openTimeout)
		if time.Now().Before(nextRetry) {
			cb.totalRejected++
			return &CircuitBreakerError{
				Name:      cb.name,
				State:     StateOpen,
				Failures:  cb.failures,
				Threshold: cb.failureThreshold,
				NextRetry: nextRetry,
			}
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenRequests {
			cb.totalRejected++
			return &CircuitBreakerError{
				Name:      cb.name,
				State:     StateHalfOpen,
				Failures:  cb.failures,
				Threshold: cb.failureThreshold,
			}
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	if err != nil {
		if !cb.counts(err) {
			return
		}
		cb.totalFailures++
		cb.lastFailure = time.Now()

		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.failures++
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.trials = 0
	cb.lastTransition = time.Now()

	switch to {
	case StateOpen:
		cb.openedAt = cb.lastTransition
	case StateClosed:
		cb.failures = 0
	}

	if from != to && cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	}
}

// CircuitBreakerMetrics is a snapshot of a breaker
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastFailure     time.Time
	LastTransition  time.Time
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailure:     cb.lastFailure,
		LastTransition:  cb.lastTransition,
	}
}
