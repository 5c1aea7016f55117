package reliability

import (
	"errors"
	"fmt"
	"time"
)

// RetryError is returned when a retried operation keeps failing
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrFailureNotFound is returned by stores for unknown failure ids
	ErrFailureNotFound = errors.New("failure not found")

	// ErrSchedulerClosed is returned when scheduling on a closed RetryScheduler
	ErrSchedulerClosed = errors.New("retry scheduler closed")
)

// CircuitBreakerError is returned when a breaker refuses to run an operation
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	Threshold int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open after %d/%d failures, retry in %v",
		e.Name, e.Failures, e.Threshold, time.Until(e.NextRetry).Round(time.Millisecond))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false: running again at once meets the same breaker
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}
