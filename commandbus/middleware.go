package commandbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/cqrsbus-go/internal/reliability"
)

type workerKey struct{}

// WorkerFromContext returns the worker whose handler is running
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok
}

func commandName(ctx context.Context, cmd any) string {
	if w, ok := WorkerFromContext(ctx); ok {
		return w.Name
	}
	return fmt.Sprintf("%T", cmd)
}

// LoggingMiddleware logs the outcome and duration of every handler run
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, cmd any, next Handler) (any, error) {
		start := time.Now()
		name := commandName(ctx, cmd)

		logger.Debug("handling command", "command", name)

		result, err := next.Handle(ctx, cmd)
		duration := time.Since(start)

		if err != nil {
			logger.Error("command handling failed", "command", name, "duration", duration, "error", err)
		} else {
			logger.Info("command handled", "command", name, "duration", duration)
		}
		return result, err
	}
}

// RecoveryMiddleware turns a handler panic into an error
func RecoveryMiddleware() MiddlewareFunc {
	return func(ctx context.Context, cmd any, next Handler) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = fmt.Errorf("panic handling %s: %v\n%s", commandName(ctx, cmd), r, debug.Stack())
			}
		}()
		return next.Handle(ctx, cmd)
	}
}

// TimeoutMiddleware bounds each handler run. A handler still running when the
// timeout fires keeps its goroutine until it observes ctx.
func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(ctx context.Context, cmd any, next Handler) (any, error) {
		if timeout <= 0 {
			return next.Handle(ctx, cmd)
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			result any
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := next.Handle(timeoutCtx, cmd)
			done <- outcome{result, err}
		}()

		select {
		case o := <-done:
			return o.result, o.err
		case <-timeoutCtx.Done():
			return nil, fmt.Errorf("handling %s timed out after %v: %w", commandName(ctx, cmd), timeout, timeoutCtx.Err())
		}
	}
}

// RetryMiddlewareConfig configures RetryMiddleware
type RetryMiddlewareConfig struct {
	// MaxAttempts counts the first run. Values below 2 disable retries.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 5s.
	MaxDelay time.Duration
}

// RetryMiddleware runs a failing handler again with exponential backoff.
// Errors marked with Permanent are returned at once.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareFunc {
	if cfg.MaxAttempts < 2 {
		return func(ctx context.Context, cmd any, next Handler) (any, error) {
			return next.Handle(ctx, cmd)
		}
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 5 * time.Second
	}

	policy := reliability.NewExponentialBackoff(cfg.InitialDelay, cfg.MaxDelay, 2.0, cfg.MaxAttempts-1)

	return func(ctx context.Context, cmd any, next Handler) (any, error) {
		var result any
		err := reliability.Retry(ctx, policy, func() error {
			var err error
			result, err = next.Handle(ctx, cmd)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// Permanent marks a handler error as not worth retrying
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// ErrCircuitOpen matches errors returned while a command's circuit breaker is open
var ErrCircuitOpen = reliability.ErrCircuitOpen

// CircuitBreakerConfig configures CircuitBreakerMiddleware
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is how many trial runs must succeed to close it again. Default: 3.
	SuccessThreshold int

	// OpenTimeout is how long an open breaker refuses commands. Default: 30s.
	OpenTimeout time.Duration

	// Logger receives breaker state changes
	Logger *slog.Logger
}

// CircuitBreakerMiddleware keeps one breaker per command. While it is open
// commands fail with ErrCircuitOpen without reaching the handler. Errors
// marked with Permanent are returned but do not count as failures.
func CircuitBreakerMiddleware(cfg CircuitBreakerConfig) MiddlewareFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var mu sync.Mutex
	breakers := make(map[string]*reliability.CircuitBreaker)

	breaker := func(name string) *reliability.CircuitBreaker {
		mu.Lock()
		defer mu.Unlock()

		cb, ok := breakers[name]
		if !ok {
			cb = reliability.NewCircuitBreaker(
				reliability.WithName(name),
				reliability.WithFailureThreshold(cfg.FailureThreshold),
				reliability.WithSuccessThreshold(cfg.SuccessThreshold),
				reliability.WithOpenTimeout(cfg.OpenTimeout),
				reliability.WithFailureFilter(reliability.IsRetryable),
				reliability.WithStateChange(func(name string, from, to reliability.State) {
					logger.Warn("circuit breaker state changed", "command", name, "from", from, "to", to)
				}),
			)
			breakers[name] = cb
		}
		return cb
	}

	return func(ctx context.Context, cmd any, next Handler) (any, error) {
		var result any
		err := breaker(commandName(ctx, cmd)).Execute(ctx, func() error {
			var err error
			result, err = next.Handle(ctx, cmd)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
