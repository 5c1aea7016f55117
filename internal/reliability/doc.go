// Package reliability provides the failure handling buses build on.
//
// Retry policies decide whether a failed attempt is retried and how long to wait:
//   - ExponentialBackoff: growing delays capped at MaxInterval, with jitter
//   - FixedDelay: the same delay between attempts
//
// Errors can opt out of retries by implementing IsRetryable() bool, or by
// being wrapped with Permanent.
//
//	err := reliability.Retry(ctx, reliability.NewFixedDelay(time.Second, 5), func() error {
//	    return broker.Connect(ctx)
//	})
//
// CircuitBreaker stops calling an operation that keeps failing. DLQHandler is
// a messaging.ErrorHandler that redelivers failed messages through a
// RetryScheduler and dead-letters them into a FailureStore and a topic router
// once the policy gives up.
package reliability
