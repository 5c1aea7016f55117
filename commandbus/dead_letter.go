package commandbus

import (
	"time"

	"github.com/glimte/cqrsbus-go/internal/reliability"
	"github.com/glimte/cqrsbus-go/messaging"
)

// FailedCommand is a dead-lettered command message
type FailedCommand = reliability.FailedCommand

// FailureFilter selects failures listed from a FailureStore
type FailureFilter = reliability.FailureFilter

// FailureStore keeps dead-lettered commands
type FailureStore = reliability.FailureStore

// NewMemoryFailureStore creates a FailureStore held in process memory
func NewMemoryFailureStore() FailureStore {
	return reliability.NewMemoryFailureStore()
}

// DeadLetterConfig configures redelivery and dead-lettering on a broker bus
type DeadLetterConfig struct {
	// Router is the topic router dead letters are published to, keyed by
	// command name. Empty leaves dead-lettering to the broker.
	Router string

	// Redeliveries is how often a failed command is delivered again
	Redeliveries int

	// RedeliveryDelay is the wait before the first redelivery. Later ones
	// back off exponentially. Default: 1s.
	RedeliveryDelay time.Duration

	// Store records dead-lettered commands
	Store FailureStore
}

// WithDeadLetter replaces the error handler of a broker bus with one that
// redelivers failed commands to the bus queue and dead-letters those that
// still fail. Errors marked Permanent are dead-lettered at once.
func WithDeadLetter(cfg DeadLetterConfig) Option {
	return func(o *options) {
		o.deadLetter = &cfg
	}
}

// deadLetterHandler builds the handler of cfg, returning the scheduler the
// bus must close
func deadLetterHandler(broker messaging.Broker, cfg DeadLetterConfig, o *options) (*reliability.DLQHandler, *reliability.RetryScheduler) {
	delay := cfg.RedeliveryDelay
	if delay <= 0 {
		delay = time.Second
	}

	scheduler := reliability.NewRetryScheduler(broker, o.logger)
	policy := reliability.NewExponentialBackoff(delay, 32*delay, 2.0, cfg.Redeliveries)
	policy.Jitter = false

	dlqOpts := []reliability.DLQOption{
		reliability.WithDLQLogger(o.logger),
		reliability.WithDLQRetryPolicy(policy),
		reliability.WithRetryScheduler(scheduler),
		reliability.WithDeadLetterRouter(cfg.Router),
	}
	if cfg.Store != nil {
		dlqOpts = append(dlqOpts, reliability.WithFailureStore(cfg.Store))
	}
	return reliability.NewDLQHandler(broker, dlqOpts...), scheduler
}
