package commandbus

import (
	"log/slog"
	"time"

	"github.com/glimte/cqrsbus-go/internal/reliability"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/schema"
)

// DefaultCallTimeout is how long the cloud bus waits for a reply when no timeout is given
const DefaultCallTimeout = 10 * time.Second

// ResultHandler observes the outcome of every command consumed from a queue
type ResultHandler func(command string, result any, err error)

type options struct {
	logger        *slog.Logger
	middleware    []MiddlewareFunc
	schemas       *schema.MessageValidator
	instanceID    string
	retryPolicy   reliability.RetryPolicy
	ackMode       messaging.AckMode
	errorHandler  messaging.ErrorHandler
	resultHandler ResultHandler
	callTimeout   time.Duration
	deadLetter    *DeadLetterConfig
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:      slog.Default(),
		retryPolicy: reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 5),
		ackMode:     messaging.AckOnSuccess,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.errorHandler == nil {
		o.errorHandler = &messaging.DefaultErrorHandler{Logger: o.logger}
	}
	return o
}

// Option configures a bus. Options a bus has no use for are ignored.
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMiddleware wraps every handler invocation
func WithMiddleware(middleware ...MiddlewareFunc) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithSchemas sets the schema store validators are resolved from
func WithSchemas(schemas *schema.MessageValidator) Option {
	return func(o *options) {
		o.schemas = schemas
	}
}

// WithInstanceID overrides the generated instance id
func WithInstanceID(id string) Option {
	return func(o *options) {
		o.instanceID = id
	}
}

// WithRetryPolicy sets the policy used while connecting to the broker
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy
	}
}

// WithAckMode sets how consumed messages are acknowledged
func WithAckMode(mode messaging.AckMode) Option {
	return func(o *options) {
		o.ackMode = mode
	}
}

// WithErrorHandler decides what happens to messages whose handler failed
func WithErrorHandler(handler messaging.ErrorHandler) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

// WithResultHandler observes results of consumed commands
func WithResultHandler(handler ResultHandler) Option {
	return func(o *options) {
		o.resultHandler = handler
	}
}

// WithDefaultTimeout sets the reply timeout of cloud calls
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.callTimeout = timeout
		}
	}
}
