package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/cqrsbus-go/messaging"
)

// Headers carried by redelivered and dead-lettered messages
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderLastError          = "x-last-error"
	HeaderOriginalRouter     = "x-original-router"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderOriginalQueue      = "x-original-queue"
)

// DeadLetterPublisher is the broker side a DLQHandler needs
type DeadLetterPublisher interface {
	Publisher
	DeclareRouter(ctx context.Context, opts messaging.RouterOptions) error
}

// DLQHandler is a messaging.ErrorHandler that redelivers failed commands with
// a delay and dead-letters those that keep failing. Dead letters are recorded
// in a FailureStore and published to a router keyed by command name.
type DLQHandler struct {
	publisher DeadLetterPublisher
	logger    *slog.Logger
	policy    RetryPolicy
	scheduler *RetryScheduler
	store     FailureStore
	router    string

	mu       sync.Mutex
	declared bool
}

// DLQOption configures a DLQHandler
type DLQOption func(*DLQHandler)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(h *DLQHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithDLQRetryPolicy decides how often and how late failed commands are
// redelivered. Errors the policy refuses are dead-lettered at once.
func WithDLQRetryPolicy(policy RetryPolicy) DLQOption {
	return func(h *DLQHandler) {
		h.policy = policy
	}
}

// WithRetryScheduler sets the scheduler redeliveries go through. Without one
// nothing is redelivered.
func WithRetryScheduler(scheduler *RetryScheduler) DLQOption {
	return func(h *DLQHandler) {
		h.scheduler = scheduler
	}
}

// WithFailureStore records dead-lettered commands
func WithFailureStore(store FailureStore) DLQOption {
	return func(h *DLQHandler) {
		h.store = store
	}
}

// WithDeadLetterRouter sets the topic router dead letters are published to
func WithDeadLetterRouter(router string) DLQOption {
	return func(h *DLQHandler) {
		h.router = router
	}
}

// NewDLQHandler creates a handler. By default failures are redelivered three
// times, a minute apart, once a scheduler is set.
func NewDLQHandler(publisher DeadLetterPublisher, options ...DLQOption) *DLQHandler {
	h := &DLQHandler{
		publisher: publisher,
		logger:    slog.Default(),
		policy:    NewFixedDelay(time.Minute, 3),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// HandleError implements messaging.ErrorHandler. The failed delivery is taken
// from ctx; without one the message is rejected.
func (h *DLQHandler) HandleError(ctx context.Context, command string, err error) messaging.ErrorAction {
	d, ok := messaging.DeliveryFromContext(ctx)
	if !ok {
		h.logger.Error("command processing failed", "command", command, "error", err)
		return messaging.Reject
	}

	attempt := headerInt(d.Headers(), HeaderRetryCount)

	if h.scheduler != nil && d.Queue != "" {
		if retry, delay := h.policy.ShouldRetry(attempt, err); retry {
			msg := h.redelivery(d, attempt+1, err)
			serr := h.scheduler.Schedule(msg, delay)
			if serr == nil {
				h.logger.Info("command scheduled for redelivery",
					"command", command,
					"queue", d.Queue,
					"attempt", attempt+1,
					"delay", delay,
					"error", err,
				)
				return messaging.Acknowledge
			}
			h.logger.Warn("failed to schedule redelivery", "command", command, "error", serr)
		}
	}

	return h.deadLetter(ctx, command, d, attempt, err)
}

// redelivery targets the consuming queue through the default router so no
// other queue bound to the original routing key sees the message twice
func (h *DLQHandler) redelivery(d messaging.QueuedDelivery, attempt int, err error) messaging.Publishing {
	headers := copyHeaders(d.Headers())
	headers[HeaderRetryCount] = attempt
	headers[HeaderLastError] = err.Error()
	if _, ok := headers[HeaderOriginalRouter]; !ok {
		headers[HeaderOriginalRouter] = d.Exchange()
		headers[HeaderOriginalRoutingKey] = d.RoutingKey()
	}

	return messaging.Publishing{
		RoutingKey: d.Queue,
		Body:       d.Body(),
		ReplyTo:    d.ReplyTo(),
		AppID:      d.AppID(),
		Headers:    headers,
	}
}

func (h *DLQHandler) deadLetter(ctx context.Context, command string, d messaging.QueuedDelivery, attempt int, err error) messaging.ErrorAction {
	router, key := d.Exchange(), d.RoutingKey()
	if v, ok := d.Headers()[HeaderOriginalRouter].(string); ok {
		router = v
	}
	if v, ok := d.Headers()[HeaderOriginalRoutingKey].(string); ok {
		key = v
	}

	h.logger.Error("command dead-lettered",
		"command", command,
		"queue", d.Queue,
		"attempts", attempt+1,
		"error", err,
	)

	recorded := false
	if h.store != nil {
		failure := &FailedCommand{
			Command:    command,
			Queue:      d.Queue,
			Router:     router,
			RoutingKey: key,
			Body:       append([]byte(nil), d.Body()...),
			Headers:    copyHeaders(d.Headers()),
			Error:      err.Error(),
			Attempts:   attempt + 1,
		}
		if serr := h.store.Store(ctx, failure); serr != nil {
			h.logger.Error("failed to record dead letter", "command", command, "error", serr)
		} else {
			recorded = true
		}
	}

	if h.router == "" {
		if recorded {
			return messaging.Acknowledge
		}
		return messaging.Reject
	}

	headers := copyHeaders(d.Headers())
	headers[HeaderRetryCount] = attempt
	headers[HeaderLastError] = err.Error()
	headers[HeaderOriginalRouter] = router
	headers[HeaderOriginalRoutingKey] = key
	headers[HeaderOriginalQueue] = d.Queue

	if perr := h.publish(ctx, messaging.Publishing{
		Router:     h.router,
		RoutingKey: command,
		Body:       d.Body(),
		ReplyTo:    d.ReplyTo(),
		AppID:      d.AppID(),
		Headers:    headers,
	}); perr != nil {
		h.logger.Error("failed to publish dead letter", "command", command, "router", h.router, "error", perr)
		return messaging.Reject
	}
	return messaging.Acknowledge
}

func (h *DLQHandler) publish(ctx context.Context, msg messaging.Publishing) error {
	h.mu.Lock()
	if !h.declared {
		err := h.publisher.DeclareRouter(ctx, messaging.RouterOptions{Name: h.router, Kind: messaging.RouterTopic, Durable: true})
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("declare dead letter router: %w", err)
		}
		h.declared = true
	}
	h.mu.Unlock()

	return h.publisher.Publish(ctx, msg)
}

func copyHeaders(headers map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(headers)+4)
	for k, v := range headers {
		copied[k] = v
	}
	return copied
}

// headerInt reads an integer header. JSON transports deliver numbers as
// float64 and AMQP as one of the sized integers.
func headerInt(headers map[string]interface{}, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
