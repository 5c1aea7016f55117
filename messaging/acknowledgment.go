package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// AckMode controls when a consumed message is acknowledged
type AckMode int

const (
	// AckOnSuccess acknowledges after the handler succeeds and consults the
	// ErrorHandler on failure
	AckOnSuccess AckMode = iota
	// AckAlways acknowledges every message, whatever the handler returns
	AckAlways
	// AutoAck lets the broker acknowledge on delivery
	AutoAck
)

func (m AckMode) String() string {
	switch m {
	case AckOnSuccess:
		return "on-success"
	case AckAlways:
		return "always"
	case AutoAck:
		return "auto"
	}
	return fmt.Sprintf("AckMode(%d)", int(m))
}

// ParseAckMode parses the textual form of an AckMode
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "on-success", "onsuccess":
		return AckOnSuccess, nil
	case "always":
		return AckAlways, nil
	case "auto":
		return AutoAck, nil
	}
	return AckOnSuccess, fmt.Errorf("unknown ack mode %q", s)
}

// ErrorAction determines what to do with a message whose handler failed
type ErrorAction int

const (
	Acknowledge ErrorAction = iota // Acknowledge and discard the message
	Retry                          // Nack and requeue for retry
	Reject                         // Reject without requeue (dead-letter)
)

func (a ErrorAction) String() string {
	switch a {
	case Acknowledge:
		return "acknowledge"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("ErrorAction(%d)", int(a))
}

// ErrorHandler decides the fate of a failed message
type ErrorHandler interface {
	HandleError(ctx context.Context, command string, err error) ErrorAction
}

// ErrorHandlerFunc adapts a function to ErrorHandler
type ErrorHandlerFunc func(ctx context.Context, command string, err error) ErrorAction

// HandleError implements ErrorHandler
func (f ErrorHandlerFunc) HandleError(ctx context.Context, command string, err error) ErrorAction {
	return f(ctx, command, err)
}

// DefaultErrorHandler logs the failure and rejects the message
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler
func (h *DefaultErrorHandler) HandleError(ctx context.Context, command string, err error) ErrorAction {
	if h.Logger != nil {
		h.Logger.Error("command processing failed",
			"command", command,
			"error", err,
		)
	}
	return Reject
}

// Settle applies an action to a delivery
func Settle(d Delivery, action ErrorAction) error {
	switch action {
	case Acknowledge:
		return d.Ack()
	case Retry:
		return d.Nack(true)
	default:
		return d.Nack(false)
	}
}

// QueuedDelivery is a delivery together with the queue it was consumed from
type QueuedDelivery struct {
	Delivery
	Queue string
}

type deliveryKey struct{}

// ContextWithDelivery returns ctx carrying the delivery an ErrorHandler
// decides on
func ContextWithDelivery(ctx context.Context, queue string, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, QueuedDelivery{Delivery: d, Queue: queue})
}

// DeliveryFromContext returns the failed delivery passed to an ErrorHandler
func DeliveryFromContext(ctx context.Context) (QueuedDelivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(QueuedDelivery)
	return d, ok && d.Delivery != nil
}
