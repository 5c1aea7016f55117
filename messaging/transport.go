package messaging

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by transports used before Connect or after Disconnect
var ErrNotConnected = errors.New("transport not connected")

// RouterKind is the routing behaviour of a router (exchange)
type RouterKind string

const (
	RouterDirect  RouterKind = "direct"
	RouterTopic   RouterKind = "topic"
	RouterFanout  RouterKind = "fanout"
	RouterHeaders RouterKind = "headers"
)

// Valid reports whether k is a known router kind
func (k RouterKind) Valid() bool {
	switch k {
	case RouterDirect, RouterTopic, RouterFanout, RouterHeaders:
		return true
	}
	return false
}

// Broker is the transport a command bus runs on
type Broker interface {
	// Connect establishes the connection to the broker
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops all consumers
	Disconnect(ctx context.Context) error

	// Publish routes a message through a router
	Publish(ctx context.Context, msg Publishing) error

	// Subscribe declares a queue and starts delivering its messages to OnMessage
	Subscribe(ctx context.Context, opts SubscribeOptions) error

	// DeclareRouter declares a router. Declaring an existing router is a no-op.
	DeclareRouter(ctx context.Context, opts RouterOptions) error

	// Bind routes messages from a router to a queue when the routing key matches Pattern
	Bind(ctx context.Context, opts BindOptions) error
}

// Publishing is an outbound message
type Publishing struct {
	Router     string
	RoutingKey string
	Body       []byte
	ReplyTo    string
	AppID      string
	Headers    map[string]interface{}
}

// Delivery is an inbound message
type Delivery interface {
	Body() []byte
	RoutingKey() string
	Exchange() string
	ReplyTo() string
	AppID() string
	Headers() map[string]interface{}

	// Ack marks the message as processed
	Ack() error

	// Nack rejects the message, requeueing it when requeue is true
	Nack(requeue bool) error
}

// DeliveryHandler processes a delivery. The handler owns acknowledgement
// unless the subscription uses AutoAck.
type DeliveryHandler func(ctx context.Context, d Delivery)

// SubscribeOptions configures a subscription
type SubscribeOptions struct {
	Queue      string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	AutoAck    bool
	Prefetch   int
	OnMessage  DeliveryHandler
}

// RouterOptions configures a router declaration
type RouterOptions struct {
	Name    string
	Kind    RouterKind
	Durable bool
}

// BindOptions configures a binding between a router and a queue
type BindOptions struct {
	Source      string
	Destination string
	Pattern     string
}
