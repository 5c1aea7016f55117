package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/internal/reliability"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/serialization"
)

// BrokerBusConfig configures a queue-routed bus
type BrokerBusConfig struct {
	Project string
	Env     string
	Service string

	// TopicPatterns are bound from the topic exchange to the instance queue.
	// Defaults to the project name.
	TopicPatterns []string

	// BindServiceKey also binds the direct exchange with the service name so
	// publishes addressed to the service reach one of its instances
	BindServiceKey bool

	Prefetch int
}

func (c BrokerBusConfig) validate() error {
	if c.Project == "" || c.Env == "" || c.Service == "" {
		return fmt.Errorf("project, env and service are required")
	}
	return nil
}

// BrokerBus receives commands on a queue private to the instance and executes
// them locally. The queue is bound to the project's topic and direct exchanges.
type BrokerBus struct {
	*SchemaBus
	*lifecycle

	broker   messaging.Broker
	cfg      BrokerBusConfig
	opts     *options
	id       string
	topology Topology
	types    *serialization.DefaultTypeRegistry
	retries  *reliability.RetryScheduler

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewBrokerBus creates a queue-routed bus and starts connecting it in the
// background. Use Ready or WaitReady to wait for startup.
func NewBrokerBus(broker messaging.Broker, cfg BrokerBusConfig, opts ...Option) (*BrokerBus, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)
	id := o.instanceID
	if id == "" {
		id = uuid.NewString()
	}

	topology := NewTopology(cfg.Project, cfg.Env, cfg.Service, id, cfg.TopicPatterns)
	if cfg.BindServiceKey {
		topology.DirectPatterns = append(topology.DirectPatterns, cfg.Service)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BrokerBus{
		SchemaBus: newSchemaBus(o),
		lifecycle: newLifecycle(),
		broker:    broker,
		cfg:       cfg,
		opts:      o,
		id:        id,
		topology:  topology,
		types:     serialization.NewTypeRegistry(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if o.deadLetter != nil {
		o.errorHandler, b.retries = deadLetterHandler(broker, *o.deadLetter, o)
	}

	go func() {
		defer close(b.done)
		if err := b.subscribe(ctx); err != nil {
			b.logger.Error("command bus startup failed", "queue", b.topology.Queue, "error", err)
			b.fail(StateFailed, err)
		}
	}()

	return b, nil
}

// InstanceID returns the id of this bus instance
func (b *BrokerBus) InstanceID() string {
	return b.id
}

// Topology returns the routing layout of this instance
func (b *BrokerBus) Topology() Topology {
	return b.topology
}

func (b *BrokerBus) subscribe(ctx context.Context) error {
	b.advance(StateConnecting)
	err := reliability.Retry(ctx, b.opts.retryPolicy, func() error {
		return b.broker.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	err = b.broker.Subscribe(ctx, messaging.SubscribeOptions{
		Queue:      b.topology.Queue,
		AutoDelete: true,
		AutoAck:    b.opts.ackMode == messaging.AutoAck,
		Prefetch:   b.cfg.Prefetch,
		OnMessage:  b.consume,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topology.Queue, err)
	}
	b.advance(StateSubscribed)

	if err := b.routing(ctx); err != nil {
		return err
	}
	b.advance(StateRouted)

	b.logger.Info("command bus ready",
		"queue", b.topology.Queue,
		"topicExchange", b.topology.TopicExchange,
		"directExchange", b.topology.DirectExchange,
	)
	b.markReady()
	return nil
}

// routing declares the exchanges and binds the instance queue to them
func (b *BrokerBus) routing(ctx context.Context) error {
	for _, router := range b.topology.Routers() {
		if err := b.broker.DeclareRouter(ctx, router); err != nil {
			return fmt.Errorf("declare %s: %w", router.Name, err)
		}
	}

	for _, binding := range b.topology.Bindings() {
		if err := b.broker.Bind(ctx, binding); err != nil {
			return fmt.Errorf("bind %s to %s with %q: %w", binding.Source, binding.Destination, binding.Pattern, err)
		}
		b.logger.Debug("bound queue", "exchange", binding.Source, "queue", binding.Destination, "pattern", binding.Pattern)
	}
	return nil
}

// consume executes a command received on the instance queue
func (b *BrokerBus) consume(ctx context.Context, d messaging.Delivery) {
	var msg contracts.QueueMessage
	if err := json.Unmarshal(d.Body(), &msg); err != nil || msg.Command == "" {
		b.logger.Warn("dropping undecodable message", "queue", b.topology.Queue, "routingKey", d.RoutingKey(), "error", err)
		b.settle(d, messaging.Reject)
		return
	}

	cmd, err := b.types.CreateInstance(msg.Command, msg.Arguments)
	if err != nil {
		b.logger.Warn("dropping unknown command", "command", msg.Command, "error", err)
		b.settle(d, messaging.Reject)
		return
	}

	result, err := b.execute(ctx, cmd)
	if b.opts.resultHandler != nil {
		b.opts.resultHandler(msg.Command, result, err)
	}

	switch {
	case err == nil || b.opts.ackMode == messaging.AckAlways:
		b.settle(d, messaging.Acknowledge)
	default:
		failed := messaging.ContextWithDelivery(ctx, b.topology.Queue, d)
		b.settle(d, b.opts.errorHandler.HandleError(failed, msg.Command, err))
	}
}

// execute runs cmd, turning a handler panic into an error so the delivery is
// settled like any other failure
func (b *BrokerBus) execute(ctx context.Context, cmd any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()
	return b.Execute(ctx, cmd)
}

func (b *BrokerBus) settle(d messaging.Delivery, action messaging.ErrorAction) {
	if b.opts.ackMode == messaging.AutoAck {
		return
	}
	if err := messaging.Settle(d, action); err != nil {
		b.logger.Error("failed to settle message", "queue", b.topology.Queue, "action", action, "error", err)
	}
}

// Register binds handler to the type of cmd and indexes the type by command
// name so queue messages can be decoded. Names must be unique on a bus.
func (b *BrokerBus) Register(cmd any, handler Handler, opts ...RegisterOption) error {
	w, err := b.SchemaBus.register(cmd, handler, opts...)
	if err != nil {
		return err
	}

	if err := b.types.Register(w.Name, cmd); err != nil {
		b.workers.remove(w.Type)
		return &contracts.CommandError{Op: "register", Command: w.Name, Err: fmt.Errorf("%w: %v", contracts.ErrHandlerExisted, err)}
	}
	return nil
}

// Unregister removes the worker of the type of cmd
func (b *BrokerBus) Unregister(cmd any) error {
	w, err := b.unregister(cmd)
	if err != nil {
		return err
	}
	b.types.Unregister(w.Name)
	return nil
}

// Publish sends a command to the instances bound to the direct exchange with
// payload.App
func (b *BrokerBus) Publish(ctx context.Context, payload contracts.Payload) error {
	if b.closed() {
		return ErrClosed
	}
	if payload.App == "" {
		return fmt.Errorf("payload app is required")
	}
	if payload.Command == "" {
		return fmt.Errorf("payload command is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return b.broker.Publish(ctx, messaging.Publishing{
		Router:     b.topology.DirectExchange,
		RoutingKey: payload.App,
		Body:       body,
		AppID:      b.cfg.Service,
	})
}

// Close stops the bus and disconnects the broker
func (b *BrokerBus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.lifecycle.close()
		b.cancel()

		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		if b.retries != nil {
			b.retries.Close()
		}
		err = b.broker.Disconnect(ctx)
	})
	return err
}
