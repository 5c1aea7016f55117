package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/internal/reliability"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/serialization"
)

// CloudBusConfig configures a cloud bus
type CloudBusConfig struct {
	// App names the service. Requests routed with it reach one of its instances.
	App      string
	Exchange string
	Kind     messaging.RouterKind
	Prefetch int
}

// CallOption configures a single cloud call
type CallOption func(*callOptions)

type callOptions struct {
	callback func(Reply)
	timeout  time.Duration
}

// WithCallback receives the reply of the call. Without a callback the call is
// fire and forget.
func WithCallback(fn func(Reply)) CallOption {
	return func(o *callOptions) {
		o.callback = fn
	}
}

// WithTimeout sets how long to wait for the reply
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// CloudBus executes commands on remote services over a shared exchange and
// correlates their replies. Each call is a request answered by a response or,
// when the remote side cannot run it, a fallback.
type CloudBus struct {
	*lifecycle

	bus      *SchemaBus
	broker   messaging.Broker
	cfg      CloudBusConfig
	opts     *options
	logger   *slog.Logger
	id       string
	topology CloudTopology
	types    *serialization.DefaultTypeRegistry // Keyed by wire id
	pending  *pendingTable

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewCloudBus creates a cloud bus and starts connecting it in the background
func NewCloudBus(broker messaging.Broker, cfg CloudBusConfig, opts ...Option) (*CloudBus, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("exchange is required")
	}
	if cfg.Kind != "" && !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown exchange kind %q", cfg.Kind)
	}

	o := newOptions(opts)
	id := o.instanceID
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.App == "" {
		cfg.App = "cqrsbus-" + hashHex(id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &CloudBus{
		lifecycle: newLifecycle(),
		bus:       newSchemaBus(o),
		broker:    broker,
		cfg:       cfg,
		opts:      o,
		logger:    o.logger,
		id:        id,
		topology:  NewCloudTopology(cfg.Exchange, cfg.Kind, cfg.App, id),
		types:     serialization.NewTypeRegistry(),
		pending:   newPendingTable(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.bus.workers.uniqueIDs = true

	go func() {
		defer close(b.done)
		if err := b.connect(ctx); err != nil {
			b.logger.Error("cloud bus startup failed", "app", b.cfg.App, "error", err)
			b.fail(StateFailed, err)
		}
	}()

	return b, nil
}

// InstanceID returns the id of this bus instance
func (b *CloudBus) InstanceID() string {
	return b.id
}

// Topology returns the routing layout of this instance
func (b *CloudBus) Topology() CloudTopology {
	return b.topology
}

func (b *CloudBus) connect(ctx context.Context) error {
	b.advance(StateConnecting)
	err := reliability.Retry(ctx, b.opts.retryPolicy, func() error {
		return b.broker.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	err = b.broker.DeclareRouter(ctx, messaging.RouterOptions{Name: b.topology.Exchange, Kind: b.topology.Kind, Durable: true})
	if err != nil {
		return fmt.Errorf("declare %s: %w", b.topology.Exchange, err)
	}

	subscriptions := []messaging.SubscribeOptions{
		{Queue: b.topology.ServiceQueue, Durable: true, Prefetch: b.cfg.Prefetch, OnMessage: b.onMessage},
		{Queue: b.topology.ReplyQueue, Exclusive: true, AutoDelete: true, OnMessage: b.onMessage},
	}
	for _, sub := range subscriptions {
		if err := b.broker.Subscribe(ctx, sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Queue, err)
		}
	}
	b.advance(StateSubscribed)

	for _, queue := range []string{b.topology.ServiceQueue, b.topology.ReplyQueue} {
		err := b.broker.Bind(ctx, messaging.BindOptions{Source: b.topology.Exchange, Destination: queue, Pattern: queue})
		if err != nil {
			return fmt.Errorf("bind %s: %w", queue, err)
		}
	}
	b.advance(StateRouted)

	b.logger.Info("cloud bus ready",
		"app", b.cfg.App,
		"exchange", b.topology.Exchange,
		"replyQueue", b.topology.ReplyQueue,
	)
	b.markReady()
	return nil
}

// Register binds handler to the type of cmd and indexes it by wire id
func (b *CloudBus) Register(cmd any, handler Handler, opts ...RegisterOption) error {
	w, err := b.bus.register(cmd, handler, opts...)
	if err != nil {
		return err
	}

	if err := b.types.Register(w.ID, cmd); err != nil {
		b.bus.workers.remove(w.Type)
		return &contracts.CommandError{Op: "register", Command: w.Name, Err: err}
	}
	return nil
}

// Unregister removes the worker of the type of cmd from both indices
func (b *CloudBus) Unregister(cmd any) error {
	w, err := b.bus.unregister(cmd)
	if err != nil {
		return err
	}
	b.types.Unregister(w.ID)
	return nil
}

// Workers lists registered workers ordered by name
func (b *CloudBus) Workers() []*Worker {
	return b.bus.Workers()
}

// Worker looks a worker up by wire id
func (b *CloudBus) Worker(id string) (*Worker, bool) {
	return b.bus.workers.lookupID(id)
}

// Validate resolves the worker of cmd and runs its validator. A command of an
// unregistered type that carries a handler name and routing key gets a
// single-use anonymous worker.
func (b *CloudBus) Validate(ctx context.Context, cmd any) (*Worker, error) {
	if v := reflect.ValueOf(cmd); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, fmt.Errorf("command cannot be nil")
	}

	w, err := b.bus.Validate(ctx, cmd)
	if err == nil || !errors.Is(err, contracts.ErrHandlerNotFound) {
		return w, err
	}
	if _, ok := cmd.(contracts.Routable); !ok {
		return nil, err
	}

	t, _, _ := commandType(cmd)
	meta := contracts.MetaOf(cmd, t.Name())
	if !meta.HasRoute() {
		return nil, &contracts.CommandError{Op: "validate", Command: meta.Name, Err: contracts.ErrCloudHandlerNotFound}
	}

	return &Worker{
		ID:        anonymousID(),
		Name:      meta.Name,
		Meta:      meta,
		Handler:   HandlerFunc(func(context.Context, any) (any, error) { return nil, nil }),
		Anonymous: true,
	}, nil
}

// Execute sends cmd to the service named by its routing key and returns once
// the request is published. The reply, if any, goes to the WithCallback callback.
func (b *CloudBus) Execute(ctx context.Context, cmd any, opts ...CallOption) error {
	_, err := b.execute(ctx, cmd, opts...)
	return err
}

// Call executes cmd and waits for its reply. A failed reply is returned along
// with its error. When ctx is done the call is abandoned locally; the request
// stays in flight and a late reply is dropped.
func (b *CloudBus) Call(ctx context.Context, cmd any, timeout time.Duration) (Reply, error) {
	replies := make(chan Reply, 1)
	sessionID, err := b.execute(ctx, cmd,
		WithCallback(func(r Reply) { replies <- r }),
		WithTimeout(timeout),
	)
	if err != nil {
		return Reply{}, err
	}

	select {
	case reply := <-replies:
		return reply, reply.Err()
	case <-ctx.Done():
		b.abandon(sessionID)
		return Reply{}, ctx.Err()
	}
}

func (b *CloudBus) execute(ctx context.Context, cmd any, opts ...CallOption) (string, error) {
	if b.closed() {
		return "", ErrClosed
	}

	w, err := b.Validate(ctx, cmd)
	if err != nil {
		return "", err
	}

	meta := contracts.MetaOf(cmd, w.Name)
	if meta.RoutingKey == "" {
		return "", &contracts.CommandError{Op: "execute", Command: w.Name, Err: contracts.ErrCloudHandlerNotFound}
	}

	message, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command %s: %w", w.Name, err)
	}

	co := callOptions{timeout: b.opts.callTimeout}
	for _, opt := range opts {
		opt(&co)
	}

	sessionID := uuid.NewString()
	if co.callback != nil {
		if w.Anonymous {
			b.bus.workers.addAnonymous(w)
		}
		b.pending.add(sessionID, &pendingCall{worker: w, callback: co.callback}, co.timeout, func() {
			if b.complete(sessionID, Reply{Failed: true, Message: timeoutMessage}) {
				b.logger.Debug("command call timed out", "sessionId", sessionID, "command", w.Name)
			}
		})
	}

	err = b.publish(ctx, meta.RoutingKey, contracts.CloudPayload{
		SessionID: sessionID,
		Sender:    w.ID,
		Direction: contracts.DirectionRequest,
		Handler:   wireIDOf(meta),
		Message:   message,
	})
	if err != nil {
		b.abandon(sessionID)
		return "", err
	}

	return sessionID, nil
}

// complete resolves a pending call. It reports whether this call won.
func (b *CloudBus) complete(sessionID string, reply Reply) bool {
	call, ok := b.pending.take(sessionID)
	if !ok {
		return false
	}
	b.bus.workers.evict(call.worker)
	call.resolve(reply)
	return true
}

// abandon drops a pending call without resolving it
func (b *CloudBus) abandon(sessionID string) {
	if call, ok := b.pending.take(sessionID); ok {
		b.bus.workers.evict(call.worker)
	}
}

func (b *CloudBus) publish(ctx context.Context, routingKey string, payload contracts.CloudPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", payload.Direction, err)
	}

	return b.broker.Publish(ctx, messaging.Publishing{
		Router:     b.topology.Exchange,
		RoutingKey: routingKey,
		Body:       body,
		ReplyTo:    b.topology.ReplyQueue,
		AppID:      b.cfg.App,
	})
}

// onMessage handles every message of the service and reply queues
func (b *CloudBus) onMessage(ctx context.Context, d messaging.Delivery) {
	p, err := contracts.DecodeCloudPayload(d.Body())
	if err != nil {
		b.logger.Warn("dropping undecodable cloud message", "routingKey", d.RoutingKey(), "error", err)
		if err := d.Nack(false); err != nil {
			b.logger.Error("failed to reject message", "error", err)
		}
		return
	}

	w, _ := b.bus.workers.lookupID(p.Handler)
	defer b.bus.workers.evict(w)

	switch p.Direction {
	case contracts.DirectionFallback:
		if !b.complete(p.SessionID, Reply{Failed: true, Message: p.Message}) {
			b.logger.Info("fallback without pending call", "sessionId", p.SessionID, "message", string(p.Message))
		}
	case contracts.DirectionResponse:
		if w == nil || !b.complete(p.SessionID, Reply{Message: p.Message}) {
			b.logger.Debug("dropping late reply", "sessionId", p.SessionID, "handler", p.Handler)
		}
	case contracts.DirectionRequest:
		b.onRequest(ctx, d, p, w)
	}

	if err := d.Ack(); err != nil {
		b.logger.Error("failed to acknowledge message", "sessionId", p.SessionID, "error", err)
	}
}

// onRequest runs a request and replies to its sender
func (b *CloudBus) onRequest(ctx context.Context, d messaging.Delivery, p *contracts.CloudPayload, w *Worker) {
	replyTo := d.ReplyTo()
	if replyTo == "" {
		replyTo = d.RoutingKey()
	}

	reply := contracts.CloudPayload{
		SessionID: p.SessionID,
		Sender:    p.Handler,
		Direction: contracts.DirectionResponse,
		Handler:   p.Sender,
	}

	var err error
	if w == nil {
		// no worker answers for the requested wire id
		reply.Sender = ""
		err = &contracts.CommandError{Op: "request", Command: p.Handler, Err: contracts.ErrHandlerNotFound}
	} else {
		var result any
		if result, err = b.handle(ctx, w, p.Message); err == nil {
			reply.Message, err = json.Marshal(result)
		}
	}

	if err != nil {
		b.logger.Warn("command request failed", "sessionId", p.SessionID, "handler", p.Handler, "error", err)
		reply.Direction = contracts.DirectionFallback
		reply.Message, _ = json.Marshal(fallbackBody(err))
	}

	if err := b.publish(ctx, replyTo, reply); err != nil {
		b.logger.Error("failed to publish reply", "sessionId", p.SessionID, "replyTo", replyTo, "error", err)
	}
}

// handle decodes, validates and executes a request message
func (b *CloudBus) handle(ctx context.Context, w *Worker, message json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()

	var cmd any = message
	if !w.Anonymous {
		if cmd, err = b.types.CreateInstance(w.ID, message); err != nil {
			return nil, err
		}
		if err := b.bus.check(ctx, w, cmd); err != nil {
			return nil, err
		}
	}
	return b.bus.invoke(ctx, w, cmd)
}

func fallbackBody(err error) contracts.FallbackBody {
	var invalid *contracts.InvalidCommandError
	switch {
	case IsNotFound(err):
		return contracts.FallbackBody{Message: "Command not found"}
	case errors.As(err, &invalid):
		return contracts.FallbackBody{Message: "Invalid command", Errors: invalid.Errors}
	default:
		return contracts.FallbackBody{Message: err.Error()}
	}
}

// Close fails every pending call, stops the bus and disconnects the broker
func (b *CloudBus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.lifecycle.close()
		b.cancel()

		for _, call := range b.pending.drain() {
			b.bus.workers.evict(call.worker)
			call.resolve(Reply{Failed: true, Message: closedMessage})
		}

		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = b.broker.Disconnect(ctx)
	})
	return err
}
