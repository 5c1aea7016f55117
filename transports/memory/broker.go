// Package memory provides an in-process messaging.Broker.
//
// Routers, bindings and queues behave like their AMQP counterparts: a message
// published to a router is copied once into every queue with a matching
// binding, and each queue delivers its messages to one consumer in order.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/cqrsbus-go/internal/topic"
	"github.com/glimte/cqrsbus-go/messaging"
)

const requeueTimeout = 5 * time.Second

var (
	// ErrQueueFull is returned when a queue buffer has no room for a message
	ErrQueueFull = errors.New("queue is full")
	// ErrExclusiveQueue is returned when an exclusive queue already has a
	// consumer, or an exclusive consumer joins a consumed queue
	ErrExclusiveQueue = errors.New("queue is consumed exclusively")
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Config configures the broker behavior
type Config struct {
	// BufferSize is the number of messages a queue holds. Default: 1024.
	BufferSize int

	// ConnectFailures makes the first n Connect calls fail
	ConnectFailures int

	Logger *slog.Logger
}

func (c Config) defaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts what happened to messages
type Stats struct {
	Published  int64
	Routed     int64
	Unroutable int64
	Acked      int64
	Nacked     int64
	Requeued   int64
}

type binding struct {
	queue   string
	pattern string
}

type message struct {
	body       []byte
	routingKey string
	exchange   string
	replyTo    string
	appID      string
	headers    map[string]interface{}
}

// queue is read by every consumer subscribed to it; each message goes to one
type queue struct {
	name      string
	messages  chan *message
	consumers int
	exclusive bool
}

// Broker is an in-process messaging.Broker
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	routers   map[string]messaging.RouterKind
	bindings  map[string][]binding
	queues    map[string]*queue
	connects  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published, routed, unroutable atomic.Int64
	acked, nacked, requeued       atomic.Int64
}

var _ messaging.Broker = (*Broker)(nil)

// NewBroker creates an in-process broker
func NewBroker(cfg Config) *Broker {
	cfg = cfg.defaults()
	return &Broker{
		cfg:      cfg,
		logger:   cfg.Logger,
		routers:  make(map[string]messaging.RouterKind),
		bindings: make(map[string][]binding),
		queues:   make(map[string]*queue),
	}
}

// Connect implements messaging.Broker
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	if b.connects <= b.cfg.ConnectFailures {
		return fmt.Errorf("connect attempt %d refused", b.connects)
	}
	if b.connected {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.connected = true
	return nil
}

// Disconnect implements messaging.Broker. Consumers stop; queued messages are kept.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.cancel()
	for _, q := range b.queues {
		q.consumers = 0
		q.exclusive = false
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping reports messaging.ErrNotConnected while the broker is disconnected
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return messaging.ErrNotConnected
	}
	return nil
}

// DeclareRouter implements messaging.Broker
func (b *Broker) DeclareRouter(ctx context.Context, opts messaging.RouterOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("router name cannot be empty")
	}
	if !opts.Kind.Valid() {
		return fmt.Errorf("unknown router kind %q", opts.Kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return messaging.ErrNotConnected
	}
	if kind, exists := b.routers[opts.Name]; exists && kind != opts.Kind {
		return fmt.Errorf("router %s already declared as %s", opts.Name, kind)
	}
	b.routers[opts.Name] = opts.Kind
	return nil
}

// Bind implements messaging.Broker. The destination queue is created if needed.
func (b *Broker) Bind(ctx context.Context, opts messaging.BindOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return messaging.ErrNotConnected
	}
	if _, exists := b.routers[opts.Source]; !exists {
		return fmt.Errorf("router %s not declared", opts.Source)
	}

	b.queueLocked(opts.Destination)
	for _, existing := range b.bindings[opts.Source] {
		if existing.queue == opts.Destination && existing.pattern == opts.Pattern {
			return nil
		}
	}
	b.bindings[opts.Source] = append(b.bindings[opts.Source], binding{queue: opts.Destination, pattern: opts.Pattern})
	return nil
}

// Bindings lists the bindings of a router
func (b *Broker) Bindings(router string) []messaging.BindOptions {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]messaging.BindOptions, 0, len(b.bindings[router]))
	for _, bd := range b.bindings[router] {
		result = append(result, messaging.BindOptions{Source: router, Destination: bd.queue, Pattern: bd.pattern})
	}
	return result
}

// RouterKind returns the kind of a declared router
func (b *Broker) RouterKind(name string) (messaging.RouterKind, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kind, ok := b.routers[name]
	return kind, ok
}

// Stats returns message counters
func (b *Broker) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Routed:     b.routed.Load(),
		Unroutable: b.unroutable.Load(),
		Acked:      b.acked.Load(),
		Nacked:     b.nacked.Load(),
		Requeued:   b.requeued.Load(),
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, exists := b.queues[name]
	if !exists {
		q = &queue{name: name, messages: make(chan *message, b.cfg.BufferSize)}
		b.queues[name] = q
	}
	return q
}

// Subscribe implements messaging.Broker. Consumers of one queue compete for
// its messages; an exclusive consumer must be the only one.
func (b *Broker) Subscribe(ctx context.Context, opts messaging.SubscribeOptions) error {
	if opts.Queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if opts.OnMessage == nil {
		return fmt.Errorf("message handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return messaging.ErrNotConnected
	}

	q := b.queueLocked(opts.Queue)
	if q.exclusive || (opts.Exclusive && q.consumers > 0) {
		return fmt.Errorf("%w: %s", ErrExclusiveQueue, opts.Queue)
	}
	q.consumers++
	q.exclusive = opts.Exclusive

	b.wg.Add(1)
	go b.consume(b.ctx, q, opts)
	return nil
}

func (b *Broker) consume(ctx context.Context, q *queue, opts messaging.SubscribeOptions) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.messages:
			d := &delivery{msg: msg, queue: q, broker: b}
			if opts.AutoAck {
				d.settled.Store(true)
				b.acked.Add(1)
			}
			opts.OnMessage(ctx, d)
		}
	}
}

// Publish implements messaging.Broker. An empty router addresses the queue
// named by the routing key.
func (b *Broker) Publish(ctx context.Context, p messaging.Publishing) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected {
		return messaging.ErrNotConnected
	}

	msg := &message{
		body:       append([]byte(nil), p.Body...),
		routingKey: p.RoutingKey,
		exchange:   p.Router,
		replyTo:    p.ReplyTo,
		appID:      p.AppID,
		headers:    p.Headers,
	}
	b.published.Add(1)

	targets, err := b.routeLocked(p.Router, p.RoutingKey)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		b.unroutable.Add(1)
		b.logger.Debug("message unroutable", "router", p.Router, "routingKey", p.RoutingKey)
		return nil
	}

	for _, q := range targets {
		select {
		case q.messages <- msg:
			b.routed.Add(1)
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
		}
	}
	return nil
}

func (b *Broker) routeLocked(router, routingKey string) ([]*queue, error) {
	if router == "" {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	kind, exists := b.routers[router]
	if !exists {
		return nil, fmt.Errorf("router %s not declared", router)
	}

	seen := make(map[string]bool)
	var targets []*queue
	for _, bd := range b.bindings[router] {
		if seen[bd.queue] || !matches(kind, bd.pattern, routingKey) {
			continue
		}
		seen[bd.queue] = true
		targets = append(targets, b.queues[bd.queue])
	}
	return targets, nil
}

func matches(kind messaging.RouterKind, pattern, routingKey string) bool {
	switch kind {
	case messaging.RouterDirect:
		return pattern == routingKey
	case messaging.RouterTopic:
		return topic.Match(pattern, routingKey)
	default:
		// fanout; headers bindings carry no arguments here so they match everything
		return true
	}
}

func (b *Broker) requeue(q *queue, msg *message) {
	b.requeued.Add(1)
	go func() {
		select {
		case q.messages <- msg:
		case <-time.After(requeueTimeout):
			b.logger.Warn("dropping requeued message", "queue", q.name)
		}
	}()
}
