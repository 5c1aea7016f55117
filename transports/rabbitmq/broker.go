// Package rabbitmq implements messaging.Broker on RabbitMQ.
//
// Routers map to exchanges of the same kind. The broker remembers what it
// declared and subscribed, and declares it again after the connection
// manager reconnects.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cqrsbus-go/internal/rabbitmq"
	"github.com/glimte/cqrsbus-go/internal/reliability"
	"github.com/glimte/cqrsbus-go/messaging"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice
var ErrAlreadySettled = errors.New("delivery already settled")

// BrokerConfig holds configuration for the broker
type BrokerConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// BrokerOption configures the broker
type BrokerOption func(*BrokerConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger used by the broker and its connection
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(cfg *BrokerConfig) {
		cfg.Logger = logger
	}
}

// Broker is a messaging.Broker backed by RabbitMQ
type Broker struct {
	url    string
	cfg    BrokerConfig
	logger *slog.Logger

	mu        sync.Mutex
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	ctx       context.Context
	cancel    context.CancelFunc

	// Declared state, replayed after a reconnect
	routers       []messaging.RouterOptions
	bindings      []messaging.BindOptions
	subscriptions []messaging.SubscribeOptions
}

var (
	_ messaging.Broker                 = (*Broker)(nil)
	_ rabbitmq.ConnectionStateListener = (*Broker)(nil)
)

// NewBroker creates a RabbitMQ broker. Nothing is dialed until Connect.
func NewBroker(url string, options ...BrokerOption) *Broker {
	var cfg BrokerConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Broker{
		url:    url,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Connect implements messaging.Broker. Configuration errors are permanent.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.manager != nil {
		return nil
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(b.logger)}, b.cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(b.url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		if rabbitmq.IsFatal(err) {
			return reliability.Permanent(err)
		}
		return err
	}

	pool, err := rabbitmq.NewChannelPool(manager, b.cfg.PoolOptions...)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(b.logger)}, b.cfg.ConsumerOptions...)

	b.manager = manager
	b.pool = pool
	b.publisher = rabbitmq.NewPublisher(pool, b.cfg.PublisherOptions...)
	b.consumer = rabbitmq.NewConsumer(pool, consumerOpts...)
	b.topology = rabbitmq.NewTopologyManager(pool)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	manager.AddStateListener(b)
	return nil
}

// Disconnect implements messaging.Broker
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.manager == nil {
		return nil
	}

	b.manager.RemoveStateListener(b)
	b.cancel()

	stopped := make(chan struct{})
	go func() {
		b.consumer.UnsubscribeAll()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		b.logger.Warn("consumers did not stop before shutdown deadline")
	}

	_ = b.pool.Close()
	err := b.manager.Close()

	b.manager, b.pool, b.publisher, b.consumer, b.topology = nil, nil, nil, nil, nil
	b.routers, b.bindings, b.subscriptions = nil, nil, nil
	return err
}

// Ping checks the connection by passively declaring amq.direct on a pooled channel
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	manager, pool := b.manager, b.pool
	b.mu.Unlock()

	if manager == nil {
		return messaging.ErrNotConnected
	}
	if !manager.IsConnected() {
		return fmt.Errorf("connection is down: %w", messaging.ErrNotConnected)
	}
	return pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil)
	})
}

// DeclareRouter implements messaging.Broker
func (b *Broker) DeclareRouter(ctx context.Context, opts messaging.RouterOptions) error {
	if !opts.Kind.Valid() {
		return fmt.Errorf("unknown router kind %q", opts.Kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topology == nil {
		return messaging.ErrNotConnected
	}
	if err := b.declareRouter(ctx, opts); err != nil {
		return err
	}
	b.routers = append(b.routers, opts)
	return nil
}

func (b *Broker) declareRouter(ctx context.Context, opts messaging.RouterOptions) error {
	return b.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    opts.Name,
		Type:    string(opts.Kind),
		Durable: opts.Durable,
	})
}

// Bind implements messaging.Broker
func (b *Broker) Bind(ctx context.Context, opts messaging.BindOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topology == nil {
		return messaging.ErrNotConnected
	}
	if err := b.bind(ctx, opts); err != nil {
		return err
	}
	b.bindings = append(b.bindings, opts)
	return nil
}

func (b *Broker) bind(ctx context.Context, opts messaging.BindOptions) error {
	return b.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      opts.Destination,
		Exchange:   opts.Source,
		RoutingKey: opts.Pattern,
	})
}

// Subscribe implements messaging.Broker
func (b *Broker) Subscribe(ctx context.Context, opts messaging.SubscribeOptions) error {
	if opts.Queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if opts.OnMessage == nil {
		return fmt.Errorf("message handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumer == nil {
		return messaging.ErrNotConnected
	}
	if err := b.subscribe(ctx, opts); err != nil {
		return err
	}
	b.subscriptions = append(b.subscriptions, opts)
	return nil
}

func (b *Broker) subscribe(ctx context.Context, opts messaging.SubscribeOptions) error {
	err := b.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       opts.Queue,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Exclusive:  opts.Exclusive,
	})
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, d amqp.Delivery) {
		opts.OnMessage(ctx, newDelivery(d, opts.AutoAck))
	}
	consumption := rabbitmq.Consumption{
		Queue:     opts.Queue,
		Prefetch:  opts.Prefetch,
		AutoAck:   opts.AutoAck,
		Exclusive: opts.Exclusive,
	}
	return b.consumer.Subscribe(b.ctx, consumption, handler)
}

// Publish implements messaging.Broker. An empty router addresses the queue
// named by the routing key. Unroutable messages are dropped by RabbitMQ.
func (b *Broker) Publish(ctx context.Context, p messaging.Publishing) error {
	b.mu.Lock()
	publisher := b.publisher
	b.mu.Unlock()

	if publisher == nil {
		return messaging.ErrNotConnected
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		ReplyTo:      p.ReplyTo,
		AppId:        p.AppID,
		Headers:      amqp.Table(p.Headers),
		Body:         p.Body,
	}
	return publisher.Publish(ctx, p.Router, p.RoutingKey, msg)
}

// OnConnected restores topology and consumers after a reconnect
func (b *Broker) OnConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.manager == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	for _, router := range b.routers {
		if err := b.declareRouter(ctx, router); err != nil {
			b.logger.Error("failed to restore exchange", "exchange", router.Name, "error", err)
		}
	}
	for _, sub := range b.subscriptions {
		// The old consumer goroutine may still be draining its closed channel
		_ = b.consumer.Unsubscribe(sub.Queue)
		if err := b.subscribe(ctx, sub); err != nil {
			b.logger.Error("failed to restore consumer", "queue", sub.Queue, "error", err)
		}
	}
	for _, binding := range b.bindings {
		if err := b.bind(ctx, binding); err != nil {
			b.logger.Error("failed to restore binding", "exchange", binding.Source, "queue", binding.Destination, "error", err)
		}
	}

	b.logger.Info("restored topology after reconnect",
		"exchanges", len(b.routers),
		"queues", len(b.subscriptions),
		"bindings", len(b.bindings),
	)
}

// OnDisconnected logs the lost connection
func (b *Broker) OnDisconnected(err error) {
	b.logger.Warn("rabbitmq connection lost", "error", err)
}

// OnReconnecting logs reconnection attempts
func (b *Broker) OnReconnecting(attempt int) {
	b.logger.Info("reconnecting to rabbitmq", "attempt", attempt)
}

type delivery struct {
	d       amqp.Delivery
	headers map[string]interface{}
	settled atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

func newDelivery(d amqp.Delivery, autoAck bool) *delivery {
	dv := &delivery{d: d, headers: map[string]interface{}(d.Headers)}
	dv.settled.Store(autoAck)
	return dv
}

func (d *delivery) Body() []byte                    { return d.d.Body }
func (d *delivery) RoutingKey() string              { return d.d.RoutingKey }
func (d *delivery) Exchange() string                { return d.d.Exchange }
func (d *delivery) ReplyTo() string                 { return d.d.ReplyTo }
func (d *delivery) AppID() string                   { return d.d.AppId }
func (d *delivery) Headers() map[string]interface{} { return d.headers }

// Ack implements messaging.Delivery
func (d *delivery) Ack() error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	return d.d.Ack(false)
}

// Nack implements messaging.Delivery
func (d *delivery) Nack(requeue bool) error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	return d.d.Nack(false, requeue)
}
