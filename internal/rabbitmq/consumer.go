package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes an incoming delivery. It settles the delivery
// itself unless the consumer auto-acks.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumption describes one queue consumer
type Consumption struct {
	Queue     string
	Prefetch  int
	AutoAck   bool
	Exclusive bool
}

// Consumer runs queue consumers on dedicated channels
type Consumer struct {
	pool            *ChannelPool
	defaultPrefetch int
	logger          *slog.Logger

	mu     sync.Mutex
	active map[string]*consumerInfo
}

type consumerInfo struct {
	channel *PooledChannel
	tag     string
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch used when a consumption does not set one
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.defaultPrefetch = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		defaultPrefetch: 10,
		logger:          slog.Default(),
		active:          make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming a queue. The consumer stops when ctx is done, the
// channel closes or Unsubscribe is called.
func (c *Consumer) Subscribe(ctx context.Context, sub Consumption, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[sub.Queue]; exists {
		return &ConsumerError{Queue: sub.Queue, Op: "subscribe", Err: ErrConsumerExists, Timestamp: time.Now()}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: sub.Queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = c.defaultPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		c.pool.Discard(ch)
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "cqrsbus-" + ch.ID()
	deliveries, err := ch.Consume(sub.Queue, tag, sub.AutoAck, sub.Exclusive, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: sub.Queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &consumerInfo{channel: ch, tag: tag, cancel: cancel, done: make(chan struct{})}
	c.active[sub.Queue] = info

	go c.processMessages(consumerCtx, sub.Queue, info, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", sub.Queue, "consumerTag", tag, "prefetchCount", prefetch)
	return nil
}

func (c *Consumer) processMessages(ctx context.Context, queue string, info *consumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		// Channels with a consumer are not reused
		c.pool.Discard(info.channel)

		c.mu.Lock()
		if c.active[queue] == info {
			delete(c.active, queue)
		}
		c.mu.Unlock()

		close(info.done)
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = info.channel.Cancel(info.tag, false)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info.cancel()
	<-info.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("consumer already stopped", "queue", queue)
		}
	}
}

// ActiveQueues lists the queues being consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	return queues
}
