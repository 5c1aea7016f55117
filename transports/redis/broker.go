// Package redis implements messaging.Broker on Redis lists.
//
// Routers and their bindings are stored in Redis so every process sharing the
// server routes the same way. Each queue is a list; consumers move messages to
// a processing list while they handle them and remove them on ack.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/cqrsbus-go/internal/topic"
	"github.com/glimte/cqrsbus-go/messaging"
)

// ErrExclusiveQueue is returned when an exclusive queue already has a
// consumer, or an exclusive consumer joins a consumed queue
var ErrExclusiveQueue = errors.New("queue is consumed exclusively")

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Config configures the Redis broker
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces every key. Default: "cqrsbus".
	Prefix string

	// Block is how long a consumer waits for a message per poll. Redis
	// rounds it to whole seconds. Default: 1s.
	Block time.Duration

	Logger *slog.Logger
}

func (c Config) defaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Prefix == "" {
		c.Prefix = "cqrsbus"
	}
	if c.Block < time.Second {
		c.Block = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// envelope is the stored form of a message
type envelope struct {
	ID         string                 `json:"id"`
	Body       []byte                 `json:"body"`
	RoutingKey string                 `json:"routingKey"`
	Exchange   string                 `json:"exchange,omitempty"`
	ReplyTo    string                 `json:"replyTo,omitempty"`
	AppID      string                 `json:"appId,omitempty"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
}

// Metrics counts broker activity
type Metrics struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

type metrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Broker is a messaging.Broker backed by Redis
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    *goredis.Client
	consumers map[string]int
	exclusive map[string]bool
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup

	metrics metrics
}

var _ messaging.Broker = (*Broker)(nil)

// NewBroker creates a Redis broker. Nothing is dialed until Connect.
func NewBroker(cfg Config) *Broker {
	cfg = cfg.defaults()
	return &Broker{
		cfg:       cfg,
		logger:    cfg.Logger,
		consumers: make(map[string]int),
		exclusive: make(map[string]bool),
	}
}

func (b *Broker) key(parts ...string) string {
	return b.cfg.Prefix + ":" + strings.Join(parts, ":")
}

func (b *Broker) routersKey() string               { return b.key("routers") }
func (b *Broker) queuesKey() string                { return b.key("queues") }
func (b *Broker) bindingsKey(router string) string { return b.key("bindings", router) }
func (b *Broker) queueKey(name string) string      { return b.key("queue", name) }
func (b *Broker) processingKey(name string) string { return b.key("processing", name) }
func (b *Broker) deadKey(name string) string       { return b.key("dead", name) }

// Connect implements messaging.Broker
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         b.cfg.Addr,
		Username:     b.cfg.Username,
		Password:     b.cfg.Password,
		DB:           b.cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", b.cfg.Addr, err)
	}

	b.client = client
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.logger.Info("connected to redis", "addr", b.cfg.Addr, "prefix", b.cfg.Prefix)
	return nil
}

// Disconnect implements messaging.Broker. Messages being processed stay on
// their processing list.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return nil
	}
	b.client = nil
	b.cancel()
	b.consumers = make(map[string]int)
	b.exclusive = make(map[string]bool)
	b.mu.Unlock()

	// Closing the client unblocks pollers waiting on Redis
	err := client.Close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) conn() (*goredis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, messaging.ErrNotConnected
	}
	return b.client, nil
}

// Ping checks that the Redis server answers
func (b *Broker) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return ping(ctx, client)
}

// DeclareRouter implements messaging.Broker
func (b *Broker) DeclareRouter(ctx context.Context, opts messaging.RouterOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("router name cannot be empty")
	}
	if !opts.Kind.Valid() {
		return fmt.Errorf("unknown router kind %q", opts.Kind)
	}

	client, err := b.conn()
	if err != nil {
		return err
	}

	created, err := client.HSetNX(ctx, b.routersKey(), opts.Name, string(opts.Kind)).Result()
	if err != nil {
		return fmt.Errorf("declare router %s: %w", opts.Name, err)
	}
	if created {
		return nil
	}

	kind, err := client.HGet(ctx, b.routersKey(), opts.Name).Result()
	if err != nil {
		return fmt.Errorf("declare router %s: %w", opts.Name, err)
	}
	if messaging.RouterKind(kind) != opts.Kind {
		return fmt.Errorf("router %s already declared as %s", opts.Name, kind)
	}
	return nil
}

// Bind implements messaging.Broker
func (b *Broker) Bind(ctx context.Context, opts messaging.BindOptions) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	exists, err := client.HExists(ctx, b.routersKey(), opts.Source).Result()
	if err != nil {
		return fmt.Errorf("bind %s: %w", opts.Source, err)
	}
	if !exists {
		return fmt.Errorf("router %s not declared", opts.Source)
	}

	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, b.queuesKey(), opts.Destination)
		pipe.SAdd(ctx, b.bindingsKey(opts.Source), bindingMember(opts.Destination, opts.Pattern))
		return nil
	})
	if err != nil {
		return fmt.Errorf("bind %s to %s: %w", opts.Source, opts.Destination, err)
	}
	return nil
}

func bindingMember(queue, pattern string) string {
	return queue + "|" + pattern
}

func parseBinding(member string) (queue, pattern string) {
	queue, pattern, _ = strings.Cut(member, "|")
	return queue, pattern
}

// Bindings lists the bindings of a router
func (b *Broker) Bindings(ctx context.Context, router string) ([]messaging.BindOptions, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	members, err := client.SMembers(ctx, b.bindingsKey(router)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]messaging.BindOptions, 0, len(members))
	for _, m := range members {
		queue, pattern := parseBinding(m)
		result = append(result, messaging.BindOptions{Source: router, Destination: queue, Pattern: pattern})
	}
	return result, nil
}

// Metrics returns a snapshot of the broker counters
func (b *Broker) Metrics() Metrics {
	return Metrics{
		Published:     b.metrics.published.Load(),
		Consumed:      b.metrics.consumed.Load(),
		Acked:         b.metrics.acked.Load(),
		Nacked:        b.metrics.nacked.Load(),
		PublishErrors: b.metrics.publishErrors.Load(),
		ConsumeErrors: b.metrics.consumeErrors.Load(),
	}
}

// Publish implements messaging.Broker. An empty router addresses the queue
// named by the routing key. Messages no binding matches are dropped.
func (b *Broker) Publish(ctx context.Context, p messaging.Publishing) error {
	client, err := b.conn()
	if err != nil {
		return err
	}

	queues, err := b.route(ctx, client, p.Router, p.RoutingKey)
	if err != nil {
		b.metrics.publishErrors.Add(1)
		return err
	}
	if len(queues) == 0 {
		b.logger.Debug("message unroutable", "router", p.Router, "routingKey", p.RoutingKey)
		return nil
	}

	raw, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		Body:       p.Body,
		RoutingKey: p.RoutingKey,
		Exchange:   p.Router,
		ReplyTo:    p.ReplyTo,
		AppID:      p.AppID,
		Headers:    p.Headers,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	_, err = client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, q := range queues {
			pipe.LPush(ctx, b.queueKey(q), raw)
		}
		return nil
	})
	if err != nil {
		b.metrics.publishErrors.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", p.Router, err)
	}

	b.metrics.published.Add(1)
	return nil
}

// route returns the distinct queues a message reaches
func (b *Broker) route(ctx context.Context, client *goredis.Client, router, routingKey string) ([]string, error) {
	if router == "" {
		known, err := client.SIsMember(ctx, b.queuesKey(), routingKey).Result()
		if err != nil || !known {
			return nil, err
		}
		return []string{routingKey}, nil
	}

	kind, err := client.HGet(ctx, b.routersKey(), router).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("router %s not declared", router)
	}
	if err != nil {
		return nil, err
	}

	members, err := client.SMembers(ctx, b.bindingsKey(router)).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(members))
	var queues []string
	for _, m := range members {
		queue, pattern := parseBinding(m)
		if seen[queue] || !matches(messaging.RouterKind(kind), pattern, routingKey) {
			continue
		}
		seen[queue] = true
		queues = append(queues, queue)
	}
	return queues, nil
}

func matches(kind messaging.RouterKind, pattern, routingKey string) bool {
	switch kind {
	case messaging.RouterDirect:
		return pattern == routingKey
	case messaging.RouterTopic:
		return topic.Match(pattern, routingKey)
	default:
		return true
	}
}

// Subscribe implements messaging.Broker. Consumers of one queue, in this or
// other processes, compete for its messages. An exclusive consumer must be the
// only one this broker runs on the queue.
func (b *Broker) Subscribe(ctx context.Context, opts messaging.SubscribeOptions) error {
	if opts.Queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if opts.OnMessage == nil {
		return fmt.Errorf("message handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return messaging.ErrNotConnected
	}
	if b.exclusive[opts.Queue] || (opts.Exclusive && b.consumers[opts.Queue] > 0) {
		return fmt.Errorf("%w: %s", ErrExclusiveQueue, opts.Queue)
	}
	if err := b.client.SAdd(ctx, b.queuesKey(), opts.Queue).Err(); err != nil {
		return fmt.Errorf("subscribe %s: %w", opts.Queue, err)
	}
	b.consumers[opts.Queue]++
	b.exclusive[opts.Queue] = opts.Exclusive

	b.wg.Add(1)
	go func(client *goredis.Client, ctx context.Context) {
		defer b.wg.Done()
		b.pollerLoop(ctx, client, opts)
	}(b.client, b.ctx)

	return nil
}

// pollerLoop pops messages off a queue until ctx is done
func (b *Broker) pollerLoop(ctx context.Context, client *goredis.Client, opts messaging.SubscribeOptions) {
	queue := b.queueKey(opts.Queue)
	processing := b.processingKey(opts.Queue)
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		var raw string
		var err error
		if opts.AutoAck {
			var res []string
			res, err = client.BRPop(ctx, b.cfg.Block, queue).Result()
			if err == nil {
				raw = res[1]
			}
		} else {
			raw, err = client.BRPopLPush(ctx, queue, processing, b.cfg.Block).Result()
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				return
			}
			if errors.Is(err, goredis.Nil) {
				backoff = minBackoff
				continue
			}

			b.metrics.consumeErrors.Add(1)
			b.logger.Warn("failed to read queue", "queue", opts.Queue, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.logger.Error("dropping corrupt message", "queue", opts.Queue, "error", err)
			if !opts.AutoAck {
				_ = client.LRem(ctx, processing, 1, raw).Err()
			}
			continue
		}

		b.metrics.consumed.Add(1)
		d := &delivery{broker: b, client: client, queue: opts.Queue, raw: raw, env: env}
		if opts.AutoAck {
			d.settled.Store(true)
			b.metrics.acked.Add(1)
		}
		opts.OnMessage(ctx, d)
	}
}

// DeadLetters returns the raw bodies rejected from a queue, oldest first
func (b *Broker) DeadLetters(ctx context.Context, queue string) ([][]byte, error) {
	client, err := b.conn()
	if err != nil {
		return nil, err
	}

	raws, err := client.LRange(ctx, b.deadKey(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	bodies := make([][]byte, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var env envelope
		if err := json.Unmarshal([]byte(raws[i]), &env); err != nil {
			continue
		}
		bodies = append(bodies, env.Body)
	}
	return bodies, nil
}

func ping(ctx context.Context, c *goredis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
