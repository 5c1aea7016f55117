package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with broker confirms over pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish including retries when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		if lastErr = p.publishWithConfirm(ctx, exchange, routingKey, msg); lastErr == nil {
			return nil
		}
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr),
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if ch.confirms == nil {
		if err := ch.Confirm(false); err != nil {
			p.pool.Discard(ch)
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		ch.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			p.pool.Discard(ch)
			return ErrConnectionClosed
		}
		p.pool.Put(ch)
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case <-time.After(p.confirmTimeout):
		// A late confirm would be read by the next publish on this channel
		p.pool.Discard(ch)
		return fmt.Errorf("timeout waiting for confirmation")

	case <-ctx.Done():
		p.pool.Discard(ch)
		return ctx.Err()
	}
}
