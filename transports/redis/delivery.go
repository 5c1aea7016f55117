package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/cqrsbus-go/messaging"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice
var ErrAlreadySettled = errors.New("delivery already settled")

const settleTimeout = 5 * time.Second

// delivery is a message held on the processing list of its queue
type delivery struct {
	broker  *Broker
	client  *goredis.Client
	queue   string
	raw     string
	env     envelope
	settled atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte                    { return d.env.Body }
func (d *delivery) RoutingKey() string              { return d.env.RoutingKey }
func (d *delivery) Exchange() string                { return d.env.Exchange }
func (d *delivery) ReplyTo() string                 { return d.env.ReplyTo }
func (d *delivery) AppID() string                   { return d.env.AppID }
func (d *delivery) Headers() map[string]interface{} { return d.env.Headers }

// Ack removes the message from the processing list
func (d *delivery) Ack() error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := d.client.LRem(ctx, d.broker.processingKey(d.queue), 1, d.raw).Err(); err != nil {
		return err
	}
	d.broker.metrics.acked.Add(1)
	return nil
}

// Nack moves the message back to the consuming end of its queue, or to the
// queue's dead letter list
func (d *delivery) Nack(requeue bool) error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := d.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, d.broker.processingKey(d.queue), 1, d.raw)
		if requeue {
			pipe.RPush(ctx, d.broker.queueKey(d.queue), d.raw)
		} else {
			pipe.LPush(ctx, d.broker.deadKey(d.queue), d.raw)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.broker.metrics.nacked.Add(1)
	return nil
}
