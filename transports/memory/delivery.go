package memory

import (
	"sync/atomic"

	"github.com/glimte/cqrsbus-go/messaging"
)

type delivery struct {
	msg     *message
	queue   *queue
	broker  *Broker
	settled atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte                    { return d.msg.body }
func (d *delivery) RoutingKey() string              { return d.msg.routingKey }
func (d *delivery) Exchange() string                { return d.msg.exchange }
func (d *delivery) ReplyTo() string                 { return d.msg.replyTo }
func (d *delivery) AppID() string                   { return d.msg.appID }
func (d *delivery) Headers() map[string]interface{} { return d.msg.headers }

// Ack implements messaging.Delivery
func (d *delivery) Ack() error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	d.broker.acked.Add(1)
	return nil
}

// Nack implements messaging.Delivery
func (d *delivery) Nack(requeue bool) error {
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	d.broker.nacked.Add(1)
	if requeue {
		d.broker.requeue(d.queue, d.msg)
	}
	return nil
}
