package broker

import (
	"context"
	"errors"

	"github.com/umbra-iot/umbra/pkg/types"
)

var (
	// ErrNotConnected is returned by broker operations invoked before
	// Connect has succeeded
	ErrNotConnected = errors.New("broker: not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("broker: connection closed")

	// ErrUnknownConsumer is returned by Cancel for an unknown consumer ID
	ErrUnknownConsumer = errors.New("broker: unknown consumer")
)

// Envelope headers used by adapters to carry delivery metadata
const (
	HeaderMessageID     = "Umbra-Message-Id"
	HeaderCorrelationID = "Umbra-Correlation-Id"
	HeaderContentType   = "Content-Type"
	HeaderAttempts      = "Umbra-Attempts"
)

// Delivery is one inbound message together with its acknowledgment
// controls. Exactly one of Ack or Nack must be called per delivery;
// calling either more than once is a no-op.
type Delivery struct {
	Msg         *types.Message
	Redelivered bool
	Attempts    int // 1 on first delivery

	ackFn  func()
	nackFn func(requeue bool)
	done   bool
}

// NewDelivery builds a delivery with the given acknowledgment hooks.
// Adapters use this; handler code only calls Ack/Nack.
func NewDelivery(msg *types.Message, attempts int, ack func(), nack func(requeue bool)) *Delivery {
	return &Delivery{
		Msg:         msg,
		Redelivered: attempts > 1,
		Attempts:    attempts,
		ackFn:       ack,
		nackFn:      nack,
	}
}

// Ack acknowledges the delivery
func (d *Delivery) Ack() {
	if d.done {
		return
	}
	d.done = true
	if d.ackFn != nil {
		d.ackFn()
	}
}

// Nack rejects the delivery; requeue=true asks the transport to
// redeliver it (at-least-once)
func (d *Delivery) Nack(requeue bool) {
	if d.done {
		return
	}
	d.done = true
	if d.nackFn != nil {
		d.nackFn(requeue)
	}
}

// DeliveryHandler consumes deliveries for one declared consumer. The
// handler owns the ack/nack decision.
type DeliveryHandler func(d *Delivery)

// Connection is the abstract contract any broker transport must
// satisfy: topic-based routing with AMQP-style wildcards and explicit
// acknowledgment.
//
// Connect is idempotent. Publish before Connect fails with
// ErrNotConnected. Consumers declared before a connection loss are
// re-declared on reconnect; in-flight unacknowledged messages may be
// redelivered, so handlers must be idempotent.
type Connection interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, msg *types.Message) error
	DeclareConsumer(queue, pattern string, h DeliveryHandler) (string, error)
	Cancel(consumerID string) error
	Close() error
}
