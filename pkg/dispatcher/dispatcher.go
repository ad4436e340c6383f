package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/subscription"
	"github.com/umbra-iot/umbra/pkg/types"
)

// ErrMalformedMessage marks a payload that could not be deserialized.
// Such messages are acknowledged and discarded, never retried: retrying
// a poison message only loops it through the queue forever.
var ErrMalformedMessage = errors.New("malformed message payload")

// CallbackError wraps a handler failure for one subscription
type CallbackError struct {
	SubscriptionID string
	Err            error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s failed: %v", e.SubscriptionID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// DefaultMaxRetries bounds redelivery before a message is parked in
// the dead-letter bucket
const DefaultMaxRetries = 5

// Dispatcher routes inbound deliveries to matching subscriptions and
// owns the acknowledgment decision. Per message:
//
//	received -> routed -> delivered (ack)
//	received -> routed -> failed    (nack, requeued; dead-lettered after MaxRetries)
//	received -> unroutable          (ack, discarded, logged)
//
// Every matched callback is attempted before the final decision; one
// failure nacks the whole message, so handlers must be idempotent.
type Dispatcher struct {
	registry   *subscription.Registry
	backend    storage.Backend // dead-letter sink, may be nil
	maxRetries int
	logger     zerolog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMaxRetries overrides the redelivery bound
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithDeadLetterSink directs exhausted messages to the backend
func WithDeadLetterSink(backend storage.Backend) Option {
	return func(d *Dispatcher) { d.backend = backend }
}

// NewDispatcher creates a dispatcher over the registry
func NewDispatcher(registry *subscription.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		maxRetries: DefaultMaxRetries,
		logger:     log.WithComponent("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler adapts the dispatcher to a broker delivery callback
func (d *Dispatcher) Handler(ctx context.Context) broker.DeliveryHandler {
	return func(delivery *broker.Delivery) {
		d.Dispatch(ctx, delivery)
	}
}

// Dispatch processes one delivery to completion
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *broker.Delivery) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	msg := delivery.Msg

	if err := d.decode(msg); err != nil {
		// poison message: acknowledge so it never comes back
		metrics.MessagesMalformed.Inc()
		d.logger.Warn().
			Err(err).
			Str("topic", msg.Topic).
			Str("message_id", msg.MessageID).
			Msg("discarding malformed message")
		delivery.Ack()
		return
	}

	matched := d.registry.Resolve(msg.Topic)
	if len(matched) == 0 {
		metrics.MessagesUnroutable.Inc()
		d.logger.Warn().
			Str("topic", msg.Topic).
			Str("message_id", msg.MessageID).
			Msg("no subscription matched, discarding")
		delivery.Ack()
		return
	}

	// attempt every callback before deciding
	var failures []error
	for _, sub := range matched {
		if err := sub.Handler(ctx, msg); err != nil {
			failures = append(failures, &CallbackError{SubscriptionID: sub.ID, Err: err})
			continue
		}
		if sub.OneShot {
			d.registry.Unregister(sub.ID)
		}
	}

	if len(failures) == 0 {
		metrics.MessagesDelivered.Inc()
		delivery.Ack()
		return
	}

	for _, err := range failures {
		d.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int("attempt", delivery.Attempts).
			Msg("callback failed")
	}

	if delivery.Attempts >= d.maxRetries {
		d.deadLetter(delivery, failures)
		// park, do not requeue
		delivery.Ack()
		return
	}

	metrics.MessagesFailed.Inc()
	delivery.Nack(true)
}

// decode validates the payload against its declared content type
func (d *Dispatcher) decode(msg *types.Message) error {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = types.ContentTypeJSON
	}
	if contentType != types.ContentTypeJSON {
		// opaque payloads pass through untouched
		return nil
	}
	if !json.Valid(msg.Body) {
		return fmt.Errorf("%w: invalid JSON on %s", ErrMalformedMessage, msg.Topic)
	}
	return nil
}

func (d *Dispatcher) deadLetter(delivery *broker.Delivery, failures []error) {
	metrics.MessagesDeadLettered.Inc()
	d.logger.Error().
		Str("topic", delivery.Msg.Topic).
		Str("message_id", delivery.Msg.MessageID).
		Int("attempts", delivery.Attempts).
		Msg("retries exhausted, dead-lettering message")

	if d.backend == nil {
		return
	}
	dl := &storage.DeadLetter{
		ID:       uuid.New().String(),
		Msg:      delivery.Msg,
		Attempts: delivery.Attempts,
		Reason:   errors.Join(failures...).Error(),
		ParkedAt: time.Now().UTC(),
	}
	if err := d.backend.AppendDeadLetter(dl); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist dead letter")
	}
}
