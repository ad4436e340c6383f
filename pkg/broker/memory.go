package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// MemoryBroker is an in-process Connection implementation: a topic
// exchange with one buffered queue per consumer and explicit ack/nack.
// Nack with requeue re-enqueues the message with an incremented attempt
// count. It backs tests and single-binary deployments that need no
// external broker.
type MemoryBroker struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	consumers map[string]*memoryConsumer
	logger    zerolog.Logger
}

type memoryConsumer struct {
	id      string
	queue   string
	pattern *topic.Pattern
	handler DeliveryHandler

	deliveries chan *memoryDelivery
	stop       chan struct{}
	stopped    sync.WaitGroup
}

type memoryDelivery struct {
	msg      *types.Message
	attempts int
}

// NewMemoryBroker creates a disconnected in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		consumers: make(map[string]*memoryConsumer),
		logger:    log.WithComponent("broker-memory"),
	}
}

// Connect marks the broker connected. Idempotent.
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.connected {
		return nil
	}
	b.connected = true
	// start consumers declared before Connect
	for _, c := range b.consumers {
		b.startConsumer(c)
	}
	return nil
}

// Publish routes the message to every consumer whose pattern matches
// the topic
func (b *MemoryBroker) Publish(ctx context.Context, t string, msg *types.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	var targets []*memoryConsumer
	for _, c := range b.consumers {
		if c.pattern.Matches(t) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	out := cloneMessage(msg)
	out.Topic = t
	if out.ContentType == "" {
		out.ContentType = types.ContentTypeJSON
	}
	if out.MessageID == "" {
		out.MessageID = uuid.New().String()
	}

	for _, c := range targets {
		select {
		case c.deliveries <- &memoryDelivery{msg: cloneMessage(out), attempts: 1}:
		case <-c.stop:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.MessagesPublished.WithLabelValues("memory").Inc()
	return nil
}

// DeclareConsumer registers a consumer for the pattern. Declaring
// before Connect is allowed; delivery starts once connected.
func (b *MemoryBroker) DeclareConsumer(queue, pattern string, h DeliveryHandler) (string, error) {
	p, err := topic.Parse(pattern)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	c := &memoryConsumer{
		id:         uuid.New().String(),
		queue:      queue,
		pattern:    p,
		handler:    h,
		deliveries: make(chan *memoryDelivery, 256),
		stop:       make(chan struct{}),
	}
	b.consumers[c.id] = c
	if b.connected {
		b.startConsumer(c)
	}
	metrics.ConsumersActive.Inc()
	return c.id, nil
}

// startConsumer runs the delivery loop; callers hold b.mu
func (b *MemoryBroker) startConsumer(c *memoryConsumer) {
	c.stopped.Add(1)
	go func() {
		defer c.stopped.Done()
		for {
			select {
			case d := <-c.deliveries:
				b.deliver(c, d)
			case <-c.stop:
				return
			}
		}
	}()
}

func (b *MemoryBroker) deliver(c *memoryConsumer, d *memoryDelivery) {
	metrics.MessagesReceived.Inc()
	delivery := NewDelivery(d.msg, d.attempts,
		func() {},
		func(requeue bool) {
			if !requeue {
				return
			}
			// re-enqueue off the delivery loop so a full queue cannot
			// deadlock the consumer
			next := &memoryDelivery{msg: d.msg, attempts: d.attempts + 1}
			go func() {
				select {
				case c.deliveries <- next:
				case <-c.stop:
				}
			}()
		},
	)
	c.handler(delivery)
}

// Cancel removes a consumer
func (b *MemoryBroker) Cancel(consumerID string) error {
	b.mu.Lock()
	c, ok := b.consumers[consumerID]
	if ok {
		delete(b.consumers, consumerID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownConsumer
	}
	close(c.stop)
	c.stopped.Wait()
	metrics.ConsumersActive.Dec()
	return nil
}

// Close stops all consumers and marks the broker closed
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	consumers := b.consumers
	b.consumers = make(map[string]*memoryConsumer)
	b.mu.Unlock()

	for _, c := range consumers {
		close(c.stop)
		c.stopped.Wait()
		metrics.ConsumersActive.Dec()
	}
	b.logger.Debug().Msg("memory broker closed")
	return nil
}

func cloneMessage(m *types.Message) *types.Message {
	c := &types.Message{
		Topic:         m.Topic,
		ContentType:   m.ContentType,
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		Body:          append([]byte(nil), m.Body...),
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return c
}
