package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// NATSConfig configures the NATS transport
type NATSConfig struct {
	URL       string
	Name      string // connection name, shows up in server monitoring
	Reconnect *BackoffReconnect
}

// NATSBroker is a Connection over NATS. Dot-delimited subjects map
// directly onto the topic convention; "*" maps to the NATS "*" token
// and "#" to ">". Core NATS has no broker-side acknowledgment, so nack
// with requeue republishes the message with an incremented attempt
// header, which preserves at-least-once semantics across the bus.
type NATSBroker struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu        sync.Mutex
	nc        *nats.Conn
	consumers map[string]*natsConsumer
	closed    bool
}

type natsConsumer struct {
	id      string
	queue   string
	pattern string
	handler DeliveryHandler
	subs    []*nats.Subscription
}

// NewNATSBroker creates a disconnected NATS transport
func NewNATSBroker(cfg NATSConfig) *NATSBroker {
	if cfg.Reconnect == nil {
		cfg.Reconnect = DefaultBackoffReconnect
	}
	return &NATSBroker{
		cfg:       cfg,
		logger:    log.WithComponent("broker-nats"),
		consumers: make(map[string]*natsConsumer),
	}
}

// Connect dials the server. Idempotent, and keeps retrying forever
// with capped backoff once the initial dial succeeds.
func (b *NATSBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.nc != nil && !b.nc.IsClosed() {
		return nil
	}

	strategy := b.cfg.Reconnect
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempt int) time.Duration {
			metrics.BrokerReconnects.WithLabelValues("nats").Inc()
			return strategy.TimeBeforeNextAttempt(attempt)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			// the client resubscribes existing subscriptions itself;
			// log so a flapping link is visible
			b.logger.Warn().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("lost NATS connection, reconnecting")
		}),
	}

	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.cfg.URL, err)
	}
	b.nc = nc

	// consumers declared before Connect
	for _, c := range b.consumers {
		if len(c.subs) == 0 {
			if err := b.subscribe(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Publish sends the message on its topic as a NATS subject
func (b *NATSBroker) Publish(ctx context.Context, t string, msg *types.Message) error {
	b.mu.Lock()
	nc := b.nc
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if nc == nil {
		return ErrNotConnected
	}

	out := &nats.Msg{
		Subject: t,
		Data:    msg.Body,
		Header:  nats.Header{},
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = types.ContentTypeJSON
	}
	out.Header.Set(HeaderContentType, contentType)
	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	out.Header.Set(HeaderMessageID, messageID)
	if msg.CorrelationID != "" {
		out.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}

	if err := nc.PublishMsg(out); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t, err)
	}
	metrics.MessagesPublished.WithLabelValues("nats").Inc()
	return nil
}

// DeclareConsumer subscribes the pattern as one or more NATS subjects
func (b *NATSBroker) DeclareConsumer(queue, pattern string, h DeliveryHandler) (string, error) {
	if _, err := topic.Parse(pattern); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	c := &natsConsumer{
		id:      uuid.New().String(),
		queue:   queue,
		pattern: pattern,
		handler: h,
	}
	b.consumers[c.id] = c
	if b.nc != nil {
		if err := b.subscribe(c); err != nil {
			delete(b.consumers, c.id)
			return "", err
		}
	}
	metrics.ConsumersActive.Inc()
	return c.id, nil
}

// subscribe opens the NATS subscriptions for a consumer; callers hold b.mu
func (b *NATSBroker) subscribe(c *natsConsumer) error {
	for _, subject := range patternToSubjects(c.pattern) {
		cb := func(m *nats.Msg) {
			b.dispatch(c, m)
		}
		var sub *nats.Subscription
		var err error
		if c.queue != "" {
			sub, err = b.nc.QueueSubscribe(subject, c.queue, cb)
		} else {
			sub, err = b.nc.Subscribe(subject, cb)
		}
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (b *NATSBroker) dispatch(c *natsConsumer, m *nats.Msg) {
	metrics.MessagesReceived.Inc()

	msg := &types.Message{
		Topic:         m.Subject,
		ContentType:   m.Header.Get(HeaderContentType),
		MessageID:     m.Header.Get(HeaderMessageID),
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		Body:          m.Data,
	}
	attempts := 1
	if v := m.Header.Get(HeaderAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempts = n
		}
	}

	delivery := NewDelivery(msg, attempts,
		func() {},
		func(requeue bool) {
			if !requeue {
				return
			}
			retry := &nats.Msg{Subject: m.Subject, Data: m.Data, Header: nats.Header{}}
			for k, vs := range m.Header {
				for _, v := range vs {
					retry.Header.Add(k, v)
				}
			}
			retry.Header.Set(HeaderAttempts, strconv.Itoa(attempts+1))
			if err := b.nc.PublishMsg(retry); err != nil {
				b.logger.Error().Err(err).Str("subject", m.Subject).Msg("failed to requeue message")
			}
		},
	)
	c.handler(delivery)
}

// Cancel unsubscribes a consumer
func (b *NATSBroker) Cancel(consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[consumerID]
	if !ok {
		return ErrUnknownConsumer
	}
	delete(b.consumers, consumerID)
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("pattern", c.pattern).Msg("unsubscribe failed")
		}
	}
	metrics.ConsumersActive.Dec()
	return nil
}

// Close drains and closes the connection
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id := range b.consumers {
		metrics.ConsumersActive.Dec()
		delete(b.consumers, id)
	}
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
	}
	return nil
}

// patternToSubjects translates a topic pattern to NATS subjects.
// "*" is the same token in both grammars. NATS ">" matches one or more
// trailing tokens while "#" matches zero or more, so a trailing ".#"
// expands to the ">" form plus the bare prefix.
func patternToSubjects(pattern string) []string {
	if pattern == topic.MultiWildcard {
		return []string{">"}
	}
	if strings.HasSuffix(pattern, topic.Separator+topic.MultiWildcard) {
		prefix := strings.TrimSuffix(pattern, topic.Separator+topic.MultiWildcard)
		return []string{prefix + ".>", prefix}
	}
	return []string{pattern}
}
