package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// MQTTConfig configures the MQTT transport
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	Reconnect *BackoffReconnect
}

// mqttEnvelope carries the message metadata MQTT 3.1.1 has no native
// headers for. Body is base64-encoded by encoding/json.
type mqttEnvelope struct {
	ContentType   string            `json:"content_type"`
	MessageID     string            `json:"message_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Attempts      int               `json:"attempts"`
	Body          []byte            `json:"body"`
}

// MQTTBroker is a Connection over an MQTT broker. Topic segments
// translate "." to "/", "*" to "+" and "#" stays "#". Nack with
// requeue republishes the envelope at QoS 1 with an incremented
// attempt count.
type MQTTBroker struct {
	cfg    MQTTConfig
	logger zerolog.Logger

	mu        sync.Mutex
	client    mqtt.Client
	consumers map[string]*mqttConsumer
	closed    bool
}

type mqttConsumer struct {
	id      string
	queue   string
	pattern string
	handler DeliveryHandler
}

// NewMQTTBroker creates a disconnected MQTT transport
func NewMQTTBroker(cfg MQTTConfig) *MQTTBroker {
	if cfg.Reconnect == nil {
		cfg.Reconnect = DefaultBackoffReconnect
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1 // at-least-once
	}
	return &MQTTBroker{
		cfg:       cfg,
		logger:    log.WithComponent("broker-mqtt"),
		consumers: make(map[string]*mqttConsumer),
	}
}

// Connect dials the broker. Idempotent. The paho client reconnects
// on its own; every declared consumer is re-subscribed from the
// OnConnect hook so subscriptions survive a transient outage.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.client != nil && b.client.IsConnected() {
		return nil
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "umbra-" + uuid.New().String()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(clientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(b.cfg.Reconnect.MinDelay)
	opts.SetMaxReconnectInterval(b.cfg.Reconnect.MaxDelay)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.BrokerReconnects.WithLabelValues("mqtt").Inc()
		b.logger.Warn().Err(err).Msg("lost MQTT connection, reconnecting")
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker at %s", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker at %s: %w", b.cfg.BrokerURL, err)
	}
	return nil
}

// onConnect re-subscribes every declared consumer after (re)connect
func (b *MQTTBroker) onConnect(client mqtt.Client) {
	b.mu.Lock()
	consumers := make([]*mqttConsumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		if err := b.subscribe(client, c); err != nil {
			b.logger.Error().Err(err).Str("pattern", c.pattern).Msg("resubscribe failed")
		}
	}
}

// Publish sends the envelope on the translated topic at the configured QoS
func (b *MQTTBroker) Publish(ctx context.Context, t string, msg *types.Message) error {
	b.mu.Lock()
	client := b.client
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if client == nil {
		return ErrNotConnected
	}

	env := mqttEnvelope{
		ContentType:   msg.ContentType,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Headers:       msg.Headers,
		Attempts:      1,
		Body:          msg.Body,
	}
	if env.ContentType == "" {
		env.ContentType = types.ContentTypeJSON
	}
	if env.MessageID == "" {
		env.MessageID = uuid.New().String()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	token := client.Publish(topicToMQTT(t), b.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t, err)
	}
	metrics.MessagesPublished.WithLabelValues("mqtt").Inc()
	return nil
}

// DeclareConsumer subscribes the pattern on the MQTT side
func (b *MQTTBroker) DeclareConsumer(queue, pattern string, h DeliveryHandler) (string, error) {
	if _, err := topic.Parse(pattern); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	c := &mqttConsumer{
		id:      uuid.New().String(),
		queue:   queue,
		pattern: pattern,
		handler: h,
	}
	b.consumers[c.id] = c
	if b.client != nil && b.client.IsConnected() {
		if err := b.subscribe(b.client, c); err != nil {
			delete(b.consumers, c.id)
			return "", err
		}
	}
	metrics.ConsumersActive.Inc()
	return c.id, nil
}

func (b *MQTTBroker) subscribe(client mqtt.Client, c *mqttConsumer) error {
	filter := patternToMQTT(c.pattern)
	token := client.Subscribe(filter, b.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		b.dispatch(c, m)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", filter, err)
	}
	return nil
}

func (b *MQTTBroker) dispatch(c *mqttConsumer, m mqtt.Message) {
	metrics.MessagesReceived.Inc()

	var env mqttEnvelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		// raw payload from a device that does not speak the envelope
		env = mqttEnvelope{
			ContentType: types.ContentTypeJSON,
			Attempts:    1,
			Body:        m.Payload(),
		}
	}
	if env.Attempts < 1 {
		env.Attempts = 1
	}

	msg := &types.Message{
		Topic:         topicFromMQTT(m.Topic()),
		ContentType:   env.ContentType,
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		Headers:       env.Headers,
		Body:          env.Body,
	}

	delivery := NewDelivery(msg, env.Attempts,
		func() {},
		func(requeue bool) {
			if !requeue {
				return
			}
			retry := env
			retry.Attempts = env.Attempts + 1
			payload, err := json.Marshal(retry)
			if err != nil {
				b.logger.Error().Err(err).Msg("failed to encode requeued envelope")
				return
			}
			token := b.client.Publish(m.Topic(), b.cfg.QoS, false, payload)
			token.Wait()
			if err := token.Error(); err != nil {
				b.logger.Error().Err(err).Str("topic", msg.Topic).Msg("failed to requeue message")
			}
		},
	)
	c.handler(delivery)
}

// Cancel unsubscribes a consumer
func (b *MQTTBroker) Cancel(consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[consumerID]
	if !ok {
		return ErrUnknownConsumer
	}
	delete(b.consumers, consumerID)
	if b.client != nil && b.client.IsConnected() {
		token := b.client.Unsubscribe(patternToMQTT(c.pattern))
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Warn().Err(err).Str("pattern", c.pattern).Msg("unsubscribe failed")
		}
	}
	metrics.ConsumersActive.Dec()
	return nil
}

// Close disconnects the client
func (b *MQTTBroker) Close() error {
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
	if b.client != nil {
		b.client.Disconnect(250)
		b.client = nil
	}
	return nil
}

// topicToMQTT translates a dot-delimited topic to MQTT slashes
func topicToMQTT(t string) string {
	return strings.ReplaceAll(t, topic.Separator, "/")
}

// topicFromMQTT translates an MQTT topic back to the dot convention
func topicFromMQTT(t string) string {
	return strings.ReplaceAll(t, "/", topic.Separator)
}

// patternToMQTT translates a subscription pattern: "*" becomes "+",
// "#" keeps its MQTT meaning (MQTT "#" also matches the bare parent)
func patternToMQTT(pattern string) string {
	translated := topicToMQTT(pattern)
	return strings.ReplaceAll(translated, topic.SingleWildcard, "+")
}
