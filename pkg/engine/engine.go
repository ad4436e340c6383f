package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/dispatcher"
	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/notifier"
	"github.com/umbra-iot/umbra/pkg/shadow"
	"github.com/umbra-iot/umbra/pkg/subscription"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// HeaderTimestamp carries the device-side observation time of a
// property map. Reports without it fall back to arrival time, which
// weakens last-writer-wins for that message only.
const HeaderTimestamp = "Umbra-Timestamp"

// queueName groups the engine's broker consumers
const queueName = "umbra-shadow-engine"

// Engine subscribes the shadow pipeline to the broker: reported and
// desired messages flow through the dispatcher into the document
// store, and every accepted mutation is fanned back out as a delta on
// devices.<id>.shadow.update.
type Engine struct {
	conn     broker.Connection
	registry *subscription.Registry
	dispatch *dispatcher.Dispatcher
	store    *shadow.Store
	notifier *notifier.Notifier
	logger   zerolog.Logger

	consumerIDs []string
}

// New creates an engine over the given collaborators
func New(conn broker.Connection, registry *subscription.Registry, dispatch *dispatcher.Dispatcher, store *shadow.Store, n *notifier.Notifier) *Engine {
	return &Engine{
		conn:     conn,
		registry: registry,
		dispatch: dispatch,
		store:    store,
		notifier: n,
		logger:   log.WithComponent("engine"),
	}
}

// Start connects the broker and declares the shadow consumers
func (e *Engine) Start(ctx context.Context) error {
	if err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}

	if _, err := e.registry.Register(topic.AllReported, e.handleReported); err != nil {
		return err
	}
	if _, err := e.registry.Register(topic.AllDesired, e.handleDesired); err != nil {
		return err
	}

	for _, pattern := range []string{topic.AllReported, topic.AllDesired} {
		id, err := e.conn.DeclareConsumer(queueName, pattern, e.dispatch.Handler(ctx))
		if err != nil {
			return fmt.Errorf("failed to declare consumer for %s: %w", pattern, err)
		}
		e.consumerIDs = append(e.consumerIDs, id)
	}

	e.logger.Info().Msg("shadow engine started")
	return nil
}

// Stop cancels the broker consumers. The connection itself is owned
// by the caller and closed there.
func (e *Engine) Stop() {
	for _, id := range e.consumerIDs {
		if err := e.conn.Cancel(id); err != nil && !errors.Is(err, broker.ErrUnknownConsumer) {
			e.logger.Warn().Err(err).Str("consumer_id", id).Msg("failed to cancel consumer")
		}
	}
	e.consumerIDs = nil
	// connection-scoped subscriptions do not outlive the consumers
	e.registry.DropExclusive()
	e.logger.Info().Msg("shadow engine stopped")
}

func (e *Engine) handleReported(ctx context.Context, msg *types.Message) error {
	return e.apply(ctx, msg, e.store.ApplyReported)
}

func (e *Engine) handleDesired(ctx context.Context, msg *types.Message) error {
	return e.apply(ctx, msg, e.store.ApplyDesired)
}

type applyFunc func(ctx context.Context, deviceID string, props map[string]interface{}, ts time.Time) (*types.ShadowDelta, error)

func (e *Engine) apply(ctx context.Context, msg *types.Message, fn applyFunc) error {
	deviceID := topic.DeviceID(msg.Topic)
	if deviceID == "" {
		// matched the pattern but not the convention; nothing to retry
		e.logger.Warn().Str("topic", msg.Topic).Msg("cannot extract device id, dropping")
		return nil
	}

	var props map[string]interface{}
	if err := json.Unmarshal(msg.Body, &props); err != nil {
		e.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("property map did not decode, dropping")
		return nil
	}

	ts := time.Now().UTC()
	if raw := msg.Header(HeaderTimestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			e.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("bad timestamp header, using arrival time")
		} else {
			ts = parsed
		}
	}

	delta, err := fn(ctx, deviceID, props, ts)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			// unknown device: redelivery cannot fix it
			e.logger.Warn().Str("device_id", deviceID).Msg("mutation for unknown device, dropping")
			return nil
		}
		return err
	}

	e.notifier.Notify(ctx, deviceID, delta)
	return nil
}
