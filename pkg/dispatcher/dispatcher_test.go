package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/subscription"
	"github.com/umbra-iot/umbra/pkg/types"
)

// ackRecorder captures the final acknowledgment decision for a delivery
type ackRecorder struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (r *ackRecorder) delivery(msg *types.Message, attempts int) *broker.Delivery {
	return broker.NewDelivery(msg, attempts,
		func() { r.acked = true },
		func(requeue bool) { r.nacked = true; r.requeued = requeue },
	)
}

func jsonMsg(topic, body string) *types.Message {
	return &types.Message{Topic: topic, ContentType: types.ContentTypeJSON, Body: []byte(body)}
}

// TestDispatchDelivered tests the happy path: all callbacks succeed,
// message acked
func TestDispatchDelivered(t *testing.T) {
	reg := subscription.NewRegistry()
	var got []*types.Message
	_, err := reg.Register("devices.*.shadow.reported", func(ctx context.Context, msg *types.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(reg)
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{"temperature":125}`), 1))

	assert.True(t, rec.acked)
	assert.False(t, rec.nacked)
	require.Len(t, got, 1)
	assert.Equal(t, "devices.wh-1.shadow.reported", got[0].Topic)
}

// TestDispatchUnroutable tests that unmatched messages are acked and
// discarded
func TestDispatchUnroutable(t *testing.T) {
	d := NewDispatcher(subscription.NewRegistry())
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 1))

	assert.True(t, rec.acked, "unroutable messages are acked, not retried")
	assert.False(t, rec.nacked)
}

// TestDispatchMalformed tests the poison-message guard
func TestDispatchMalformed(t *testing.T) {
	reg := subscription.NewRegistry()
	called := false
	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(reg)
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{not json`), 1))

	assert.True(t, rec.acked, "malformed messages are acked to break the loop")
	assert.False(t, called, "handlers never see a malformed payload")
}

// TestDispatchNonJSONPassesThrough tests that opaque content types skip
// JSON validation
func TestDispatchNonJSONPassesThrough(t *testing.T) {
	reg := subscription.NewRegistry()
	called := false
	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(reg)
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(&types.Message{
		Topic:       "devices.wh-1.shadow.reported",
		ContentType: "application/octet-stream",
		Body:        []byte{0x01, 0x02},
	}, 1))

	assert.True(t, rec.acked)
	assert.True(t, called)
}

// TestDispatchFailureNacks tests nack with requeue on handler failure
func TestDispatchFailureNacks(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)

	d := NewDispatcher(reg)
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 1))

	assert.True(t, rec.nacked)
	assert.True(t, rec.requeued)
	assert.False(t, rec.acked)
}

// TestDispatchAllCallbacksAttempted tests that one failure does not
// short-circuit the remaining callbacks
func TestDispatchAllCallbacksAttempted(t *testing.T) {
	reg := subscription.NewRegistry()
	order := []string{}

	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		order = append(order, "second")
		return nil
	})
	require.NoError(t, err)

	d := NewDispatcher(reg)
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 1))

	assert.Equal(t, []string{"first", "second"}, order)
	assert.True(t, rec.nacked, "any failure nacks the whole message")
}

// TestDispatchDeadLetter tests retry exhaustion parking
func TestDispatchDeadLetter(t *testing.T) {
	reg := subscription.NewRegistry()
	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	backend := storage.NewMemoryBackend()
	d := NewDispatcher(reg, WithMaxRetries(3), WithDeadLetterSink(backend))

	// attempts below the bound keep requeueing
	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 2))
	assert.True(t, rec.requeued)

	// the bounding attempt parks the message
	rec = &ackRecorder{}
	msg := jsonMsg("devices.wh-1.shadow.reported", `{}`)
	msg.MessageID = "msg-42"
	d.Dispatch(context.Background(), rec.delivery(msg, 3))
	assert.True(t, rec.acked, "dead-lettered messages are acked off the queue")
	assert.False(t, rec.nacked)

	letters, err := backend.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "msg-42", letters[0].Msg.MessageID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "always fails")
}

// TestDispatchOneShot tests auto-removal after the first successful
// delivery
func TestDispatchOneShot(t *testing.T) {
	reg := subscription.NewRegistry()
	count := 0
	_, err := reg.Register("devices.#", func(ctx context.Context, msg *types.Message) error {
		count++
		return nil
	}, subscription.WithOneShot())
	require.NoError(t, err)

	d := NewDispatcher(reg)

	rec := &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 1))
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, reg.Len(), "one-shot subscription removed after delivery")

	// second message finds nothing
	rec = &ackRecorder{}
	d.Dispatch(context.Background(), rec.delivery(jsonMsg("devices.wh-1.shadow.reported", `{}`), 1))
	assert.Equal(t, 1, count)
	assert.True(t, rec.acked)
}
