package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/dispatcher"
	"github.com/umbra-iot/umbra/pkg/notifier"
	"github.com/umbra-iot/umbra/pkg/shadow"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/subscription"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

type harness struct {
	conn    *broker.MemoryBroker
	store   *shadow.Store
	devices *devices.Registry
	engine  *Engine
}

func newHarness(t *testing.T, deviceIDs ...string) *harness {
	t.Helper()

	backend := storage.NewMemoryBackend()
	deviceReg := devices.NewRegistry(backend)
	for _, id := range deviceIDs {
		require.NoError(t, deviceReg.Create(&types.Device{ID: id}))
	}

	store := shadow.NewStore(backend, deviceReg)
	conn := broker.NewMemoryBroker()
	subReg := subscription.NewRegistry()
	disp := dispatcher.NewDispatcher(subReg)
	n := notifier.NewNotifier(conn)

	eng := New(conn, subReg, disp, store, n)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		eng.Stop()
		conn.Close()
	})

	return &harness{conn: conn, store: store, devices: deviceReg, engine: eng}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func collectDeltas(t *testing.T, conn *broker.MemoryBroker) func() []*types.ShadowDelta {
	t.Helper()

	var mu sync.Mutex
	var deltas []*types.ShadowDelta
	_, err := conn.DeclareConsumer("test-watcher", topic.AllUpdates, func(d *broker.Delivery) {
		var delta types.ShadowDelta
		if err := json.Unmarshal(d.Msg.Body, &delta); err != nil {
			t.Errorf("bad delta payload: %v", err)
			d.Ack()
			return
		}
		mu.Lock()
		deltas = append(deltas, &delta)
		mu.Unlock()
		d.Ack()
	})
	require.NoError(t, err)

	return func() []*types.ShadowDelta {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*types.ShadowDelta, len(deltas))
		copy(out, deltas)
		return out
	}
}

func publishReport(t *testing.T, conn *broker.MemoryBroker, deviceID string, props map[string]interface{}, ts time.Time) {
	t.Helper()
	body, err := json.Marshal(props)
	require.NoError(t, err)
	msg := &types.Message{
		Topic:       topic.Reported(deviceID),
		ContentType: types.ContentTypeJSON,
		Body:        body,
	}
	msg.SetHeader(HeaderTimestamp, ts.Format(time.RFC3339Nano))
	require.NoError(t, conn.Publish(context.Background(), msg.Topic, msg))
}

func TestReportedFlowEmitsDelta(t *testing.T) {
	h := newHarness(t, "wh-1")
	deltas := collectDeltas(t, h.conn)

	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 125}, time.Now().UTC())

	waitFor(t, func() bool { return len(deltas()) == 1 })

	delta := deltas()[0]
	assert.Equal(t, "wh-1", delta.DeviceID)
	assert.Equal(t, int64(0), delta.FromVersion)
	assert.Equal(t, int64(1), delta.ToVersion)
	require.Contains(t, delta.Reported, "temperature")
	assert.Equal(t, float64(125), delta.Reported["temperature"].Value)

	doc, err := h.store.Get(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, float64(125), doc.Reported["temperature"].Value)
}

func TestIdenticalReportEmitsNoDelta(t *testing.T) {
	h := newHarness(t, "wh-1")
	deltas := collectDeltas(t, h.conn)

	t0 := time.Now().UTC()
	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 125}, t0)
	waitFor(t, func() bool { return len(deltas()) == 1 })

	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 125}, t0.Add(time.Second))

	// settle: a second delta would arrive within this window
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, deltas(), 1)

	doc, err := h.store.Get(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestDesiredThenReportConfirms(t *testing.T) {
	h := newHarness(t, "valve-7")
	deltas := collectDeltas(t, h.conn)

	now := time.Now().UTC()
	body, err := json.Marshal(map[string]interface{}{"setpoint": 72})
	require.NoError(t, err)
	msg := &types.Message{
		Topic:       topic.Desired("valve-7"),
		ContentType: types.ContentTypeJSON,
		Body:        body,
	}
	msg.SetHeader(HeaderTimestamp, now.Format(time.RFC3339Nano))
	require.NoError(t, h.conn.Publish(context.Background(), msg.Topic, msg))

	waitFor(t, func() bool { return len(deltas()) == 1 })
	assert.Equal(t, types.DeltaDesired, deltas()[0].Kind)

	doc, err := h.store.Get(context.Background(), "valve-7")
	require.NoError(t, err)
	require.Contains(t, doc.Desired, "setpoint")
	assert.False(t, doc.Desired["setpoint"].Applied)

	publishReport(t, h.conn, "valve-7", map[string]interface{}{"setpoint": 72}, now.Add(time.Second))
	waitFor(t, func() bool { return len(deltas()) == 2 })

	second := deltas()[1]
	assert.Equal(t, types.DeltaReported, second.Kind)
	assert.Empty(t, second.Desired)

	doc, err = h.store.Get(context.Background(), "valve-7")
	require.NoError(t, err)
	assert.True(t, doc.Desired["setpoint"].Applied)
	assert.Equal(t, int64(2), doc.Version)
}

func TestUnknownDeviceDropped(t *testing.T) {
	h := newHarness(t, "wh-1")
	deltas := collectDeltas(t, h.conn)

	publishReport(t, h.conn, "ghost-9", map[string]interface{}{"temperature": 1}, time.Now().UTC())
	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 2}, time.Now().UTC())

	waitFor(t, func() bool { return len(deltas()) == 1 })
	assert.Equal(t, "wh-1", deltas()[0].DeviceID)
}

func TestStaleReportIgnored(t *testing.T) {
	h := newHarness(t, "wh-1")
	deltas := collectDeltas(t, h.conn)

	t0 := time.Now().UTC()
	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 125}, t0)
	waitFor(t, func() bool { return len(deltas()) == 1 })

	publishReport(t, h.conn, "wh-1", map[string]interface{}{"temperature": 90}, t0.Add(-time.Minute))
	time.Sleep(100 * time.Millisecond)

	doc, err := h.store.Get(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, float64(125), doc.Reported["temperature"].Value)
	assert.Equal(t, int64(1), doc.Version)
	assert.Len(t, deltas(), 1)
}
