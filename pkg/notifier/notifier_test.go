package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/types"
)

type fakeSession struct {
	id   string
	fail bool

	mu     sync.Mutex
	deltas []*types.ShadowDelta
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Push(delta *types.ShadowDelta) error {
	if s.fail {
		return errors.New("session gone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, delta)
	return nil
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deltas)
}

func testDelta(deviceID string) *types.ShadowDelta {
	return &types.ShadowDelta{
		DeviceID:    deviceID,
		FromVersion: 0,
		ToVersion:   1,
		Kind:        types.DeltaReported,
		Reported: map[string]types.PropertyChange{
			"temperature": {Op: types.ChangeAdded, Value: float64(125)},
		},
	}
}

// TestNotifyPublishesOnUpdateTopic tests the broker side of fan-out
func TestNotifyPublishesOnUpdateTopic(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	var mu sync.Mutex
	var topics []string
	_, err := b.DeclareConsumer("watcher", "devices.*.shadow.update", func(d *broker.Delivery) {
		mu.Lock()
		topics = append(topics, d.Msg.Topic)
		mu.Unlock()
		d.Ack()
	})
	require.NoError(t, err)

	n := NewNotifier(b)
	n.Notify(context.Background(), "wh-1", testDelta("wh-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(topics) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, topics, 1)
	assert.Equal(t, "devices.wh-1.shadow.update", topics[0])
}

// TestNotifyFansOutToSessions tests local session delivery
func TestNotifyFansOutToSessions(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	n := NewNotifier(b)
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	n.AttachSession(s1)
	n.AttachSession(s2)
	assert.Equal(t, 2, n.SessionCount())

	n.Notify(context.Background(), "wh-1", testDelta("wh-1"))
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 1, s2.count())

	n.DetachSession("s1")
	n.Notify(context.Background(), "wh-1", testDelta("wh-1"))
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 2, s2.count())
}

// TestNotifyDetachesFailedSessions tests that a dead session is
// dropped instead of wedging fan-out
func TestNotifyDetachesFailedSessions(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	n := NewNotifier(b)
	dead := &fakeSession{id: "dead", fail: true}
	live := &fakeSession{id: "live"}
	n.AttachSession(dead)
	n.AttachSession(live)

	n.Notify(context.Background(), "wh-1", testDelta("wh-1"))
	assert.Equal(t, 1, n.SessionCount())
	assert.Equal(t, 1, live.count())
}

// TestNotifyNeverFailsOnBrokerError tests the fire-and-forget contract
func TestNotifyNeverFailsOnBrokerError(t *testing.T) {
	b := broker.NewMemoryBroker() // never connected: Publish errors
	defer b.Close()

	n := NewNotifier(b)
	live := &fakeSession{id: "live"}
	n.AttachSession(live)

	// must not panic or drop the local fan-out
	n.Notify(context.Background(), "wh-1", testDelta("wh-1"))
	assert.Equal(t, 1, live.count())
}

// TestNotifySkipsEmptyDeltas tests that no-op mutations stay silent
func TestNotifySkipsEmptyDeltas(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	n := NewNotifier(b)
	live := &fakeSession{id: "live"}
	n.AttachSession(live)

	n.Notify(context.Background(), "wh-1", &types.ShadowDelta{DeviceID: "wh-1"})
	n.Notify(context.Background(), "wh-1", nil)
	assert.Equal(t, 0, live.count())
}
