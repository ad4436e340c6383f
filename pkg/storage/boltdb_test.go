package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-iot/umbra/pkg/types"
)

func newTestBolt(t *testing.T) *BoltBackend {
	t.Helper()
	s, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestShadowRoundTrip tests save/load of a shadow document
func TestShadowRoundTrip(t *testing.T) {
	s := newTestBolt(t)

	doc := types.NewShadowDocument("wh-1")
	doc.Reported["temperature"] = types.PropertyValue{Value: float64(125), Timestamp: time.Unix(100, 0).UTC()}
	doc.Desired["target_temperature"] = types.DesiredValue{Value: float64(130), Timestamp: time.Unix(101, 0).UTC()}
	doc.Version = 2
	require.NoError(t, s.SaveShadow(doc))

	got, err := s.LoadShadow("wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, float64(125), got.Reported["temperature"].Value)
	assert.False(t, got.Desired["target_temperature"].Applied)

	_, err = s.LoadShadow("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDeviceLifecycle tests device create/get/update/list
func TestDeviceLifecycle(t *testing.T) {
	s := newTestBolt(t)

	device := &types.Device{
		ID:        "wh-1",
		Name:      "basement heater",
		Kind:      "water-heater",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateDevice(device))

	got, err := s.GetDevice("wh-1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	got.Active = false
	require.NoError(t, s.UpdateDevice(got))

	got, err = s.GetDevice("wh-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	devices, err := s.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = s.GetDevice("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDeadLetters tests append and list
func TestDeadLetters(t *testing.T) {
	s := newTestBolt(t)

	dl := &DeadLetter{
		ID:       "dl-1",
		Msg:      &types.Message{Topic: "devices.wh-1.shadow.reported", Body: []byte("{}")},
		Attempts: 5,
		Reason:   "handler kept failing",
		ParkedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendDeadLetter(dl))

	letters, err := s.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.Equal(t, "devices.wh-1.shadow.reported", letters[0].Msg.Topic)
}

// TestMemoryBackendIsolation tests that the memory backend copies
// documents instead of aliasing them
func TestMemoryBackendIsolation(t *testing.T) {
	s := NewMemoryBackend()

	doc := types.NewShadowDocument("wh-1")
	doc.Reported["temperature"] = types.PropertyValue{Value: float64(125)}
	require.NoError(t, s.SaveShadow(doc))

	// mutating the original must not leak into the store
	doc.Reported["temperature"] = types.PropertyValue{Value: float64(999)}

	got, err := s.LoadShadow("wh-1")
	require.NoError(t, err)
	assert.Equal(t, float64(125), got.Reported["temperature"].Value)

	// and mutating the loaded copy must not leak back
	got.Version = 42
	again, err := s.LoadShadow("wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Version)
}
