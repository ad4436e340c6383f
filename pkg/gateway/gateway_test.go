package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/notifier"
	"github.com/umbra-iot/umbra/pkg/shadow"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/types"
)

func newTestGateway(t *testing.T, deviceIDs ...string) (*Gateway, *shadow.Store, *notifier.Notifier) {
	t.Helper()

	backend := storage.NewMemoryBackend()
	deviceReg := devices.NewRegistry(backend)
	for _, id := range deviceIDs {
		require.NoError(t, deviceReg.Create(&types.Device{ID: id}))
	}

	store := shadow.NewStore(backend, deviceReg)
	conn := broker.NewMemoryBroker()
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })
	n := notifier.NewNotifier(conn)

	return New(deviceReg, store, n), store, n
}

func doJSON(t *testing.T, g *Gateway, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)
	return rec
}

func TestGetShadow(t *testing.T) {
	g, store, _ := newTestGateway(t, "wh-1")

	_, err := store.ApplyReported(context.Background(), "wh-1", map[string]interface{}{"temperature": 125}, time.Now().UTC())
	require.NoError(t, err)

	rec := doJSON(t, g, http.MethodGet, "/v1/devices/wh-1/shadow", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc types.ShadowDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "wh-1", doc.DeviceID)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, float64(125), doc.Reported["temperature"].Value)
}

func TestGetShadowUnknownDevice(t *testing.T) {
	g, _, _ := newTestGateway(t)

	rec := doJSON(t, g, http.MethodGet, "/v1/devices/ghost/shadow", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "ghost")
}

func TestPatchDesiredAccepted(t *testing.T) {
	g, store, _ := newTestGateway(t, "valve-7")

	rec := doJSON(t, g, http.MethodPatch, "/v1/devices/valve-7/shadow/desired", map[string]interface{}{"setpoint": 72})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status string             `json:"status"`
		Delta  *types.ShadowDelta `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	require.NotNil(t, resp.Delta)
	assert.Equal(t, int64(1), resp.Delta.ToVersion)

	doc, err := store.Get(context.Background(), "valve-7")
	require.NoError(t, err)
	assert.False(t, doc.Desired["setpoint"].Applied)
}

func TestPatchDesiredValidation(t *testing.T) {
	g, _, _ := newTestGateway(t, "valve-7")

	rec := doJSON(t, g, http.MethodPatch, "/v1/devices/valve-7/shadow/desired", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPatch, "/v1/devices/valve-7/shadow/desired", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	g.Router().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestDeviceLifecycle(t *testing.T) {
	g, _, _ := newTestGateway(t)

	rec := doJSON(t, g, http.MethodPost, "/v1/devices", types.Device{ID: "pump-3", Name: "basement pump"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, g, http.MethodPost, "/v1/devices", types.Device{ID: "pump-3"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*types.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Active)

	rec = doJSON(t, g, http.MethodDelete, "/v1/devices/pump-3", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/v1/devices/pump-3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var device types.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.False(t, device.Active)
}

func TestDecommissionUnknownDevice(t *testing.T) {
	g, _, _ := newTestGateway(t)
	rec := doJSON(t, g, http.MethodDelete, "/v1/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	g, _, _ := newTestGateway(t)
	rec := doJSON(t, g, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamReceivesDeltas(t *testing.T) {
	g, store, n := newTestGateway(t, "wh-1")

	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/devices/wh-1/shadow/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.SessionCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, n.SessionCount())

	delta, err := store.ApplyReported(context.Background(), "wh-1", map[string]interface{}{"temperature": 125}, time.Now().UTC())
	require.NoError(t, err)
	n.Notify(context.Background(), "wh-1", delta)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received types.ShadowDelta
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "wh-1", received.DeviceID)
	assert.Equal(t, int64(1), received.ToVersion)
}

func TestStreamUnknownDevice(t *testing.T) {
	g, _, _ := newTestGateway(t)

	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/devices/ghost/shadow/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
