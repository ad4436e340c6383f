package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/types"
)

const sessionWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession adapts a WebSocket connection to the notifier's Session
// interface. Pushes are serialized with a mutex because gorilla
// permits only one concurrent writer.
type wsSession struct {
	id       string
	deviceID string
	conn     *websocket.Conn

	mu sync.Mutex
}

func (s *wsSession) ID() string {
	return s.id
}

func (s *wsSession) Push(delta *types.ShadowDelta) error {
	if s.deviceID != "" && delta.DeviceID != s.deviceID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	return s.conn.WriteJSON(delta)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	if _, err := g.devices.Get(id); err != nil {
		g.writeError(w, http.StatusNotFound, devices.ErrDeviceNotFound.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := &wsSession{
		id:       uuid.New().String(),
		deviceID: id,
		conn:     conn,
	}
	g.notifier.AttachSession(session)
	g.logger.Info().Str("device_id", id).Str("session_id", session.ID()).Msg("stream session opened")

	// the read loop exists to observe close frames; clients do not
	// send data on this endpoint
	go func() {
		defer func() {
			g.notifier.DetachSession(session.ID())
			conn.Close()
			g.logger.Info().Str("session_id", session.ID()).Msg("stream session closed")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
