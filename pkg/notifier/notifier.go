package notifier

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// Session is a locally-connected real-time consumer of shadow deltas,
// typically a UI WebSocket session
type Session interface {
	ID() string
	Push(delta *types.ShadowDelta) error
}

// Notifier publishes shadow deltas on the broker under
// devices.<id>.shadow.update and fans them out to registered local
// sessions. Both paths are fire-and-forget from the store's
// perspective: a publish failure is logged and left to the broker's
// reconnect logic, and never fails the originating mutation.
type Notifier struct {
	conn   broker.Connection
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewNotifier creates a notifier over the broker connection
func NewNotifier(conn broker.Connection) *Notifier {
	return &Notifier{
		conn:     conn,
		logger:   log.WithComponent("notifier"),
		sessions: make(map[string]Session),
	}
}

// AttachSession registers a real-time session for local fan-out
func (n *Notifier) AttachSession(s Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions[s.ID()] = s
	metrics.SessionsActive.Set(float64(len(n.sessions)))
}

// DetachSession removes a session. Unknown IDs are a no-op.
func (n *Notifier) DetachSession(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, id)
	metrics.SessionsActive.Set(float64(len(n.sessions)))
}

// SessionCount returns the number of attached sessions
func (n *Notifier) SessionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sessions)
}

// Notify pushes the delta to the broker and to every local session.
// Empty deltas are dropped. The call never returns an error: delivery
// health must not gate device ingestion.
func (n *Notifier) Notify(ctx context.Context, deviceID string, delta *types.ShadowDelta) {
	if delta == nil || delta.Empty() {
		return
	}

	body, err := json.Marshal(delta)
	if err != nil {
		n.logger.Error().Err(err).Str("device_id", deviceID).Msg("failed to encode delta")
		return
	}

	t := topic.Update(deviceID)
	msg := &types.Message{
		Topic:       t,
		ContentType: types.ContentTypeJSON,
		Body:        body,
	}
	if err := n.conn.Publish(ctx, t, msg); err != nil {
		n.logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("topic", t).
			Msg("failed to publish delta, dropping")
	}

	n.mu.RLock()
	sessions := make([]Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Push(delta); err != nil {
			n.logger.Warn().
				Err(err).
				Str("session_id", s.ID()).
				Msg("failed to push delta to session, detaching")
			n.DetachSession(s.ID())
			continue
		}
		metrics.DeltasPushed.Inc()
	}
}
