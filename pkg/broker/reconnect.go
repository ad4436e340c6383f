package broker

import (
	"time"

	"github.com/jpillora/backoff"
)

// ReconnectStrategy yields the delay before a reconnection attempt.
// Retry count is unbounded: connectivity is treated as eventually
// recoverable, never fatal.
type ReconnectStrategy interface {
	TimeBeforeNextAttempt(attempt int) time.Duration
}

// BackoffReconnect is a jittered exponential backoff with a capped
// maximum delay
type BackoffReconnect struct {
	Factor   float64
	Jitter   bool
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultBackoffReconnect is the strategy adapters use unless
// configured otherwise
var DefaultBackoffReconnect = &BackoffReconnect{
	MinDelay: 200 * time.Millisecond,
	MaxDelay: 20 * time.Second,
	Factor:   2,
	Jitter:   true,
}

// TimeBeforeNextAttempt returns the backoff delay for the given attempt
func (r *BackoffReconnect) TimeBeforeNextAttempt(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    r.MinDelay,
		Max:    r.MaxDelay,
		Factor: r.Factor,
		Jitter: r.Jitter,
	}
	return b.ForAttempt(float64(attempt))
}
