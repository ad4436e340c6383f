package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/umbra-iot/umbra/pkg/topic"
	"github.com/umbra-iot/umbra/pkg/types"
)

// Handler consumes a routed message. A non-nil error marks the
// delivery as failed and triggers redelivery of the whole message.
type Handler func(ctx context.Context, msg *types.Message) error

// Subscription binds a topic pattern to a delivery handler
type Subscription struct {
	ID        string
	Pattern   *topic.Pattern
	Handler   Handler
	Exclusive bool // dropped when the owning connection goes away
	OneShot   bool // auto-removed after the first successful delivery
}

// Option configures a subscription at registration time
type Option func(*Subscription)

// WithExclusive marks the subscription as tied to a connection; it is
// removed by DropExclusive on connection loss
func WithExclusive() Option {
	return func(s *Subscription) { s.Exclusive = true }
}

// WithOneShot marks the subscription for removal after its first
// successful delivery
func WithOneShot() Option {
	return func(s *Subscription) { s.OneShot = true }
}

// Registry maps subscription IDs to patterns and handlers. Resolve
// reads an immutable snapshot, so dispatch never observes a partial
// mutation and never holds a lock while handlers run. Registrations
// and removals copy-on-write under a writer mutex.
type Registry struct {
	mu   sync.Mutex     // serializes writers only
	subs atomic.Pointer[[]*Subscription]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make([]*Subscription, 0)
	r.subs.Store(&empty)
	return r
}

// Register adds a subscription and returns its ID
func (r *Registry) Register(pattern string, handler Handler, opts ...Option) (string, error) {
	p, err := topic.Parse(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid subscription pattern: %w", err)
	}
	if handler == nil {
		return "", fmt.Errorf("subscription handler must not be nil")
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Pattern: p,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.subs.Load()
	next := make([]*Subscription, len(current)+1)
	copy(next, current)
	next[len(current)] = sub
	r.subs.Store(&next)

	return sub.ID, nil
}

// Unregister removes a subscription by ID. Removing an unknown ID is
// a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub.ID != id {
			next = append(next, sub)
		}
	}
	r.subs.Store(&next)
}

// DropExclusive removes every exclusive subscription, used when the
// owning connection is lost
func (r *Registry) DropExclusive() {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if !sub.Exclusive {
			next = append(next, sub)
		}
	}
	r.subs.Store(&next)
}

// Resolve returns all subscriptions matching the topic, in
// registration order
func (r *Registry) Resolve(t string) []*Subscription {
	current := *r.subs.Load()
	var matched []*Subscription
	for _, sub := range current {
		if sub.Pattern.Matches(t) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Len returns the number of active subscriptions
func (r *Registry) Len() int {
	return len(*r.subs.Load())
}
