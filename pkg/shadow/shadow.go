package shadow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"
	"time"

	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/types"
)

const defaultShardCount = 64

// Store holds the authoritative reported/desired state per device and
// implements the merge algorithm: last-writer-wins per property by
// timestamp, field-level merge, version +1 per accepted mutation.
//
// Mutations for one device serialize on a striped lock keyed by device
// ID; different devices do not contend beyond shard collisions, so
// contention does not grow with fleet size.
type Store struct {
	backend  storage.Backend
	registry *devices.Registry

	shards []sync.Mutex

	autoRegister bool
	pruneApplied bool
}

// Option configures a Store
type Option func(*Store)

// WithAutoRegister makes the first reported message for an unknown
// device register it instead of rejecting the mutation
func WithAutoRegister() Option {
	return func(s *Store) { s.autoRegister = true }
}

// WithPruneApplied removes desired entries once they are confirmed
// applied instead of keeping them as an audit trail
func WithPruneApplied() Option {
	return func(s *Store) { s.pruneApplied = true }
}

// WithShardCount overrides the striped-lock shard count
func WithShardCount(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]sync.Mutex, n)
		}
	}
}

// NewStore creates a shadow store over the given backend and device
// registry
func NewStore(backend storage.Backend, registry *devices.Registry, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		registry: registry,
		shards:   make([]sync.Mutex, defaultShardCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lockDevice(deviceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// load fetches the shadow for a registered device, creating a
// version-0 document on first touch. Callers hold the device lock.
func (s *Store) load(deviceID string) (*types.ShadowDocument, error) {
	if !s.registry.Exists(deviceID) {
		if !s.autoRegister {
			return nil, fmt.Errorf("%w: %s", devices.ErrDeviceNotFound, deviceID)
		}
		if err := s.registry.Create(&types.Device{ID: deviceID}); err != nil {
			return nil, err
		}
	}
	doc, err := s.backend.LoadShadow(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewShadowDocument(deviceID), nil
		}
		return nil, err
	}
	return doc, nil
}

// Get returns the shadow document for a registered device. A device
// that has never reported yields an empty version-0 document.
func (s *Store) Get(ctx context.Context, deviceID string) (*types.ShadowDocument, error) {
	mu := s.lockDevice(deviceID)
	mu.Lock()
	defer mu.Unlock()
	return s.load(deviceID)
}

// ApplyReported merges a device report into the reported state.
// Properties whose stored timestamp is newer are silently skipped:
// out-of-order delivery is an expected race, not an error. A nil
// property value removes the property. The returned delta holds only
// the properties that actually changed value; a fully idempotent
// report yields an empty delta and no version increment.
func (s *Store) ApplyReported(ctx context.Context, deviceID string, props map[string]interface{}, ts time.Time) (*types.ShadowDelta, error) {
	mu := s.lockDevice(deviceID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.load(deviceID)
	if err != nil {
		return nil, err
	}

	delta := &types.ShadowDelta{
		DeviceID:    deviceID,
		FromVersion: doc.Version,
		Kind:        types.DeltaReported,
		Reported:    make(map[string]types.PropertyChange),
		Timestamp:   time.Now().UTC(),
	}
	dirty := false

	for name, value := range props {
		cur, exists := doc.Reported[name]

		if exists && ts.Before(cur.Timestamp) {
			metrics.ShadowStaleWrites.Inc()
			continue
		}

		if value == nil {
			if !exists {
				continue
			}
			delete(doc.Reported, name)
			delta.Reported[name] = types.PropertyChange{Op: types.ChangeRemoved, Previous: cur.Value}
			continue
		}

		if exists && valuesEqual(cur.Value, value) {
			// identical value: refresh the timestamp so a delayed older
			// write cannot later sneak in, but no version or delta
			if ts.After(cur.Timestamp) {
				doc.Reported[name] = types.PropertyValue{Value: value, Timestamp: ts}
				dirty = true
			}
		} else {
			op := types.ChangeChanged
			change := types.PropertyChange{Op: op, Value: value}
			if exists {
				change.Previous = cur.Value
			} else {
				change.Op = types.ChangeAdded
			}
			doc.Reported[name] = types.PropertyValue{Value: value, Timestamp: ts}
			delta.Reported[name] = change
		}

		// a report matching a pending desired value confirms it; the
		// flip is not a desired-change delta of its own
		if d, ok := doc.Desired[name]; ok && !d.Applied && valuesEqual(d.Value, value) {
			dirty = s.confirmDesired(doc, name, d) || dirty
		}
	}

	if !delta.Empty() {
		doc.Version++
		doc.UpdatedAt = time.Now().UTC()
		delta.ToVersion = doc.Version
		if err := s.backend.SaveShadow(doc); err != nil {
			return nil, fmt.Errorf("failed to persist shadow for %s: %w", deviceID, err)
		}
		metrics.ShadowMutations.WithLabelValues("reported").Inc()
		if delta.FromVersion == 0 {
			metrics.ShadowDocuments.Inc()
		}
		return delta, nil
	}

	delta.ToVersion = doc.Version
	if dirty {
		if err := s.backend.SaveShadow(doc); err != nil {
			return nil, fmt.Errorf("failed to persist shadow for %s: %w", deviceID, err)
		}
	}
	return delta, nil
}

// ApplyDesired merges an operator request into the desired state.
// The same per-property last-writer-wins rule applies; each updated
// property is pending (Applied=false) until confirmed by a device
// report or an explicit MarkApplied. A nil value clears the desired
// entry.
func (s *Store) ApplyDesired(ctx context.Context, deviceID string, props map[string]interface{}, ts time.Time) (*types.ShadowDelta, error) {
	mu := s.lockDevice(deviceID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.load(deviceID)
	if err != nil {
		return nil, err
	}

	delta := &types.ShadowDelta{
		DeviceID:    deviceID,
		FromVersion: doc.Version,
		Kind:        types.DeltaDesired,
		Desired:     make(map[string]types.PropertyChange),
		Timestamp:   time.Now().UTC(),
	}
	dirty := false

	for name, value := range props {
		cur, exists := doc.Desired[name]

		if exists && ts.Before(cur.Timestamp) {
			metrics.ShadowStaleWrites.Inc()
			continue
		}

		if value == nil {
			if !exists {
				continue
			}
			delete(doc.Desired, name)
			delta.Desired[name] = types.PropertyChange{Op: types.ChangeRemoved, Previous: cur.Value}
			continue
		}

		if exists && valuesEqual(cur.Value, value) {
			if ts.After(cur.Timestamp) {
				cur.Timestamp = ts
				doc.Desired[name] = cur
				dirty = true
			}
			continue
		}

		next := types.DesiredValue{Value: value, Timestamp: ts}
		// a request for the value the device already reports is in sync
		// from the start
		if r, ok := doc.Reported[name]; ok && valuesEqual(r.Value, value) {
			next.Applied = true
		}

		change := types.PropertyChange{Op: types.ChangeChanged, Value: value}
		if exists {
			change.Previous = cur.Value
		} else {
			change.Op = types.ChangeAdded
		}
		doc.Desired[name] = next
		delta.Desired[name] = change
	}

	if !delta.Empty() {
		doc.Version++
		doc.UpdatedAt = time.Now().UTC()
		delta.ToVersion = doc.Version
		if err := s.backend.SaveShadow(doc); err != nil {
			return nil, fmt.Errorf("failed to persist shadow for %s: %w", deviceID, err)
		}
		metrics.ShadowMutations.WithLabelValues("desired").Inc()
		if delta.FromVersion == 0 {
			metrics.ShadowDocuments.Inc()
		}
		return delta, nil
	}

	delta.ToVersion = doc.Version
	if dirty {
		if err := s.backend.SaveShadow(doc); err != nil {
			return nil, fmt.Errorf("failed to persist shadow for %s: %w", deviceID, err)
		}
	}
	return delta, nil
}

// MarkApplied confirms pending desired properties without going
// through a device report. Confirmation is bookkeeping, not a state
// change: no version increment, no delta.
func (s *Store) MarkApplied(ctx context.Context, deviceID string, names []string) error {
	mu := s.lockDevice(deviceID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.load(deviceID)
	if err != nil {
		return err
	}

	dirty := false
	for _, name := range names {
		if d, ok := doc.Desired[name]; ok && !d.Applied {
			dirty = s.confirmDesired(doc, name, d) || dirty
		}
	}
	if !dirty {
		return nil
	}
	return s.backend.SaveShadow(doc)
}

// confirmDesired flips (or prunes) one pending desired entry; callers
// hold the device lock
func (s *Store) confirmDesired(doc *types.ShadowDocument, name string, d types.DesiredValue) bool {
	if s.pruneApplied {
		delete(doc.Desired, name)
		return true
	}
	d.Applied = true
	doc.Desired[name] = d
	return true
}

// valuesEqual compares two JSON-decoded property values
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
