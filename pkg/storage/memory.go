package storage

import (
	"sync"

	"github.com/umbra-iot/umbra/pkg/types"
)

// MemoryBackend implements Backend with maps, for tests and ephemeral
// deployments. Values are deep-copied on the way in and out so callers
// cannot alias stored state.
type MemoryBackend struct {
	mu          sync.RWMutex
	shadows     map[string]*types.ShadowDocument
	devices     map[string]*types.Device
	deadLetters []*DeadLetter
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		shadows: make(map[string]*types.ShadowDocument),
		devices: make(map[string]*types.Device),
	}
}

func (s *MemoryBackend) Close() error {
	return nil
}

func (s *MemoryBackend) LoadShadow(deviceID string) (*types.ShadowDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.shadows[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryBackend) SaveShadow(doc *types.ShadowDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadows[doc.DeviceID] = doc.Clone()
	return nil
}

func (s *MemoryBackend) ListShadows() ([]*types.ShadowDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]*types.ShadowDocument, 0, len(s.shadows))
	for _, doc := range s.shadows {
		docs = append(docs, doc.Clone())
	}
	return docs, nil
}

func (s *MemoryBackend) CreateDevice(device *types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *device
	s.devices[device.ID] = &d
	return nil
}

func (s *MemoryBackend) GetDevice(id string) (*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	d := *device
	return &d, nil
}

func (s *MemoryBackend) ListDevices() ([]*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]*types.Device, 0, len(s.devices))
	for _, device := range s.devices {
		d := *device
		devices = append(devices, &d)
	}
	return devices, nil
}

func (s *MemoryBackend) UpdateDevice(device *types.Device) error {
	return s.CreateDevice(device)
}

func (s *MemoryBackend) AppendDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *MemoryBackend) ListDeadLetters() ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letters := make([]*DeadLetter, len(s.deadLetters))
	copy(letters, s.deadLetters)
	return letters, nil
}
