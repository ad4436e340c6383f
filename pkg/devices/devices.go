package devices

import (
	"errors"
	"fmt"
	"time"

	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/types"
)

// ErrDeviceNotFound is returned for operations targeting an
// unregistered device
var ErrDeviceNotFound = errors.New("device not found")

// ErrDeviceExists is returned when registering an ID twice
var ErrDeviceExists = errors.New("device already exists")

// Registry tracks the devices known to the platform. Shadows are only
// mutated for registered devices; decommissioning marks a device
// inactive rather than deleting it, so history survives.
type Registry struct {
	backend storage.Backend
}

// NewRegistry creates a registry over the given backend
func NewRegistry(backend storage.Backend) *Registry {
	return &Registry{backend: backend}
}

// Create registers a new device
func (r *Registry) Create(device *types.Device) error {
	if device.ID == "" {
		return fmt.Errorf("device id must not be empty")
	}
	if _, err := r.backend.GetDevice(device.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDeviceExists, device.ID)
	}
	now := time.Now().UTC()
	device.Active = true
	device.CreatedAt = now
	device.UpdatedAt = now
	return r.backend.CreateDevice(device)
}

// Get returns a device by ID
func (r *Registry) Get(id string) (*types.Device, error) {
	device, err := r.backend.GetDevice(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, err
	}
	return device, nil
}

// Exists reports whether the device is registered
func (r *Registry) Exists(id string) bool {
	_, err := r.backend.GetDevice(id)
	return err == nil
}

// List returns all registered devices
func (r *Registry) List() ([]*types.Device, error) {
	return r.backend.ListDevices()
}

// Decommission marks a device inactive. The device record and its
// shadow are kept.
func (r *Registry) Decommission(id string) error {
	device, err := r.Get(id)
	if err != nil {
		return err
	}
	device.Active = false
	device.UpdatedAt = time.Now().UTC()
	return r.backend.UpdateDevice(device)
}
