package storage

import (
	"errors"
	"time"

	"github.com/umbra-iot/umbra/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("storage: not found")

// DeadLetter is a message parked after exhausting its redeliveries
type DeadLetter struct {
	ID       string         `json:"id"`
	Msg      *types.Message `json:"msg"`
	Attempts int            `json:"attempts"`
	Reason   string         `json:"reason"`
	ParkedAt time.Time      `json:"parked_at"`
}

// Backend is the persistence contract for shadows, devices and
// dead-lettered messages
type Backend interface {
	// Shadows
	LoadShadow(deviceID string) (*types.ShadowDocument, error)
	SaveShadow(doc *types.ShadowDocument) error
	ListShadows() ([]*types.ShadowDocument, error)

	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error

	// Dead letters
	AppendDeadLetter(dl *DeadLetter) error
	ListDeadLetters() ([]*DeadLetter, error)

	// Utility
	Close() error
}
