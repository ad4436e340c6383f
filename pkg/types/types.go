package types

import (
	"time"
)

// Device represents a registered fleet device (water heater, vending
// machine, ...) known to the platform.
type Device struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind"` // e.g. "water-heater", "vending-machine"
	Labels    map[string]string `json:"labels,omitempty"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PropertyValue is a single shadow property with the timestamp at which
// it was asserted. Timestamps drive last-writer-wins reconciliation.
type PropertyValue struct {
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// DesiredValue is a requested property value. Applied stays false until
// a device report confirms the value took effect.
type DesiredValue struct {
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Applied   bool        `json:"applied"`
}

// ShadowDocument is the authoritative reported/desired state pair for
// one device.
type ShadowDocument struct {
	DeviceID  string                   `json:"device_id"`
	Reported  map[string]PropertyValue `json:"reported"`
	Desired   map[string]DesiredValue  `json:"desired"`
	Version   int64                    `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewShadowDocument creates an empty shadow at version 0
func NewShadowDocument(deviceID string) *ShadowDocument {
	return &ShadowDocument{
		DeviceID: deviceID,
		Reported: make(map[string]PropertyValue),
		Desired:  make(map[string]DesiredValue),
		Version:  0,
	}
}

// Clone returns a deep copy of the document
func (d *ShadowDocument) Clone() *ShadowDocument {
	c := &ShadowDocument{
		DeviceID:  d.DeviceID,
		Reported:  make(map[string]PropertyValue, len(d.Reported)),
		Desired:   make(map[string]DesiredValue, len(d.Desired)),
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
	for k, v := range d.Reported {
		c.Reported[k] = v
	}
	for k, v := range d.Desired {
		c.Desired[k] = v
	}
	return c
}

// DeltaKind classifies which half of the shadow a delta touched
type DeltaKind string

const (
	DeltaReported DeltaKind = "reported-changed"
	DeltaDesired  DeltaKind = "desired-changed"
	DeltaBoth     DeltaKind = "both"
)

// ChangeOp classifies a single property change within a delta
type ChangeOp string

const (
	ChangeAdded   ChangeOp = "added"
	ChangeChanged ChangeOp = "changed"
	ChangeRemoved ChangeOp = "removed"
)

// PropertyChange is one property transition inside a ShadowDelta
type PropertyChange struct {
	Op       ChangeOp    `json:"op"`
	Value    interface{} `json:"value,omitempty"`
	Previous interface{} `json:"previous,omitempty"`
}

// ShadowDelta is the computed set of property changes between two
// shadow versions. It is derived on each mutation, published, and
// discarded; it is never persisted on its own.
type ShadowDelta struct {
	DeviceID    string                    `json:"device_id"`
	FromVersion int64                     `json:"from_version"`
	ToVersion   int64                     `json:"to_version"`
	Kind        DeltaKind                 `json:"kind"`
	Reported    map[string]PropertyChange `json:"reported,omitempty"`
	Desired     map[string]PropertyChange `json:"desired,omitempty"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// Empty reports whether the delta carries no property changes
func (d *ShadowDelta) Empty() bool {
	return len(d.Reported) == 0 && len(d.Desired) == 0
}

// ContentTypeJSON is the default message body encoding
const ContentTypeJSON = "application/json"

// Message is the broker message envelope
type Message struct {
	Topic         string            `json:"topic"`
	ContentType   string            `json:"content_type"`
	MessageID     string            `json:"message_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
}

// Header returns a header value or "" when absent
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
