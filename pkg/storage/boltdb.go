package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/umbra-iot/umbra/pkg/types"
)

var (
	// Bucket names
	bucketShadows     = []byte("shadows")
	bucketDevices     = []byte("devices")
	bucketDeadLetters = []byte("dead_letters")
)

// BoltBackend implements Backend using BoltDB
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the database under dataDir
func NewBoltBackend(dataDir string) (*BoltBackend, error) {
	dbPath := filepath.Join(dataDir, "umbra.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketShadows,
			bucketDevices,
			bucketDeadLetters,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

// Close closes the database
func (s *BoltBackend) Close() error {
	return s.db.Close()
}

// Shadow operations

func (s *BoltBackend) LoadShadow(deviceID string) (*types.ShadowDocument, error) {
	var doc types.ShadowDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShadows)
		data := b.Get([]byte(deviceID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltBackend) SaveShadow(doc *types.ShadowDocument) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShadows)
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.DeviceID), data)
	})
}

func (s *BoltBackend) ListShadows() ([]*types.ShadowDocument, error) {
	var docs []*types.ShadowDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShadows)
		return b.ForEach(func(k, v []byte) error {
			var doc types.ShadowDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}

// Device operations

func (s *BoltBackend) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltBackend) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltBackend) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltBackend) UpdateDevice(device *types.Device) error {
	return s.CreateDevice(device) // Same as create (upsert)
}

// Dead-letter operations

func (s *BoltBackend) AppendDeadLetter(dl *DeadLetter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		return b.Put([]byte(dl.ID), data)
	})
}

func (s *BoltBackend) ListDeadLetters() ([]*DeadLetter, error) {
	var letters []*DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		return b.ForEach(func(k, v []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	return letters, err
}
