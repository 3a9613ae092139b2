// Package history keeps a durable record of configuration activity: the last
// applied settings per device and an append-only log of batch operations.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"ble-sensor-hub/internal/configurator"
)

var (
	bucketDevices    = []byte("devices")
	bucketOperations = []byte("operations")
)

// ErrNotFound is returned when no record exists for an address.
var ErrNotFound = errors.New("not found")

// DeviceRecord is the last configuration successfully applied to one device.
type DeviceRecord struct {
	Address   string    `json:"address"`
	ProfileID string    `json:"profile_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	MQTT      string    `json:"mqtt,omitempty"`
	SSID      string    `json:"ssid,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Operation is one logged batch operation with its per-target outcomes.
type Operation struct {
	ID        uint64                      `json:"id"`
	Kind      string                      `json:"kind"` // "fetch", "write", "command"
	ProfileID string                      `json:"profile_id,omitempty"`
	Command   string                      `json:"command,omitempty"`
	At        time.Time                   `json:"at"`
	OK        bool                        `json:"ok"`
	Error     string                      `json:"error,omitempty"`
	Results   []configurator.TargetResult `json:"results,omitempty"`
}

// Store is the bbolt-backed history database.
type Store struct {
	db *bolt.DB
}

// NewStore opens or creates the history database.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketOperations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordApply upserts the device record after a successful profile write.
func (s *Store) RecordApply(rec DeviceRecord) error {
	rec.Address = strings.ToUpper(rec.Address)
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Address), data)
	})
}

// GetDevice returns the last applied configuration for an address.
func (s *Store) GetDevice(address string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(strings.ToUpper(address)))
		if data == nil {
			return fmt.Errorf("device %s: %w", address, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDevices returns every device record.
func (s *Store) ListDevices() ([]*DeviceRecord, error) {
	var records []*DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		records = make([]*DeviceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec DeviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// AppendOperation logs one completed batch operation.
func (s *Store) AppendOperation(op Operation) error {
	if op.At.IsZero() {
		op.At = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		op.ID = seq
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(operationKey(seq), data)
	})
}

// ListOperations returns up to limit operations, newest first.
func (s *Store) ListOperations(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	var ops []Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		for k, v := c.Last(); k != nil && len(ops) < limit; k, v = c.Prev() {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// operationKey orders operations by sequence number.
func operationKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
