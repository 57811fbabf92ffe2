// Persisted launcher state: key-value pairs + operation journal, stored in BoltDB
package laudb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("laudb: key not found")
)

var (
	kvBucket         = []byte("kv")
	operationsBucket = []byte("operations")
)

// typed access to persisted state. every component gets this injected, there is no global.
type Store interface {
	// returns ErrNotFound if key is not set
	Get(key string) (string, error)
	Set(key string, value string) error
	// deleting a non-existent key is not an error
	Delete(key string) error
}

type OperationRecord struct {
	ID       string
	Title    string
	Kind     string
	Started  time.Time
	Finished time.Time
	Error    string
}

type Journal interface {
	RecordOperation(rec OperationRecord) error
	Operations() ([]OperationRecord, error)
}

type kvEntry struct {
	Key     string
	Value   string
	Updated time.Time
}

type DB struct {
	bolt *bbolt.DB
}

var _ Store = (*DB)(nil)
var _ Journal = (*DB)(nil)

func Open(location string) (*DB, error) {
	db, err := bbolt.Open(location, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("laudb.Open: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{kvBucket, operationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		ignoreError(db.Close())
		return nil, fmt.Errorf("laudb.Open: bootstrap: %w", err)
	}

	return &DB{db}, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

func (d *DB) Get(key string) (string, error) {
	entry := kvEntry{}

	if err := d.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(kvBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		return msgpack.Codec.Unmarshal(data, &entry)
	}); err != nil {
		return "", err
	}

	return entry.Value, nil
}

func (d *DB) Set(key string, value string) error {
	data, err := msgpack.Codec.Marshal(&kvEntry{
		Key:     key,
		Value:   value,
		Updated: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), data)
	})
}

func (d *DB) Delete(key string) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

// all keys with their values, for diagnostics
func (d *DB) Dump() (map[string]string, error) {
	dump := map[string]string{}

	return dump, d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).ForEach(func(key []byte, data []byte) error {
			entry := kvEntry{}
			if err := msgpack.Codec.Unmarshal(data, &entry); err != nil {
				return err
			}

			dump[string(key)] = entry.Value
			return nil
		})
	})
}

// inserts or updates (keyed by ID)
func (d *DB) RecordOperation(rec OperationRecord) error {
	if rec.ID == "" {
		return errors.New("RecordOperation: empty ID")
	}

	data, err := msgpack.Codec.Marshal(&rec)
	if err != nil {
		return err
	}

	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(operationsBucket).Put([]byte(rec.ID), data)
	})
}

// oldest first
func (d *DB) Operations() ([]OperationRecord, error) {
	records := []OperationRecord{}

	if err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(operationsBucket).ForEach(func(_ []byte, data []byte) error {
			rec := OperationRecord{}
			if err := msgpack.Codec.Unmarshal(data, &rec); err != nil {
				return err
			}

			records = append(records, rec)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	sortOperations(records)

	return records, nil
}

// in-memory implementation, for tests and dry runs
type Memory struct {
	values     map[string]string
	operations map[string]OperationRecord
	mu         sync.Mutex
}

var _ Store = (*Memory)(nil)
var _ Journal = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		values:     map[string]string{},
		operations: map[string]OperationRecord{},
	}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, found := m.values[key]
	if !found {
		return "", ErrNotFound
	}

	return value, nil
}

func (m *Memory) Set(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value

	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)

	return nil
}

func (m *Memory) RecordOperation(rec OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.operations[rec.ID] = rec

	return nil
}

func (m *Memory) Operations() ([]OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := []OperationRecord{}
	for _, rec := range m.operations {
		records = append(records, rec)
	}

	sortOperations(records)

	return records, nil
}

func sortOperations(records []OperationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Started.Before(records[j].Started)
	})
}

func ignoreError(err error) {
	// no-op
}
