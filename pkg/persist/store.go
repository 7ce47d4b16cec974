// Package persist mirrors a document into a local durable store so a session can start with the last known content
// before, or without, reaching the network.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a store that cannot be used at all: it could not be opened, is out of space or is not
	// permitted. Sessions carry on without persistence when they see it.
	ErrUnavailable = errors.New("persistence unavailable")
)

// Store holds one compacted snapshot per key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// OpenStore opens a store by driver name. Any failure is reported as ErrUnavailable.
func OpenStore(driver string, path string) (Store, error) {
	var s Store
	var err error
	switch driver {
	case DriverSQLite, "sqlite3", "":
		s, err = OpenSQLiteStore(path)
	case DriverBolt, "bbolt":
		s, err = OpenBoltStore(path)
	case DriverMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}

// MemoryStore keeps snapshots in process. Closing it keeps the data so tests can reopen sessions against it.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}
