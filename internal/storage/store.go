package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned when a key is not present in the store.
var ErrKeyNotFound = errors.New("key not found")

// Store is a byte-valued key/value mapping.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// Clear removes every key
	Clear()

	// List returns all keys in insertion order
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about a store's current state.
type StoreStats struct {
	Keys      int    `json:"keys"`      // Number of keys
	Bytes     int    `json:"bytes"`     // Total size of all values in bytes
	Capacity  int    `json:"capacity"`  // Maximum number of keys, 0 for unbounded
	Evictions uint64 `json:"evictions"` // Keys dropped to make room
}

// FIFOStore is a Store holding at most Capacity keys. Inserting a new key
// into a full store evicts the oldest inserted key first; overwriting an
// existing key keeps its position.
//
// Values are copied on the way in and out.
type FIFOStore struct {
	mu        sync.RWMutex
	capacity  int
	data      map[string][]byte
	order     []string
	evictions uint64
}

// NewFIFOStore creates a store bounded to capacity keys. A capacity of 0
// or less means unbounded.
func NewFIFOStore(capacity int) *FIFOStore {
	if capacity < 0 {
		capacity = 0
	}
	return &FIFOStore{
		capacity: capacity,
		data:     make(map[string][]byte),
	}
}

func (m *FIFOStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (m *FIFOStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	if _, exists := m.data[key]; exists {
		m.data[key] = stored
		return nil
	}
	if m.capacity > 0 && len(m.order) >= m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.data, oldest)
		m.evictions++
	}
	m.data[key] = stored
	m.order = append(m.order, key)
	return nil
}

func (m *FIFOStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists {
		return nil
	}
	delete(m.data, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *FIFOStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.order = nil
}

func (m *FIFOStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *FIFOStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}
	return StoreStats{
		Keys:      len(m.data),
		Bytes:     totalBytes,
		Capacity:  m.capacity,
		Evictions: m.evictions,
	}
}

// Namespaces hands out one FIFOStore per path, created on first use with a
// shared capacity.
type Namespaces struct {
	mu       sync.Mutex
	capacity int
	stores   map[string]*FIFOStore
}

func NewNamespaces(capacity int) *Namespaces {
	return &Namespaces{capacity: capacity, stores: make(map[string]*FIFOStore)}
}

// Store returns the store for path, creating it if needed.
func (n *Namespaces) Store(path string) *FIFOStore {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.stores[path]
	if !ok {
		s = NewFIFOStore(n.capacity)
		n.stores[path] = s
	}
	return s
}

// Stats returns the statistics of every path.
func (n *Namespaces) Stats() map[string]StoreStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]StoreStats, len(n.stores))
	for p, s := range n.stores {
		out[p] = s.Stats()
	}
	return out
}
