package storage

import (
	"sync"

	"github.com/dreamware/tablesync/internal/value"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the table
var ErrKeyNotFound = errors.New("key not found")

// Table defines the shared key/value table every connection reads and writes.
// All implementations must be thread-safe for concurrent access.
type Table interface {
	// Get retrieves the value stored under key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) (value.Value, error)

	// Merge applies every entry of delta with last-write-wins semantics
	// The whole delta is applied atomically; returns the new revision
	Merge(delta map[string]value.Value) uint64

	// Snapshot returns a copy of the whole table
	Snapshot() map[string]value.Value

	// Keys returns all keys in sorted order
	Keys() []string

	// Len returns the number of keys
	Len() int

	// Stats returns table statistics
	Stats() TableStats
}

// TableStats contains statistics about the table
type TableStats struct {
	Keys     int    // Number of keys
	Revision uint64 // Number of merges applied since creation
	Writes   uint64 // Number of individual key writes
}

// MemoryTable implements Table with an in-memory map
// A single sync.RWMutex covers the whole map
type MemoryTable struct {
	mu       sync.RWMutex           // Protects every field below
	data     map[string]value.Value // Key-value storage
	revision uint64                 // Incremented once per Merge
	writes   uint64                 // Incremented once per key written
}

// NewMemoryTable creates a new, empty in-memory table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		data: make(map[string]value.Value),
	}
}

// Get retrieves a value by key
// Values are immutable, so the stored value is returned directly
func (m *MemoryTable) Get(key string) (value.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, exists := m.data[key]
	if !exists {
		return value.Value{}, ErrKeyNotFound
	}
	return v, nil
}

// Merge replaces the value of every key in delta, regardless of the prior
// value or of which connection wrote it. An empty delta still counts as a
// revision so that callers can order every accepted update.
func (m *MemoryTable) Merge(delta map[string]value.Value) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, v := range delta {
		m.data[key] = v
		m.writes++
	}
	m.revision++
	return m.revision
}

// Snapshot returns a copy of the table contents
// The map is fresh; the values are shared because they are immutable
func (m *MemoryTable) Snapshot() map[string]value.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]value.Value, len(m.data))
	for key, v := range m.data {
		out[key] = v
	}
	return out
}

// Keys returns all keys in the table, sorted
func (m *MemoryTable) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Len returns the number of keys in the table
func (m *MemoryTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Stats returns table statistics
func (m *MemoryTable) Stats() TableStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return TableStats{
		Keys:     len(m.data),
		Revision: m.revision,
		Writes:   m.writes,
	}
}
