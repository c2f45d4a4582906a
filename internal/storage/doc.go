// Package storage holds the shared table: the single server-resident
// key/value map that every connection reads and writes.
//
// # Overview
//
// The table maps string keys to immutable tagged values. It is created
// empty when the server starts and lives for the lifetime of the process.
// There is no delete operation; keys only ever gain new values.
//
//	┌─────────────────────────────────────┐
//	│        Session (per connection)     │
//	└─────────────────────────────────────┘
//	                 │ Merge(delta)
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Table interface            │
//	│  Get · Merge · Snapshot · Keys      │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   MemoryTable (map + RWMutex)       │
//	└─────────────────────────────────────┘
//
// # Conflict Policy
//
// Merge is last-write-wins: an incoming value for key K replaces whatever
// K held before, whoever wrote it. A delta is applied under one lock
// acquisition, so two concurrent deltas are serialized whole and the one
// that acquires the lock second wins every key they share. Which one that
// is for concurrent writers on different connections is not defined.
//
// Every Merge returns a revision number that increases by one per call.
//
// # Concurrency and Thread Safety
//
// Locking Strategy:
//   - One sync.RWMutex covers the whole map (coarse-grained)
//   - Read operations use shared locks (RLock)
//   - Merge uses the exclusive lock
//   - No other lock is ever acquired while the table lock is held
//
// Copy Semantics:
//   - Snapshot and Keys return fresh containers
//   - Values are immutable and shared without copying
//
// # Usage Examples
//
//	table := storage.NewMemoryTable()
//	table.Merge(map[string]value.Value{"x": value.Number(1)})
//
//	v, err := table.Get("x")
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    // never written
//	}
//
//	for _, key := range table.Keys() {
//	    v, _ := table.Get(key)
//	    fmt.Printf("%s → %s\n", key, v)
//	}
package storage
