// Package lookup implements the per-partition Lookup-Master Index
// (spec.md section 4.1): a map from Key to the Metadata describing which
// replica currently masters it.
package lookup

import "sync"

// Metadata mirrors model.Metadata but the package is kept free of a model
// import so it can be embedded by storage-layer code without a cycle; the
// scheduler/worker packages convert between the two at their boundary.
type Metadata struct {
	Master  uint32
	Counter uint64
}

// Index is the local-partition map Key -> (home_replica, counter). A
// missing key means the partition is authoritative but has no record yet:
// Get reports that case explicitly so callers can default to {0, 0}
// (spec.md section 4.1).
type Index struct {
	mu   sync.RWMutex
	data map[string]Metadata
}

// New creates an empty Index.
func New() *Index {
	return &Index{data: make(map[string]Metadata)}
}

// Get returns the metadata for key and whether it was present.
func (idx *Index) Get(key string) (Metadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.data[key]
	return m, ok
}

// GetOrDefault returns the metadata for key, or {0,0} when the partition
// has never seen it -- the convention a LookUpMasterResponse uses for
// unknown keys.
func (idx *Index) GetOrDefault(key string) Metadata {
	if m, ok := idx.Get(key); ok {
		return m
	}
	return Metadata{}
}

// Update is invoked only by a committed Remaster transaction (spec.md
// section 4.1) to advance a key's master and counter.
func (idx *Index) Update(key string, m Metadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data[key] = m
}
