// Package storage implements the per-partition key-value record store.
// spec.md treats the storage engine as an external collaborator ("a
// key-value map with per-key records"); this package gives it a concrete,
// concurrency-safe shape so the Worker (core/scheduler) has something real
// to read from and write to.
//
// Grounded on the sharded-map style of
// core/write_engine/memtable/bufferpoolmanager.go, simplified down to the
// spec's abstract interface (no paging/eviction: the on-disk engine itself
// is out of scope).
package storage

import (
	"sync"

	"github.com/slogdb/slog/core/model"
)

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	data map[model.Key]model.Record
}

// Store is a sharded, concurrency-safe key-value record store. Disjoint
// keys can be written concurrently without contention across shards; the
// Scheduler's lock manager is what guarantees Workers never write
// overlapping key sets concurrently (spec.md section 5).
type Store struct {
	shards [shardCount]*shard
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[model.Key]model.Record)}
	}
	return s
}

func (s *Store) shardFor(key model.Key) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return s.shards[h%shardCount]
}

// Get reads a key's current record.
func (s *Store) Get(key model.Key) (model.Record, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.data[key]
	return rec, ok
}

// Put writes (or overwrites) a key's record.
func (s *Store) Put(key model.Key, rec model.Record) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = rec
}

// Delete erases a key.
func (s *Store) Delete(key model.Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.data, key)
}

// UpdateMetadata rewrites only the metadata half of a key's record,
// preserving its value -- used by Remaster commit.
func (s *Store) UpdateMetadata(key model.Key, md model.Metadata) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := sh.data[key]
	rec.Metadata = md
	sh.data[key] = rec
}
