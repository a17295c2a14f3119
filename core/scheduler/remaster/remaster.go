// Package remaster implements the Remaster Manager (spec.md section 4.6):
// it verifies that the mastership metadata a transaction carries agrees
// with the local Lookup-Master Index, and holds/unblocks transactions
// across concurrent remasters of the same key.
//
// Grounded on
// _examples/original_source/module/scheduler_components/remaster_manager.h.
package remaster

import (
	"github.com/slogdb/slog/core/lookup"
	"github.com/slogdb/slog/core/model"
)

// VerifyResult is the outcome of VerifyMaster.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Waiting
	AbortInvalid
)

// waitEntry is one transaction parked on a key's wait queue until a
// specific counter value is observed.
type waitEntry struct {
	txn     *model.Transaction
	counter uint64
}

// Manager holds per-key FIFOs of transactions waiting on a remaster they
// arrived ahead of. Like the lock manager, it is only ever driven from the
// Scheduler's single goroutine.
type Manager struct {
	index *lookup.Index
	waitQueues map[model.Key][]waitEntry
}

// New creates a Remaster Manager backed by the given Lookup-Master Index.
func New(index *lookup.Index) *Manager {
	return &Manager{
		index:      index,
		waitQueues: make(map[model.Key][]waitEntry),
	}
}

// VerifyMaster checks every key's counter carried by txn against the local
// index (spec.md section 4.6). Only the counter is compared; a carried
// master that differs from the index's is not detected here.
func (m *Manager) VerifyMaster(txn *model.Transaction) VerifyResult {
	result := Valid
	for _, key := range txn.SortedKeys() {
		entry := txn.Keys[key]
		if entry.Metadata == nil {
			continue
		}
		current := m.index.GetOrDefault(key)
		switch {
		case entry.Metadata.Counter < uint64(current.Counter):
			return AbortInvalid
		case entry.Metadata.Counter > uint64(current.Counter):
			m.enqueue(key, txn, entry.Metadata.Counter)
			result = Waiting
		}
	}
	return result
}

func (m *Manager) enqueue(key model.Key, txn *model.Transaction, counter uint64) {
	m.waitQueues[key] = append(m.waitQueues[key], waitEntry{txn: txn, counter: counter})
}

// RemasterOccurred is called once a Remaster of `key` commits, bumping the
// index to `counter`. It walks the key's wait queue in FIFO (submission)
// order: entries whose counter now matches are unblocked, entries whose
// counter is now behind are aborted, and anything still ahead stays queued.
func (m *Manager) RemasterOccurred(key model.Key, counter uint64) (unblocked, aborted []*model.Transaction) {
	queue := m.waitQueues[key]
	if len(queue) == 0 {
		return nil, nil
	}

	remaining := queue[:0]
	for _, entry := range queue {
		switch {
		case entry.counter == counter:
			unblocked = append(unblocked, entry.txn)
		case entry.counter < counter:
			aborted = append(aborted, entry.txn)
		default:
			remaining = append(remaining, entry)
		}
	}
	if len(remaining) == 0 {
		delete(m.waitQueues, key)
	} else {
		m.waitQueues[key] = remaining
	}
	return unblocked, aborted
}
