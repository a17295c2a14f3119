// Package lockmgr implements the Deterministic Lock Manager (DDR) from
// spec.md section 4.7: locks are granted in strict arrival order on
// KeyReplica = (key, home_replica), with a dependency graph tracked only at
// each queue's tail so that deadlock freedom follows from the DAG structure
// of the graph, not from cycle detection.
//
// Grounded on _examples/original_source/module/scheduler_components/ddr_lock_manager.h.
package lockmgr

import (
	"fmt"

	"github.com/slogdb/slog/core/model"
)

// KeyReplica is the composite lock key (key, home_replica), string-joined
// as the source does.
type KeyReplica string

func makeKeyReplica(key model.Key, replica uint32) KeyReplica {
	return KeyReplica(fmt.Sprintf("%s@%d", key, replica))
}

// AcquireResult is the outcome of AcquireLocks / AcceptTxnAndAcquireLocks.
type AcquireResult int

const (
	Acquired AcquireResult = iota
	Waiting
	Abort
)

// lockQueueTail is the tail of one KeyReplica's lock queue. Released txns
// are not erased -- a stale reference is detected lazily via txnInfo's
// absence (spec.md section 9, "Lock-queue tail with lazy cleanup").
type lockQueueTail struct {
	writeRequester  uint64
	hasWriter       bool
	readRequesters  []uint64
}

// txnInfo tracks one txn's outstanding dependencies while it waits for
// locks, and (for MH txns) how many Lock-Only shards are still missing.
type txnInfo struct {
	waitedBy       []uint64
	waitingForCnt  int
	pendingParts   int
	aborted        bool
}

func (t *txnInfo) isReady() bool {
	return !t.aborted && t.waitingForCnt == 0 && t.pendingParts == 0
}

// Manager is the DDR lock manager. All methods are called from a single
// goroutine (the Scheduler's), never concurrently, matching spec.md
// section 5's single-threaded-module concurrency model -- there is no
// internal locking here.
type Manager struct {
	lockTable map[KeyReplica]*lockQueueTail
	txnInfo   map[uint64]*txnInfo
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{
		lockTable: make(map[KeyReplica]*lockQueueTail),
		txnInfo:   make(map[uint64]*txnInfo),
	}
}

// AcceptTransaction registers a (possibly partial) txn arrival, decrementing
// its pendingParts counter by one. expectedNumLO is only consulted the
// first time a given txn id is seen; pass 1 for SH txns.
func (m *Manager) AcceptTransaction(txnID uint64, expectedNumLO int) AcquireResult {
	info, ok := m.txnInfo[txnID]
	if !ok {
		info = &txnInfo{pendingParts: expectedNumLO}
		m.txnInfo[txnID] = info
	}
	info.pendingParts--
	return m.resultFor(info)
}

// AcquireLocks requests, for every key in txn, a lock on (key, home
// replica); the home replica is the key's carried Metadata.Master, not
// txn.Home. Remaster requests locks on both the old master (txn's carried
// metadata) and the new master (txn.Procedure.NewMaster).
func (m *Manager) AcquireLocks(txn *model.Transaction) AcquireResult {
	info, ok := m.txnInfo[txn.ID]
	if !ok {
		panic(model.ErrLOTxnNotAccepted)
	}
	if info.aborted {
		return Abort
	}

	for _, key := range txn.SortedKeys() {
		entry := txn.Keys[key]
		if entry.Metadata == nil {
			continue
		}
		replica := entry.Metadata.Master
		m.acquireOne(txn.ID, info, makeKeyReplica(key, replica), entry.Type == model.Write)

		if txn.IsRemaster() && txn.Procedure.NewMaster != replica {
			m.acquireOne(txn.ID, info, makeKeyReplica(key, txn.Procedure.NewMaster), true)
		}
	}

	return m.resultFor(info)
}

// acquireOne grants or queues a single KeyReplica lock, wiring up the
// dependency graph edge from predecessor(s) to this txn when it must wait.
func (m *Manager) acquireOne(txnID uint64, info *txnInfo, kr KeyReplica, write bool) {
	tail, ok := m.lockTable[kr]
	if !ok {
		tail = &lockQueueTail{}
		m.lockTable[kr] = tail
	}

	if write {
		predecessors := m.collectPredecessors(tail)
		tail.hasWriter = true
		tail.writeRequester = txnID
		tail.readRequesters = nil
		for _, p := range predecessors {
			m.addDependency(p, txnID, info)
		}
		return
	}

	// READ: predecessor is the current writer, if any and still live.
	if tail.hasWriter {
		if _, live := m.txnInfo[tail.writeRequester]; live && tail.writeRequester != txnID {
			m.addDependency(tail.writeRequester, txnID, info)
		}
	}
	tail.readRequesters = append(tail.readRequesters, txnID)
}

// collectPredecessors returns the txns a new writer must wait behind: the
// current writer (if any and still live) and every current reader (if
// still live).
func (m *Manager) collectPredecessors(tail *lockQueueTail) []uint64 {
	var preds []uint64
	if tail.hasWriter {
		if _, live := m.txnInfo[tail.writeRequester]; live {
			preds = append(preds, tail.writeRequester)
		}
	}
	for _, r := range tail.readRequesters {
		if _, live := m.txnInfo[r]; live {
			preds = append(preds, r)
		}
	}
	return preds
}

func (m *Manager) addDependency(predecessor, dependent uint64, dependentInfo *txnInfo) {
	if predecessor == dependent {
		return
	}
	predInfo, ok := m.txnInfo[predecessor]
	if !ok {
		return // already released; lazily ignored per section 9.
	}
	predInfo.waitedBy = append(predInfo.waitedBy, dependent)
	dependentInfo.waitingForCnt++
}

func (m *Manager) resultFor(info *txnInfo) AcquireResult {
	if info.aborted {
		return Abort
	}
	if info.isReady() {
		return Acquired
	}
	return Waiting
}

// AcceptTxnAndAcquireLocks composes AcceptTransaction and AcquireLocks.
func (m *Manager) AcceptTxnAndAcquireLocks(txn *model.Transaction, expectedNumLO int) AcquireResult {
	m.AcceptTransaction(txn.ID, expectedNumLO)
	return m.AcquireLocks(txn)
}

// MarkAborted flags a txn as aborted (called when the Remaster Manager
// detects a stale counter) so future AcquireLocks calls for it return
// Abort instead of queueing.
func (m *Manager) MarkAborted(txnID uint64) {
	if info, ok := m.txnInfo[txnID]; ok {
		info.aborted = true
	}
}

// ReleaseLocks releases every dependency txn holds and returns the ids of
// txns that became ready as a result. The lock table's tail entries
// referencing txn are left in place (lazy cleanup, section 9): a later
// AcquireLocks call that finds them will see txn.ID absent from txnInfo
// and treat it as already released.
func (m *Manager) ReleaseLocks(txnID uint64) []uint64 {
	info, ok := m.txnInfo[txnID]
	if !ok {
		return nil
	}

	var newlyReady []uint64
	for _, w := range info.waitedBy {
		wInfo, ok := m.txnInfo[w]
		if !ok {
			continue
		}
		wInfo.waitingForCnt--
		if wInfo.isReady() {
			newlyReady = append(newlyReady, w)
		}
	}
	delete(m.txnInfo, txnID)
	return newlyReady
}

// Stats reports a JSON-friendly snapshot with NUM_LOCKED_KEYS,
// NUM_WAITING_TXNS and WAITED_BY_GRAPH keys. The lock table's per-key
// queue tails are not included.
func (m *Manager) Stats() map[string]interface{} {
	waitedBy := make(map[uint64][]uint64, len(m.txnInfo))
	for id, info := range m.txnInfo {
		waitedBy[id] = append([]uint64(nil), info.waitedBy...)
	}
	return map[string]interface{}{
		"NUM_LOCKED_KEYS":  len(m.lockTable),
		"NUM_WAITING_TXNS": len(m.txnInfo),
		"WAITED_BY_GRAPH":  waitedBy,
	}
}
