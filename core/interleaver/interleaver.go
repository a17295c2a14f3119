// Package interleaver implements the Interleaver (spec.md section 4.5): the
// component that merges per-queue Sequencer/MH-Orderer batches into one
// local serial log, in Paxos slot order.
package interleaver

import (
	"container/heap"
	"context"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/pkg/metrics"
)

// pendingBatch is a batch waiting to be released because its queue's
// reorder buffer has not yet filled the gap before it.
type pendingBatch struct {
	position uint64
	batchID  uint64
}

// queueState is the per-queue reorder buffer: a FIFO of batches that have
// become contiguously ready, plus the out-of-order arrivals still waiting
// on a gap to close.
type queueState struct {
	nextPosition uint64
	pending      map[uint64]uint64 // position -> batch id, not yet released
	ready        []uint64          // released batch ids, FIFO order
}

func newQueueState() *queueState {
	return &queueState{pending: make(map[uint64]uint64)}
}

// addBatchID records a newly arrived batch at `position`, then drains any
// now-contiguous run into the ready FIFO.
func (q *queueState) addBatchID(position, batchID uint64) {
	q.pending[position] = batchID
	for {
		id, ok := q.pending[q.nextPosition]
		if !ok {
			return
		}
		delete(q.pending, q.nextPosition)
		q.ready = append(q.ready, id)
		q.nextPosition++
	}
}

func (q *queueState) hasReady() bool {
	return len(q.ready) > 0
}

func (q *queueState) popReady() uint64 {
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id
}

// slotHeap orders pending (slot, queue_id) pairs by slot, used to recover
// the global Paxos order even though AddSlot calls may arrive for
// out-of-order slots across different queues.
type slotEntry struct {
	slot    uint64
	queueID uint64
}

type slotHeap []slotEntry

func (h slotHeap) Len() int            { return len(h) }
func (h slotHeap) Less(i, j int) bool  { return h[i].slot < h[j].slot }
func (h slotHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *slotHeap) Push(x interface{}) { *h = append(*h, x.(slotEntry)) }
func (h *slotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Interleaver merges every queue's batches into one ordered stream of
// (slot, batch_id) pairs, then -- at the level above, Drain -- forwards the
// txns inside each drained batch to the Scheduler, projecting each MH txn
// onto this replica's Lock-Only sub-transaction per spec.md section 4.5.
type Interleaver struct {
	selfReplica uint32

	queues map[uint64]*queueState
	slots  slotHeap

	// batchData holds batch payloads received out-of-band from the
	// Sequencer/MH-Orderer replication, keyed by (queue_id, batch_id);
	// Drain looks the full Batch up here once its slot is ready to drain.
	batchData map[batchKey]*model.Batch

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry the Interleaver reports its
// buffered-slot depth into. Optional: nil skips recording.
func (il *Interleaver) SetMetrics(reg *metrics.Registry) {
	il.metrics = reg
}

type batchKey struct {
	queueID uint64
	batchID uint64
}

// New creates an empty Interleaver for the machine's own replica. Every
// machine runs one Interleaver; selfReplica is used to pick this replica's
// Lock-Only projection out of each MH batch it drains (spec.md section
// 4.5: "the Interleaver partitions each MH txn into LO sub-txns per
// involved replica" -- only this replica's projection is relevant to the
// local Scheduler).
func New(selfReplica uint32) *Interleaver {
	return &Interleaver{
		selfReplica: selfReplica,
		queues:      make(map[uint64]*queueState),
		batchData:   make(map[batchKey]*model.Batch),
	}
}

func (il *Interleaver) queue(id uint64) *queueState {
	q, ok := il.queues[id]
	if !ok {
		q = newQueueState()
		il.queues[id] = q
	}
	return q
}

// AddBatchId records a batch's arrival on a queue, given its position
// within that queue (spec.md section 4.5).
func (il *Interleaver) AddBatchId(queueID, position, batchID uint64) {
	il.queue(queueID).addBatchID(position, batchID)
}

// AddSlot records a Paxos-committed slot for a queue.
func (il *Interleaver) AddSlot(slot, queueID uint64) {
	heap.Push(&il.slots, slotEntry{slot: slot, queueID: queueID})
	if il.metrics != nil {
		il.metrics.InterleaverDepth.Add(context.Background(), 1)
	}
}

// StoreBatch attaches the full batch payload that AddBatchId's id refers
// to, so Drain can later hand the actual transactions to the caller. This
// models the Sequencer's out-of-band batch-data replication separately
// from the in-band AddBatchId position bookkeeping.
func (il *Interleaver) StoreBatch(queueID uint64, batch *model.Batch) {
	il.batchData[batchKey{queueID: queueID, batchID: batch.ID}] = batch
}

// HasNextBatch is a non-consuming check: true iff the lowest pending slot's
// queue has a ready batch to release.
func (il *Interleaver) HasNextBatch() bool {
	if len(il.slots) == 0 {
		return false
	}
	head := il.slots[0]
	q, ok := il.queues[head.queueID]
	return ok && q.hasReady()
}

// NextBatch pops and returns the next (slot, batch_id) pair in the merged
// log, consuming both the slot and the queue's ready batch. Callers must
// check HasNextBatch first; NextBatch panics if nothing is ready.
func (il *Interleaver) NextBatch() (slot, batchID uint64) {
	if !il.HasNextBatch() {
		panic("interleaver: NextBatch called with nothing ready")
	}
	entry := heap.Pop(&il.slots).(slotEntry)
	q := il.queues[entry.queueID]
	id := q.popReady()
	delete(il.batchData, batchKey{queueID: entry.queueID, batchID: id})
	if il.metrics != nil {
		il.metrics.InterleaverDepth.Add(context.Background(), -1)
	}
	return entry.slot, id
}

// Drain repeatedly calls NextBatch while ready, invoking `forward` for
// every transaction of each drained batch in slot order. Each txn of an MH
// batch is replaced by its Lock-Only projection onto this replica
// (model.MakeLockOnly with selfReplica), which is forwarded only if it
// holds keys or the txn is a Remaster; the other replicas' projections are
// not produced here. SH batches are forwarded as-is.
func (il *Interleaver) Drain(forward func(txn *model.Transaction)) {
	for il.HasNextBatch() {
		slot := il.slots[0].slot
		queueID := il.slots[0].queueID
		key := batchKey{queueID: queueID}
		// Peek which batch id is about to drain so we can fetch its data
		// before consuming it via NextBatch.
		q := il.queues[queueID]
		batchID := q.ready[0]
		key.batchID = batchID
		batch := il.batchData[key]

		_, _ = il.NextBatch()
		_ = slot

		if batch == nil {
			continue
		}
		for _, txn := range model.Unbatch(batch) {
			if batch.Type == model.MultiHomeBatch {
				lo := model.MakeLockOnly(txn, il.selfReplica)
				if len(lo.Keys) > 0 || txn.IsRemaster() {
					forward(lo)
				}
			} else {
				forward(txn)
			}
		}
	}
}
