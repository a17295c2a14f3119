// Package mhorderer implements the Multi-Home Orderer (spec.md section
// 4.4): the leader partition of one replica batches MH transactions
// gathered from every region, runs global Paxos to totally order these
// batches across all replicas, and hands the resulting commit order to its
// Broadcaster, which delivers it to every machine's Interleaver.
package mhorderer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/pkg/metrics"
)

// MHQueueID is the well-known queue id every replica's MH Orderer uses for
// its distinguished MH lane into the local log.
const MHQueueID uint64 = 0xFFFFFFFF

// Proposer is the global Paxos instance the leader partition uses to
// totally order MH batches.
type Proposer interface {
	Propose(value []byte, timeout time.Duration) error
	IsLeader() bool
}

// Broadcaster fans a committed batch order (or the underlying batch data)
// out to every replica.
type Broadcaster interface {
	BroadcastBatchOrder(order model.BatchOrder) error
	ReplicateBatch(batch *model.Batch) error
}

// Orderer is the per-replica Multi-Home Orderer instance. Only the
// configured leader partition of a replica buffers, cuts and proposes MH
// batches to global Paxos; on other partitions Enqueue logs an error and
// Run only waits for stop. The committed order does not pass through the
// other replicas' Orderers: OnGlobalCommit hands it to the Broadcaster.
type Orderer struct {
	self          model.MachineID
	isLeader      bool
	batchDuration time.Duration
	proposer      Proposer // nil on non-leader partitions
	broadcaster   Broadcaster
	logger        *zap.Logger
	metrics       *metrics.Registry

	mu          sync.Mutex
	nextBatchID uint64
	buffer      []*model.Transaction
	batchOpened time.Time
}

// New creates an Orderer. isLeader marks whether this machine's partition
// is the configured global-ordering leader for its replica.
func New(self model.MachineID, isLeader bool, batchDuration time.Duration, proposer Proposer, broadcaster Broadcaster, logger *zap.Logger) *Orderer {
	return &Orderer{
		self:          self,
		isLeader:      isLeader,
		batchDuration: batchDuration,
		proposer:      proposer,
		broadcaster:   broadcaster,
		logger:        logger,
	}
}

// SetMetrics attaches a metrics registry the Orderer reports its cut MH
// batches into. Optional: nil skips recording.
func (o *Orderer) SetMetrics(reg *metrics.Registry) {
	o.metrics = reg
}

// Enqueue buffers an incoming MH transaction, forwarded here from the
// Forwarder (of this replica, or relayed here from another region's
// leader).
func (o *Orderer) Enqueue(txn *model.Transaction) {
	if !o.isLeader {
		o.logger.Error("mhorderer: Enqueue called on a non-leader partition")
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buffer) == 0 {
		o.batchOpened = time.Now()
	}
	o.buffer = append(o.buffer, txn)
}

// CutBatch closes and proposes the current MH batch to global Paxos. Only
// meaningful on the leader partition.
func (o *Orderer) CutBatch() {
	if !o.isLeader {
		return
	}
	o.mu.Lock()
	if len(o.buffer) == 0 {
		o.mu.Unlock()
		return
	}
	txns := o.buffer
	o.buffer = nil
	batchID := o.nextBatchID
	o.nextBatchID++
	o.mu.Unlock()

	batch := model.MakeBatch(batchID, MHQueueID, batchID, model.MultiHomeBatch, txns)

	if o.metrics != nil {
		ctx := context.Background()
		o.metrics.BatchesSequenced.Add(ctx, 1)
		o.metrics.BatchSizeHist.Record(ctx, int64(len(txns)))
	}

	if err := o.broadcaster.ReplicateBatch(batch); err != nil {
		o.logger.Warn("mhorderer: failed to replicate MH batch", zap.Error(err))
	}

	if err := o.proposer.Propose(encodeBatchID(batchID), o.batchDuration*10); err != nil {
		o.logger.Warn("mhorderer: global paxos proposal failed", zap.Error(err))
	}
}

// OnGlobalCommit is the global Paxos commit callback: slot `slot` was
// assigned to `batchID`. The order is broadcast through the Broadcaster to
// every machine's Interleaver (spec.md section 4.4).
func (o *Orderer) OnGlobalCommit(slot uint64, batchID uint64) {
	order := model.BatchOrder{Slot: slot, QueueID: MHQueueID, BatchID: batchID}
	if err := o.broadcaster.BroadcastBatchOrder(order); err != nil {
		o.logger.Warn("mhorderer: failed to broadcast batch order", zap.Error(err))
	}
}

// Run drives CutBatch on batchDuration ticks until stop fires.
func (o *Orderer) Run(stop <-chan struct{}) {
	if !o.isLeader {
		<-stop
		return
	}
	ticker := time.NewTicker(o.batchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.CutBatch()
		case <-stop:
			return
		}
	}
}

func encodeBatchID(batchID uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(batchID >> (8 * (7 - i)))
	}
	return buf
}

// DecodeBatchID reverses encodeBatchID; used by the global Paxos commit
// callback to recover the batch id from the committed log entry.
func DecodeBatchID(value []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(value[i])
	}
	return v
}
