// Package sequencer implements the Sequencer (spec.md section 4.3): each
// machine buffers incoming SINGLE_HOME (and, when bypass_mh_orderer is set,
// Lock-Only) transactions into batches, periodically cuts and replicates
// them, and proposes each batch id to its local Paxos queue.
package sequencer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/pkg/metrics"
)

// Proposer is the local Paxos instance this machine's Sequencer proposes
// batch ids to; satisfied by core/consensus.Instance.
type Proposer interface {
	Propose(value []byte, timeout time.Duration) error
	IsLeader() bool
}

// Replicator sends a batch's full payload to every partition of every
// replica (spec.md section 4.3, step 3).
type Replicator interface {
	ReplicateBatch(batch *model.Batch) error
}

// Sequencer owns one queue: this machine's lane into the local log.
type Sequencer struct {
	queueID       uint64
	batchDuration time.Duration
	proposer      Proposer
	replicator    Replicator
	logger        *zap.Logger
	metrics       *metrics.Registry

	mu          sync.Mutex
	nextBatchID uint64
	nextPosition uint64
	buffer      []*model.Transaction
	batchOpened time.Time

	statBatchSizes     []int
	statBatchDurations []float64
}

// New creates a Sequencer for one (machine-unique) queue id.
func New(queueID uint64, batchDuration time.Duration, proposer Proposer, replicator Replicator, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		queueID:       queueID,
		batchDuration: batchDuration,
		proposer:      proposer,
		replicator:    replicator,
		logger:        logger,
		batchOpened:   time.Time{},
	}
}

// SetMetrics attaches a metrics registry the Sequencer reports batch size
// and cadence into. Optional: nil skips recording.
func (s *Sequencer) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// Enqueue buffers an incoming SH transaction (spec.md section 4.3, step 1).
func (s *Sequencer) Enqueue(txn *model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		s.batchOpened = time.Now()
	}
	s.buffer = append(s.buffer, txn)
}

// CutBatch closes the current batch (if non-empty), assigns it this
// queue's next position, replicates its data, and proposes its id to local
// Paxos (spec.md section 4.3, step 2). Intended to be called by a ticker
// every batchDuration.
func (s *Sequencer) CutBatch() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	txns := s.buffer
	s.buffer = nil
	batchID := s.nextBatchID
	s.nextBatchID++
	position := s.nextPosition
	s.nextPosition++
	duration := time.Since(s.batchOpened)
	s.statBatchSizes = append(s.statBatchSizes, len(txns))
	s.statBatchDurations = append(s.statBatchDurations, duration.Seconds()*1000)
	s.mu.Unlock()

	batch := model.MakeBatch(batchID, s.queueID, position, model.SingleHomeBatch, txns)

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.BatchesSequenced.Add(ctx, 1)
		s.metrics.BatchSizeHist.Record(ctx, int64(len(txns)))
		s.metrics.BatchDurationHist.Record(ctx, duration.Seconds()*1000)
	}

	if err := s.replicator.ReplicateBatch(batch); err != nil {
		s.logger.Warn("sequencer: failed to replicate batch", zap.Error(err), zap.Uint64("batch_id", batchID))
	}

	value := encodeBatchID(s.queueID, batchID)
	if err := s.proposer.Propose(value, s.batchDuration*10); err != nil {
		s.logger.Warn("sequencer: paxos proposal failed", zap.Error(err), zap.Uint64("batch_id", batchID))
	}
}

// Run drives CutBatch on batchDuration ticks until ctx-like stop fires.
func (s *Sequencer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.batchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.CutBatch()
		case <-stop:
			return
		}
	}
}

// Stats reports batching statistics (spec.md section 6).
func (s *Sequencer) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"QUEUE_ID":           s.queueID,
		"BATCH_SIZES":        append([]int(nil), s.statBatchSizes...),
		"BATCH_DURATIONS_MS": append([]float64(nil), s.statBatchDurations...),
	}
}

// encodeBatchID packs (queue_id, batch_id) into the opaque value Paxos
// replicates -- spec.md section 4.3: "the Paxos value is the batch id".
func encodeBatchID(queueID, batchID uint64) []byte {
	buf := make([]byte, 16)
	putUint64(buf[0:8], queueID)
	putUint64(buf[8:16], batchID)
	return buf
}

// DecodeBatchID reverses encodeBatchID; used by the consensus commit
// callback to recover (queue_id, batch_id) from the committed log entry.
func DecodeBatchID(value []byte) (queueID, batchID uint64) {
	return getUint64(value[0:8]), getUint64(value[8:16])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
