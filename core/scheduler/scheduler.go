// Package scheduler implements the Scheduler (spec.md section 4.8): for
// every transaction the Interleaver hands it, in slot order, it verifies
// mastership, runs the transaction through the DDR lock manager, and
// dispatches lock-acquired transactions to a Worker. It also owns the
// Remaster Manager and the partition's Lookup-Master Index, since both are
// only ever touched from the Scheduler's single goroutine.
package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/lookup"
	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/core/scheduler/lockmgr"
	"github.com/slogdb/slog/core/scheduler/remaster"
	"github.com/slogdb/slog/pkg/metrics"
)

// Scheduler is a single-threaded module instance (spec.md section 5): every
// method below must only ever be called from the same goroutine, typically
// the Interleaver's Drain loop and the Workers' completion callbacks
// running inline on it.
type Scheduler struct {
	self    model.MachineID
	sender  Sender
	index   *lookup.Index
	lockMgr *lockmgr.Manager
	remMgr  *remaster.Manager
	workers []*Worker
	logger  *zap.Logger
	metrics *metrics.Registry

	pending map[uint64]*model.Transaction // txns waiting on remaster or locks
}

// SetMetrics attaches a metrics registry the Scheduler reports lock grants
// and abort counts into. Optional: a Scheduler with no registry attached
// simply skips recording.
func (s *Scheduler) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// Config bundles a Scheduler's fixed parameters.
type Config struct {
	Self          model.MachineID
	NumPartitions uint32
	NumWorkers    int
}

// New creates a Scheduler and its NumWorkers Workers, each sharing the same
// storage and the same completion callback back into this Scheduler.
func New(cfg Config, sender Sender, store Store, logger *zap.Logger) *Scheduler {
	index := lookup.New()
	sched := &Scheduler{
		self:    cfg.Self,
		sender:  sender,
		index:   index,
		lockMgr: lockmgr.New(),
		remMgr:  remaster.New(index),
		logger:  logger,
		pending: make(map[uint64]*model.Transaction),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		channel := model.ChannelWorkerBase + model.ChannelID(i)
		sched.workers = append(sched.workers, NewWorker(cfg.Self, cfg.NumPartitions, channel, sender, store, sched.onWorkerComplete, logger))
	}
	return sched
}

// Store is the subset of *storage.Store a Worker touches; kept as an
// interface here only to spell out the dependency, since core/storage has
// no reason to be mocked in practice.
type Store interface {
	Get(key model.Key) (model.Record, bool)
	Put(key model.Key, rec model.Record)
	Delete(key model.Key)
	UpdateMetadata(key model.Key, md model.Metadata)
}

// NumWorkers reports how many Workers this Scheduler dispatches to, so the
// bus wiring in cmd/slogd can register each worker's channel.
func (s *Scheduler) NumWorkers() int {
	return len(s.workers)
}

// Index exposes the Scheduler's Lookup-Master Index so the Forwarder's
// bus handler (living on the same machine) can answer LookUpMasterRequests
// against the same authoritative state the Scheduler mutates on Remaster
// commit.
func (s *Scheduler) Index() *lookup.Index {
	return s.index
}

// HandleTransaction is the Interleaver's Drain callback: one SH or LO
// transaction, already in slot order, ready to be verified and scheduled
// (spec.md section 4.8).
func (s *Scheduler) HandleTransaction(txn *model.Transaction) {
	s.pending[txn.ID] = txn
	s.verifyAndAcquire(txn)
}

// verifyAndAcquire runs a pending transaction through the Remaster Manager,
// then (if valid) the lock manager.
func (s *Scheduler) verifyAndAcquire(txn *model.Transaction) {
	switch s.remMgr.VerifyMaster(txn) {
	case remaster.AbortInvalid:
		txn.Status = model.Aborted
		txn.AbortReason = model.AbortRemasterInvalid
		s.finishWithoutWorker(txn)
	case remaster.Waiting:
		// Stays in s.pending; remaster.Manager will resurface it via
		// RemasterOccurred once the counter it is waiting for commits.
	case remaster.Valid:
		s.acquireLocks(txn)
	}
}

// acquireLocks drives one transaction through the DDR lock manager,
// dispatching it to a Worker once every key lock it needs is granted.
func (s *Scheduler) acquireLocks(txn *model.Transaction) {
	switch s.lockMgr.AcceptTxnAndAcquireLocks(txn, 1) {
	case lockmgr.Acquired:
		if s.metrics != nil {
			s.metrics.LocksGranted.Add(context.Background(), int64(len(txn.Keys)))
		}
		s.dispatch(txn)
	case lockmgr.Waiting:
		// Remains queued; ReleaseLocks on some predecessor will report this
		// txn id as newly ready.
	case lockmgr.Abort:
		txn.Status = model.Aborted
		if txn.AbortReason == model.AbortNone {
			txn.AbortReason = model.AbortRemastered
		}
		s.finishWithoutWorker(txn)
	}
}

// dispatch hands a lock-acquired transaction to one of this machine's
// Workers, chosen by a fixed hash of the transaction id so repeated
// dispatch of the same id (there never is one, but defensively) would stay
// on the same worker.
func (s *Scheduler) dispatch(txn *model.Transaction) {
	if len(s.workers) == 0 {
		s.logger.Error("scheduler: no workers configured")
		return
	}
	w := s.workers[txn.ID%uint64(len(s.workers))]
	w.Dispatch(txn)
}

// onWorkerComplete is called inline by a Worker once a transaction reaches
// FINISH. It releases the transaction's locks, resumes anything that
// becomes ready as a result, and -- for a committed Remaster -- advances
// the Lookup-Master Index and unblocks/aborts anything the Remaster
// Manager was holding on this key.
func (s *Scheduler) onWorkerComplete(txn *model.Transaction) {
	delete(s.pending, txn.ID)
	s.recordOutcome(txn)

	if txn.IsRemaster() && txn.Status == model.Committed {
		s.applyRemaster(txn)
	}

	for _, readyID := range s.lockMgr.ReleaseLocks(txn.ID) {
		if next, ok := s.pending[readyID]; ok {
			// ReleaseLocks already confirms every lock next was waiting on is
			// granted; re-running it through the lock manager would
			// double-count its acceptance. Just dispatch.
			s.dispatch(next)
		}
	}
}

// applyRemaster advances the index for every key this transaction
// remastered, then resolves whatever the Remaster Manager was holding on
// those keys.
func (s *Scheduler) applyRemaster(txn *model.Transaction) {
	for key, entry := range txn.Keys {
		if entry.Type != model.Write || entry.Metadata == nil {
			continue
		}
		newCounter := entry.Metadata.Counter + 1
		s.index.Update(key, lookup.Metadata{Master: txn.Procedure.NewMaster, Counter: newCounter})

		unblocked, aborted := s.remMgr.RemasterOccurred(key, newCounter)
		for _, t := range unblocked {
			s.verifyAndAcquire(t)
		}
		for _, t := range aborted {
			t.Status = model.Aborted
			t.AbortReason = model.AbortRemastered
			s.finishWithoutWorker(t)
		}
	}
}

// finishWithoutWorker reports a transaction that never reached (or never
// needed) a Worker -- aborted on mastership grounds before any lock was
// acquired, or by a concurrent Remaster while queued.
func (s *Scheduler) finishWithoutWorker(txn *model.Transaction) {
	delete(s.pending, txn.ID)
	s.recordOutcome(txn)
	if err := s.sender.Send(txn.CoordinatingServer, model.ChannelServer, model.CompletedTransaction{Txn: txn}); err != nil {
		s.logger.Warn("scheduler: failed to notify coordinating server", zap.Error(err), zap.Uint64("txn_id", txn.ID))
	}
}

// recordOutcome reports an aborted transaction to the metrics registry,
// tagged by reason. Both completion paths -- via a Worker and short-circuit
// aborts that never reach one -- funnel through here.
func (s *Scheduler) recordOutcome(txn *model.Transaction) {
	if s.metrics == nil || txn.Status != model.Aborted {
		return
	}
	s.metrics.TxnsAborted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(txn.AbortReason))))
}

// OnRemoteReadResult routes an incoming remote-read envelope to the worker
// owning its transaction. Workers don't share state, so the Scheduler
// fans the message out to all of them; only the one actually waiting on
// this txn id acts on it.
func (s *Scheduler) OnRemoteReadResult(result model.RemoteReadResult) {
	for _, w := range s.workers {
		w.OnRemoteReadResult(result)
	}
}

// Stats reports a JSON-friendly snapshot for StatsResponse (spec.md
// section 6).
func (s *Scheduler) Stats() map[string]interface{} {
	stats := s.lockMgr.Stats()
	stats["NUM_PENDING_TXNS"] = len(s.pending)
	return stats
}
