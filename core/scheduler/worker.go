package scheduler

import (
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/core/proc"
)

// Phase is a transaction's position in the Worker's state machine.
//
// Grounded on _examples/original_source/module/scheduler_components/worker.h.
type Phase int

const (
	PhaseReadLocalStorage Phase = iota
	PhaseWaitRemoteRead
	PhaseExecute
	PhaseCommit
	PhaseFinish
)

// txnState tracks one in-flight transaction's progress through the Worker.
type txnState struct {
	txn                  *model.Transaction
	phase                Phase
	remoteReadsWaitingOn int
	otherPartitions      map[uint32]struct{}
}

// Sender is the bus dependency a Worker uses to exchange remote reads with
// other partitions of its own replica and to report completion.
type Sender interface {
	Send(to model.MachineID, channel model.ChannelID, payload interface{}) error
}

// Worker executes and commits the transactions the Scheduler dispatches to
// it, advancing each one through READ_LOCAL_STORAGE, WAIT_REMOTE_READ,
// EXECUTE, COMMIT and FINISH exactly as spec.md section 4.9 describes.
type Worker struct {
	self          model.MachineID
	numPartitions uint32
	channel       model.ChannelID

	sender  Sender
	storage Store
	logger  *zap.Logger

	// onComplete is invoked once a transaction reaches FINISH, so the
	// Scheduler (running in the same process) can release its locks.
	onComplete func(txn *model.Transaction)

	states map[uint64]*txnState
}

// NewWorker creates a Worker bound to one worker channel
// (model.ChannelWorkerBase + worker_num, per spec.md section 4.9).
func NewWorker(self model.MachineID, numPartitions uint32, channel model.ChannelID, sender Sender, store Store, onComplete func(txn *model.Transaction), logger *zap.Logger) *Worker {
	return &Worker{
		self:          self,
		numPartitions: numPartitions,
		channel:       channel,
		sender:        sender,
		storage:       store,
		onComplete:    onComplete,
		logger:        logger,
		states:        make(map[uint64]*txnState),
	}
}

func partitionOf(key model.Key, numPartitions uint32) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return h % numPartitions
}

// Dispatch hands the Worker a lock-acquired transaction to run. It always
// starts at READ_LOCAL_STORAGE.
func (w *Worker) Dispatch(txn *model.Transaction) {
	st := &txnState{txn: txn, phase: PhaseReadLocalStorage, otherPartitions: make(map[uint32]struct{})}
	w.states[txn.ID] = st
	w.advance(st)
}

// OnRemoteReadResult applies a remote partition's values into a
// WAIT_REMOTE_READ transaction's buffer, advancing it once every expected
// partition has reported.
func (w *Worker) OnRemoteReadResult(result model.RemoteReadResult) {
	st, ok := w.states[result.TxnID]
	if !ok || st.phase != PhaseWaitRemoteRead {
		return
	}
	for key, val := range result.Keys {
		entry, ok := st.txn.Keys[key]
		if !ok {
			continue
		}
		entry.Value = val
		st.txn.Keys[key] = entry
	}
	st.remoteReadsWaitingOn--
	if st.remoteReadsWaitingOn <= 0 {
		st.phase = PhaseExecute
		w.advance(st)
	}
}

// advance drives a transaction through as many phases as it can complete
// synchronously, stopping when it must wait on remote data.
func (w *Worker) advance(st *txnState) {
	for {
		switch st.phase {
		case PhaseReadLocalStorage:
			w.readLocalStorage(st)
			if st.phase == PhaseWaitRemoteRead {
				return
			}
		case PhaseExecute:
			w.execute(st)
		case PhaseCommit:
			w.commit(st)
		case PhaseFinish:
			w.finish(st)
			return
		default:
			return
		}
	}
}

// readLocalStorage reads every key stored on this partition (by
// partitionOf's hash), buffers it into
// the txn, and fans the results out to every other partition also involved
// in this transaction (spec.md section 4.9).
func (w *Worker) readLocalStorage(st *txnState) {
	txn := st.txn
	local := make(map[model.Key]model.Value)

	for _, key := range txn.SortedKeys() {
		p := partitionOf(key, w.numPartitions)
		if p == w.self.Partition {
			entry := txn.Keys[key]
			if rec, ok := w.storage.Get(key); ok {
				// The Remaster Manager verified mastership at schedule time, but a
				// concurrent Remaster can still land between lock acquisition
				// and this read; catch it here rather than execute on stale
				// data (spec.md section 4.9).
				if entry.Metadata != nil && !rec.Metadata.Equal(*entry.Metadata) {
					txn.Status = model.Aborted
					txn.AbortReason = model.AbortRemastered
					txn.AddEvent("stale_read", key)
					st.phase = PhaseFinish
					return
				}
				entry.Value = rec.Value
			}
			txn.Keys[key] = entry
			local[key] = entry.Value
		} else {
			st.otherPartitions[p] = struct{}{}
		}
	}

	if len(st.otherPartitions) == 0 {
		st.phase = PhaseExecute
		return
	}

	for p := range st.otherPartitions {
		to := model.MachineID{Replica: w.self.Replica, Partition: p}
		result := model.RemoteReadResult{TxnID: txn.ID, Keys: local}
		if err := w.sender.Send(to, model.ChannelWorkerBase, result); err != nil {
			w.logger.Warn("worker: failed to send remote read result", zap.Error(err), zap.Any("to", to))
		}
	}

	st.remoteReadsWaitingOn = len(st.otherPartitions)
	st.phase = PhaseWaitRemoteRead
}

// execute runs the transaction's stored procedure (or, for a Remaster,
// skips straight to commit -- there is no code to run).
func (w *Worker) execute(st *txnState) {
	txn := st.txn
	if !txn.IsRemaster() {
		if err := proc.Execute(txn); err != nil {
			txn.Status = model.Aborted
			txn.AbortReason = model.AbortExecute
			txn.AddEvent("execute_failed", err.Error())
			st.phase = PhaseFinish
			return
		}
	}
	st.phase = PhaseCommit
}

// commit applies the transaction's writes to the keys stored on this
// partition, or, for a Remaster, rewrites those keys' metadata.
func (w *Worker) commit(st *txnState) {
	txn := st.txn
	if txn.Status != model.Aborted {
		for key, entry := range txn.Keys {
			if partitionOf(key, w.numPartitions) != w.self.Partition {
				continue
			}
			if entry.Type != model.Write {
				continue
			}
			if txn.IsRemaster() {
				counter := uint64(0)
				if entry.Metadata != nil {
					counter = entry.Metadata.Counter
				}
				w.storage.UpdateMetadata(key, model.Metadata{Master: txn.Procedure.NewMaster, Counter: counter + 1})
				continue
			}
			if entry.NewValue == nil {
				w.storage.Delete(key)
				continue
			}
			var md model.Metadata
			if entry.Metadata != nil {
				md = *entry.Metadata
			}
			w.storage.Put(key, model.Record{Value: entry.NewValue, Metadata: md})
		}
		txn.Status = model.Committed
	}
	st.phase = PhaseFinish
}

// finish reports completion and drops the transaction's worker-local state.
func (w *Worker) finish(st *txnState) {
	txn := st.txn
	delete(w.states, txn.ID)

	if w.onComplete != nil {
		w.onComplete(txn)
	}

	if err := w.sender.Send(txn.CoordinatingServer, model.ChannelServer, model.CompletedTransaction{Txn: txn}); err != nil {
		w.logger.Warn("worker: failed to notify coordinating server", zap.Error(err), zap.Uint64("txn_id", txn.ID))
	}
}
