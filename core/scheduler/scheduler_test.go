package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/lookup"
	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/core/storage"
)

func newTestScheduler(numWorkers int) (*Scheduler, *fakeSender) {
	sender := &fakeSender{}
	store := storage.New()
	cfg := Config{Self: model.MachineID{Replica: 0, Partition: 0}, NumPartitions: 1, NumWorkers: numWorkers}
	return New(cfg, sender, store, zap.NewNop()), sender
}

func completedFrom(sender *fakeSender, txnID uint64) (model.Transaction, bool) {
	for _, e := range sender.sent {
		if ct, ok := e.payload.(model.CompletedTransaction); ok && ct.Txn.ID == txnID {
			return *ct.Txn, true
		}
	}
	return model.Transaction{}, false
}

func TestScheduler_RemasterInvalidCounterAbortsBeforeLocking(t *testing.T) {
	sched, sender := newTestScheduler(1)
	sched.Index().Update("a", lookup.Metadata{Master: 1, Counter: 5})

	txn := model.NewTransaction(1, model.MachineID{Replica: 0, Partition: 0})
	txn.Keys["a"] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: 1, Counter: 2}}

	sched.HandleTransaction(txn)

	got, ok := completedFrom(sender, 1)
	require.True(t, ok)
	require.Equal(t, model.Aborted, got.Status)
	require.Equal(t, model.AbortRemasterInvalid, got.AbortReason)
}

func TestScheduler_SecondWriterWaitsThenRunsAfterFirstCompletes(t *testing.T) {
	sched, sender := newTestScheduler(1)

	first := model.NewTransaction(1, model.MachineID{Replica: 0, Partition: 0})
	first.Procedure = model.Procedure{Kind: model.ProcCode, Code: "SET a v1"}
	first.Keys["a"] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: 0, Counter: 0}}

	second := model.NewTransaction(2, model.MachineID{Replica: 0, Partition: 0})
	second.Procedure = model.Procedure{Kind: model.ProcCode, Code: "SET a v2"}
	second.Keys["a"] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: 0, Counter: 0}}

	sched.HandleTransaction(first)
	sched.HandleTransaction(second)

	firstDone, ok := completedFrom(sender, 1)
	require.True(t, ok)
	require.Equal(t, model.Committed, firstDone.Status)

	secondDone, ok := completedFrom(sender, 2)
	require.True(t, ok, "the second writer must run to completion once the first releases its lock")
	require.Equal(t, model.Committed, secondDone.Status)
}

func TestScheduler_RemasterCommitUnblocksWaitingReader(t *testing.T) {
	sched, sender := newTestScheduler(1)

	remaster := model.NewTransaction(1, model.MachineID{Replica: 0, Partition: 0})
	remaster.Procedure = model.Procedure{Kind: model.ProcRemaster, NewMaster: 2}
	remaster.Keys["a"] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: 0, Counter: 0}}

	aheadReader := model.NewTransaction(2, model.MachineID{Replica: 0, Partition: 0})
	aheadReader.Keys["a"] = model.KeyEntry{Type: model.Read, Metadata: &model.Metadata{Master: 2, Counter: 1}}

	// The reader arrives carrying the post-remaster metadata before the
	// remaster itself has been scheduled; it must wait, not abort.
	sched.HandleTransaction(aheadReader)
	_, done := completedFrom(sender, 2)
	require.False(t, done, "a txn carrying a newer counter than the index must wait, not run")

	sched.HandleTransaction(remaster)

	remasterDone, ok := completedFrom(sender, 1)
	require.True(t, ok)
	require.Equal(t, model.Committed, remasterDone.Status)

	readerDone, ok := completedFrom(sender, 2)
	require.True(t, ok, "the waiting reader must be resurfaced once the remaster it was waiting for commits")
	require.Equal(t, model.Committed, readerDone.Status)
}
