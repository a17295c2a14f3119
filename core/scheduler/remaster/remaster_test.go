package remaster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/core/lookup"
	"github.com/slogdb/slog/core/model"
)

func txnWithCounter(id uint64, key model.Key, master uint32, counter uint64) *model.Transaction {
	txn := model.NewTransaction(id, model.MachineID{})
	txn.Keys[key] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: master, Counter: counter}}
	return txn
}

func TestVerifyMaster_ValidWhenCounterMatches(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 3})
	m := New(idx)

	txn := txnWithCounter(1, "a", 1, 3)
	require.Equal(t, Valid, m.VerifyMaster(txn))
}

func TestVerifyMaster_AbortsWhenCarriedCounterIsStale(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 5})
	m := New(idx)

	txn := txnWithCounter(1, "a", 1, 3)
	require.Equal(t, AbortInvalid, m.VerifyMaster(txn))
}

func TestVerifyMaster_WaitsWhenCarriedCounterIsAhead(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 3})
	m := New(idx)

	txn := txnWithCounter(1, "a", 1, 4)
	require.Equal(t, Waiting, m.VerifyMaster(txn))
}

func TestRemasterOccurred_UnblocksMatchingFIFOOrder(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 3})
	m := New(idx)

	first := txnWithCounter(1, "a", 1, 4)
	second := txnWithCounter(2, "a", 1, 4)
	require.Equal(t, Waiting, m.VerifyMaster(first))
	require.Equal(t, Waiting, m.VerifyMaster(second))

	unblocked, aborted := m.RemasterOccurred("a", 4)
	require.Empty(t, aborted)
	require.Equal(t, []*model.Transaction{first, second}, unblocked, "wait queue must drain in submission (FIFO) order")
}

func TestRemasterOccurred_AbortsTxnsLeftBehindByCounter(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 3})
	m := New(idx)

	stale := txnWithCounter(1, "a", 1, 4)
	require.Equal(t, Waiting, m.VerifyMaster(stale))

	// A faster-arriving remaster jumps the counter past what `stale` was
	// waiting for.
	unblocked, aborted := m.RemasterOccurred("a", 5)
	require.Empty(t, unblocked)
	require.Equal(t, []*model.Transaction{stale}, aborted)
}

func TestRemasterOccurred_LeavesStillAheadEntriesQueued(t *testing.T) {
	idx := lookup.New()
	idx.Update("a", lookup.Metadata{Master: 1, Counter: 3})
	m := New(idx)

	farAhead := txnWithCounter(1, "a", 1, 10)
	require.Equal(t, Waiting, m.VerifyMaster(farAhead))

	unblocked, aborted := m.RemasterOccurred("a", 4)
	require.Empty(t, unblocked)
	require.Empty(t, aborted)

	unblocked, aborted = m.RemasterOccurred("a", 10)
	require.Equal(t, []*model.Transaction{farAhead}, unblocked)
	require.Empty(t, aborted)
}

func TestRemasterOccurred_EmptyQueueIsNoop(t *testing.T) {
	idx := lookup.New()
	m := New(idx)
	unblocked, aborted := m.RemasterOccurred("never-seen", 1)
	require.Empty(t, unblocked)
	require.Empty(t, aborted)
}
