package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/core/model"
)

func writeTxn(id uint64, key model.Key, master uint32) *model.Transaction {
	txn := model.NewTransaction(id, model.MachineID{})
	txn.Keys[key] = model.KeyEntry{Type: model.Write, Metadata: &model.Metadata{Master: master}}
	return txn
}

func readTxn(id uint64, key model.Key, master uint32) *model.Transaction {
	txn := model.NewTransaction(id, model.MachineID{})
	txn.Keys[key] = model.KeyEntry{Type: model.Read, Metadata: &model.Metadata{Master: master}}
	return txn
}

func TestAcquireLocks_FirstWriterAcquiresImmediately(t *testing.T) {
	m := New()
	txn := writeTxn(1, "a", 0)
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(txn, 1))
}

func TestAcquireLocks_SecondWriterWaitsBehindFirst(t *testing.T) {
	m := New()
	first := writeTxn(1, "a", 0)
	second := writeTxn(2, "a", 0)

	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(first, 1))
	require.Equal(t, Waiting, m.AcceptTxnAndAcquireLocks(second, 1))

	// Releasing the first unblocks exactly the second.
	ready := m.ReleaseLocks(first.ID)
	require.Equal(t, []uint64{second.ID}, ready)
}

func TestAcquireLocks_ConcurrentReadersAllAcquire(t *testing.T) {
	m := New()
	r1 := readTxn(1, "a", 0)
	r2 := readTxn(2, "a", 0)
	r3 := readTxn(3, "a", 0)

	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(r1, 1))
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(r2, 1))
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(r3, 1))
}

func TestAcquireLocks_WriterWaitsBehindAllLiveReaders(t *testing.T) {
	m := New()
	r1 := readTxn(1, "a", 0)
	r2 := readTxn(2, "a", 0)
	w := writeTxn(3, "a", 0)

	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(r1, 1))
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(r2, 1))
	require.Equal(t, Waiting, m.AcceptTxnAndAcquireLocks(w, 1))

	require.Empty(t, m.ReleaseLocks(r1.ID), "one remaining live reader must still block the writer")
	ready := m.ReleaseLocks(r2.ID)
	require.Equal(t, []uint64{w.ID}, ready)
}

func TestAcquireLocks_StalePredecessorIgnoredAfterRelease(t *testing.T) {
	// Grounds the lazy-cleanup invariant (spec.md section 9): once a
	// predecessor's txnInfo is gone, a later dependency never references it.
	m := New()
	first := writeTxn(1, "a", 0)
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(first, 1))
	require.Empty(t, m.ReleaseLocks(first.ID))

	second := writeTxn(2, "a", 0)
	require.Equal(t, Acquired, m.AcceptTxnAndAcquireLocks(second, 1),
		"a queue tail referencing an already-released txn must not block new arrivals")
}

func TestLockGraph_IsAcyclic(t *testing.T) {
	// A chain of writers on the same key forms a strictly increasing
	// dependency chain; releasing in arrival order must unblock exactly one
	// new txn at a time, never re-surfacing an earlier one (which would
	// indicate a cycle).
	m := New()
	const n = 5
	txns := make([]*model.Transaction, n)
	for i := 0; i < n; i++ {
		txns[i] = writeTxn(uint64(i+1), "a", 0)
		want := Acquired
		if i > 0 {
			want = Waiting
		}
		require.Equal(t, want, m.AcceptTxnAndAcquireLocks(txns[i], 1))
	}

	for i := 0; i < n-1; i++ {
		ready := m.ReleaseLocks(txns[i].ID)
		require.Equal(t, []uint64{txns[i+1].ID}, ready)
	}
	require.Empty(t, m.ReleaseLocks(txns[n-1].ID))
}

func TestMarkAborted_FutureAcquireReturnsAbort(t *testing.T) {
	m := New()
	txn := writeTxn(1, "a", 0)
	m.AcceptTransaction(txn.ID, 1)
	m.MarkAborted(txn.ID)

	require.Equal(t, Abort, m.AcquireLocks(txn))
}

func TestAcquireLocks_PanicsWhenTxnNotAccepted(t *testing.T) {
	m := New()
	txn := writeTxn(1, "a", 0)
	require.Panics(t, func() { m.AcquireLocks(txn) })
}
