package mhorderer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
)

type fakeProposer struct {
	proposed [][]byte
}

func (f *fakeProposer) Propose(value []byte, timeout time.Duration) error {
	f.proposed = append(f.proposed, value)
	return nil
}

func (f *fakeProposer) IsLeader() bool { return true }

type fakeBroadcaster struct {
	batches []*model.Batch
	orders  []model.BatchOrder
}

func (f *fakeBroadcaster) ReplicateBatch(batch *model.Batch) error {
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeBroadcaster) BroadcastBatchOrder(order model.BatchOrder) error {
	f.orders = append(f.orders, order)
	return nil
}

func TestEnqueue_OnNonLeaderIsRejected(t *testing.T) {
	bc := &fakeBroadcaster{}
	o := New(model.MachineID{}, false, time.Millisecond, nil, bc, zap.NewNop())

	o.Enqueue(model.NewTransaction(1, model.MachineID{}))
	o.CutBatch()

	require.Empty(t, bc.batches, "a non-leader partition must never cut an MH batch")
}

func TestCutBatch_UsesTheWellKnownMHQueue(t *testing.T) {
	proposer := &fakeProposer{}
	bc := &fakeBroadcaster{}
	o := New(model.MachineID{}, true, time.Millisecond, proposer, bc, zap.NewNop())

	txn := model.NewTransaction(1, model.MachineID{})
	o.Enqueue(txn)
	o.CutBatch()

	require.Len(t, bc.batches, 1)
	require.Equal(t, MHQueueID, bc.batches[0].QueueID)
	require.Equal(t, model.MultiHomeBatch, bc.batches[0].Type)
	require.Same(t, txn, bc.batches[0].Txns[0])

	require.Len(t, proposer.proposed, 1)
	require.Equal(t, uint64(0), DecodeBatchID(proposer.proposed[0]))
}

func TestCutBatch_EmptyBufferIsNoop(t *testing.T) {
	proposer := &fakeProposer{}
	bc := &fakeBroadcaster{}
	o := New(model.MachineID{}, true, time.Millisecond, proposer, bc, zap.NewNop())

	o.CutBatch()

	require.Empty(t, bc.batches)
	require.Empty(t, proposer.proposed)
}

func TestOnGlobalCommit_BroadcastsSlotAndBatchID(t *testing.T) {
	bc := &fakeBroadcaster{}
	o := New(model.MachineID{}, true, time.Millisecond, &fakeProposer{}, bc, zap.NewNop())

	o.OnGlobalCommit(5, 3)

	require.Equal(t, []model.BatchOrder{{Slot: 5, QueueID: MHQueueID, BatchID: 3}}, bc.orders)
}

func TestEncodeDecodeBatchID_RoundTrip(t *testing.T) {
	require.Equal(t, uint64(123456), DecodeBatchID(encodeBatchID(123456)))
}
