package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeBatchUnbatch_RoundTrip(t *testing.T) {
	txns := []*Transaction{
		NewTransaction(1, MachineID{Replica: 0, Partition: 0}),
		NewTransaction(2, MachineID{Replica: 0, Partition: 0}),
		NewTransaction(3, MachineID{Replica: 0, Partition: 0}),
	}

	batch := MakeBatch(42, 7, 3, SingleHomeBatch, txns)
	require.Equal(t, uint64(42), batch.ID)
	require.Equal(t, uint64(7), batch.QueueID)
	require.Equal(t, uint64(3), batch.Position)

	got := Unbatch(batch)
	require.Equal(t, len(txns), len(got))
	for i, txn := range txns {
		require.Same(t, txn, got[i], "Unbatch must preserve order and identity")
	}

	for _, txn := range txns {
		require.Len(t, txn.Events, 1)
		require.Equal(t, "batched", txn.Events[0].Name)
	}
}

func TestMakeBatch_DoesNotAliasInputSlice(t *testing.T) {
	txns := []*Transaction{NewTransaction(1, MachineID{})}
	batch := MakeBatch(1, 0, 0, SingleHomeBatch, txns)

	txns[0] = NewTransaction(99, MachineID{})
	require.Equal(t, uint64(1), batch.Txns[0].ID, "Batch.Txns must not alias the caller's backing array")
}
