package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func withMetadata(txn *Transaction, key Key, typ KeyType, master uint32, counter uint64) {
	txn.Keys[key] = KeyEntry{Type: typ, Metadata: &Metadata{Master: master, Counter: counter}}
}

func TestSetTransactionType_SingleHome(t *testing.T) {
	txn := NewTransaction(1, MachineID{})
	withMetadata(txn, "a", Read, 2, 0)
	withMetadata(txn, "b", Write, 2, 0)

	typ := SetTransactionType(txn)
	require.Equal(t, SingleHome, typ)
	require.Equal(t, int32(2), txn.Home)

	// Idempotent: calling again on the same metadata set yields the same
	// classification without mutating anything else.
	typ2 := SetTransactionType(txn)
	require.Equal(t, typ, typ2)
	require.Equal(t, int32(2), txn.Home)
}

func TestSetTransactionType_MultiHome(t *testing.T) {
	txn := NewTransaction(2, MachineID{})
	withMetadata(txn, "a", Read, 1, 0)
	withMetadata(txn, "b", Write, 2, 0)

	typ := SetTransactionType(txn)
	require.Equal(t, MultiHomeOrLockOnly, typ)
	require.Equal(t, int32(-1), txn.Home)
}

func TestSetTransactionType_UnknownUntilAllLookupsReturn(t *testing.T) {
	txn := NewTransaction(3, MachineID{})
	txn.Keys["a"] = KeyEntry{Type: Read} // no metadata yet

	require.Equal(t, Unknown, SetTransactionType(txn))
}

func TestSetTransactionType_RemasterAlwaysMultiHome(t *testing.T) {
	txn := NewTransaction(4, MachineID{})
	txn.Procedure = Procedure{Kind: ProcRemaster, NewMaster: 3}
	withMetadata(txn, "a", Write, 1, 0)

	require.Equal(t, MultiHomeOrLockOnly, SetTransactionType(txn))
	require.Equal(t, int32(-1), txn.Home)
}

func TestComputeInvolvedReplicas_SortedDeduplicated(t *testing.T) {
	txn := NewTransaction(5, MachineID{})
	withMetadata(txn, "a", Read, 3, 0)
	withMetadata(txn, "b", Write, 1, 0)
	withMetadata(txn, "c", Write, 3, 0)

	replicas := ComputeInvolvedReplicas(txn)
	require.Equal(t, []uint32{1, 3}, replicas)
}

func TestComputeInvolvedReplicas_RemasterIncludesNewMaster(t *testing.T) {
	txn := NewTransaction(6, MachineID{})
	txn.Procedure = Procedure{Kind: ProcRemaster, NewMaster: 9}
	withMetadata(txn, "a", Write, 1, 0)

	replicas := ComputeInvolvedReplicas(txn)
	require.Equal(t, []uint32{1, 9}, replicas)
}

func TestMakeLockOnly_ProjectsOnlyMasteredKeys(t *testing.T) {
	txn := NewTransaction(7, MachineID{})
	withMetadata(txn, "a", Read, 1, 0)
	withMetadata(txn, "b", Write, 2, 0)

	lo := MakeLockOnly(txn, 1)
	require.Contains(t, lo.Keys, Key("a"))
	require.NotContains(t, lo.Keys, Key("b"))
	require.Equal(t, int32(1), lo.Home)
}

func TestMakeLockOnly_RemasterCarriesOldAndNewMasterKeys(t *testing.T) {
	txn := NewTransaction(8, MachineID{})
	txn.Procedure = Procedure{Kind: ProcRemaster, NewMaster: 5}
	withMetadata(txn, "a", Write, 1, 0)

	oldMasterLO := MakeLockOnly(txn, 1)
	require.Contains(t, oldMasterLO.Keys, Key("a"))

	newMasterLO := MakeLockOnly(txn, 5)
	require.Contains(t, newMasterLO.Keys, Key("a"))
}

func TestPartitionByInvolvedReplicas_UnionEqualsOriginalKeySet(t *testing.T) {
	txn := NewTransaction(9, MachineID{})
	withMetadata(txn, "a", Read, 1, 0)
	withMetadata(txn, "b", Write, 2, 0)
	withMetadata(txn, "c", Write, 3, 0)
	ComputeInvolvedReplicas(txn)

	los := PartitionByInvolvedReplicas(txn)
	require.Len(t, los, 3)

	union := make(map[Key]struct{})
	for _, lo := range los {
		for k := range lo.Keys {
			union[k] = struct{}{}
		}
	}
	require.Len(t, union, len(txn.Keys))
	for k := range txn.Keys {
		require.Contains(t, union, k)
	}
}

func TestMergeTransaction_NilAccumulatorCopiesB(t *testing.T) {
	b := NewTransaction(10, MachineID{})
	b.Keys["a"] = KeyEntry{Type: Read}

	merged := MergeTransaction(nil, b)
	require.Equal(t, b.ID, merged.ID)
	require.Contains(t, merged.Keys, Key("a"))

	// Mutating merged must not alias b's map.
	merged.Keys["z"] = KeyEntry{Type: Write}
	require.NotContains(t, b.Keys, Key("z"))
}

func TestMergeTransaction_AbortAnywherePropagates(t *testing.T) {
	a := NewTransaction(11, MachineID{})
	a.Status = Committed
	b := NewTransaction(11, MachineID{})
	b.Status = Aborted
	b.AbortReason = AbortRemastered

	merged := MergeTransaction(a, b)
	require.Equal(t, Aborted, merged.Status)
	require.Equal(t, AbortRemastered, merged.AbortReason)
}

func TestMergeTransaction_CommitOnlyWhenNoPriorAbort(t *testing.T) {
	a := NewTransaction(12, MachineID{})
	a.Status = Aborted
	a.AbortReason = AbortRemasterInvalid
	b := NewTransaction(12, MachineID{})
	b.Status = Committed

	merged := MergeTransaction(a, b)
	require.Equal(t, Aborted, merged.Status, "an earlier abort must not be overwritten by a later commit")
	require.Equal(t, AbortRemasterInvalid, merged.AbortReason)
}

func TestMergeTransaction_MismatchedIDPanics(t *testing.T) {
	a := NewTransaction(13, MachineID{})
	b := NewTransaction(14, MachineID{})

	require.Panics(t, func() { MergeTransaction(a, b) })
}

func TestMergeTransaction_MismatchedTypePanics(t *testing.T) {
	a := NewTransaction(15, MachineID{})
	a.Type = SingleHome
	b := NewTransaction(15, MachineID{})
	b.Type = MultiHomeOrLockOnly

	require.Panics(t, func() { MergeTransaction(a, b) })
}
