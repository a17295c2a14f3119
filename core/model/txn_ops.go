package model

import "sort"

// SetTransactionType classifies a transaction as SINGLE_HOME or
// MULTI_HOME_OR_LOCK_ONLY based purely on the master metadata of its keys.
// It is idempotent: calling it twice on the same key/metadata set yields the
// same result and does not otherwise mutate the transaction.
//
// A Remaster is always treated as multi-home so that both its old and new
// master replicas participate in ordering it (spec.md section 4, open
// question: mirror the counterful semantics and only fan out when old !=
// new master -- handled by the caller constructing InvolvedReplicas, not
// here).
func SetTransactionType(txn *Transaction) TxnType {
	if txn.IsRemaster() {
		txn.Type = MultiHomeOrLockOnly
		txn.Home = -1
		return txn.Type
	}

	var masters map[uint32]struct{}
	for _, key := range txn.SortedKeys() {
		entry := txn.Keys[key]
		if entry.Metadata == nil {
			// Not all metadata collected yet; caller must not classify.
			txn.Type = Unknown
			return Unknown
		}
		if masters == nil {
			masters = make(map[uint32]struct{})
		}
		masters[entry.Metadata.Master] = struct{}{}
	}

	if len(masters) <= 1 {
		txn.Type = SingleHome
		for m := range masters {
			txn.Home = int32(m)
		}
		return txn.Type
	}

	txn.Type = MultiHomeOrLockOnly
	txn.Home = -1
	return txn.Type
}

// ComputeInvolvedReplicas derives the sorted, deduplicated set of master
// replicas touched by the transaction's keys. For a Remaster it is the set
// of {old master, new master}, collapsed to one entry when they match (see
// SetTransactionType's doc comment on the open question).
func ComputeInvolvedReplicas(txn *Transaction) []uint32 {
	set := make(map[uint32]struct{})
	for _, entry := range txn.Keys {
		if entry.Metadata != nil {
			set[entry.Metadata.Master] = struct{}{}
		}
	}
	if txn.IsRemaster() {
		set[txn.Procedure.NewMaster] = struct{}{}
	}
	replicas := make([]uint32, 0, len(set))
	for r := range set {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	txn.InvolvedReplicas = replicas
	return replicas
}

// MakeLockOnly projects a multi-home transaction down to the keys mastered
// at `replica`, producing the Lock-Only sub-transaction used to acquire
// locks at that one home. For a Remaster, the LO carries both the old and
// new KeyReplica so the DDR lock manager can serialize concurrent
// remasters of the same key.
func MakeLockOnly(txn *Transaction, replica uint32) *Transaction {
	lo := NewTransaction(txn.ID, txn.CoordinatingServer)
	lo.Procedure = txn.Procedure
	lo.Type = MultiHomeOrLockOnly
	lo.Home = int32(replica)
	// Carried through so the coordinating server's Server.OnCompletedTransaction
	// knows how many LO completions to fold together via MergeTransaction
	// before resolving the waiting client (spec.md section 4, "Propagation").
	lo.InvolvedReplicas = append([]uint32(nil), txn.InvolvedReplicas...)

	for key, entry := range txn.Keys {
		if entry.Metadata == nil {
			continue
		}
		if entry.Metadata.Master == replica {
			lo.Keys[key] = entry
		}
		if txn.IsRemaster() && txn.Procedure.NewMaster == replica {
			lo.Keys[key] = entry
		}
	}
	return lo
}

// PartitionByInvolvedReplicas returns one Lock-Only sub-transaction per
// involved replica of a multi-home transaction. Invariant 2 (spec.md
// section 3) holds: the union of the returned LOs' key sets equals the
// original transaction's key set.
func PartitionByInvolvedReplicas(txn *Transaction) []*Transaction {
	replicas := txn.InvolvedReplicas
	if len(replicas) == 0 {
		replicas = ComputeInvolvedReplicas(txn)
	}
	los := make([]*Transaction, 0, len(replicas))
	for _, r := range replicas {
		los = append(los, MakeLockOnly(txn, r))
	}
	return los
}

// MergeTransaction folds the result of one participant sub-transaction (b)
// into the coordinator's accumulated view (a). A nil a is treated as an
// empty accumulator rooted at b's identity.
//
// Fatal conditions (panics, per the error-handling design): a and b carry
// different IDs, or different Types when neither Type is unknown.
func MergeTransaction(a, b *Transaction) *Transaction {
	if a == nil {
		merged := *b
		merged.Keys = make(map[Key]KeyEntry, len(b.Keys))
		for k, v := range b.Keys {
			merged.Keys[k] = v
		}
		merged.Events = append([]Event(nil), b.Events...)
		return &merged
	}

	if a.ID != b.ID {
		panic(ErrTxnIDMismatch)
	}
	if a.Type != Unknown && b.Type != Unknown && a.Type != b.Type {
		panic(ErrTxnTypeMismatch)
	}

	for k, v := range b.Keys {
		a.Keys[k] = v
	}
	a.Events = append(a.Events, b.Events...)

	// An abort anywhere aborts the whole transaction, regardless of a's
	// current status (testable property 5).
	if b.Status == Aborted {
		a.Status = Aborted
		if a.AbortReason == AbortNone {
			a.AbortReason = b.AbortReason
		}
	} else if a.Status != Aborted && b.Status == Committed {
		a.Status = Committed
	}

	return a
}
