// Package model defines the wire-visible and in-memory types shared by every
// SLOG module: keys, records, transactions, batches and the envelopes that
// carry them across the message bus.
package model

import "sort"

// Key identifies a record. Keys are treated as opaque byte strings but kept
// as Go strings so they can be used directly as map keys.
type Key = string

// Value is the payload stored for a Key.
type Value = []byte

// MachineID addresses one (replica, partition) machine in the deployment
// matrix.
type MachineID struct {
	Replica   uint32
	Partition uint32
}

// Metadata is the mastership record attached to every key: which replica
// currently masters it, and how many times it has been remastered.
type Metadata struct {
	Master  uint32
	Counter uint64
}

// Equal reports whether two metadata values describe the same master and
// counter.
func (m Metadata) Equal(other Metadata) bool {
	return m.Master == other.Master && m.Counter == other.Counter
}

// Record is what the storage engine keeps for one key.
type Record struct {
	Value    Value
	Metadata Metadata
}

// KeyType distinguishes a read from a write access within a transaction.
type KeyType int

const (
	Read KeyType = iota
	Write
)

// KeyEntry is a transaction's view of one of its keys: the access type, the
// value(s) involved, and the metadata collected during forwarding.
type KeyEntry struct {
	Type     KeyType
	Value    Value
	NewValue Value
	Metadata *Metadata // nil until the Forwarder's lookup completes
}

// ProcedureKind distinguishes ordinary stored-procedure transactions from
// the distinguished Remaster operation.
type ProcedureKind int

const (
	ProcCode ProcedureKind = iota
	ProcRemaster
)

// Procedure is the executable body of a transaction: either stored-procedure
// source code, or a Remaster directive.
type Procedure struct {
	Kind      ProcedureKind
	Code      string
	NewMaster uint32 // valid when Kind == ProcRemaster
}

// TxnType is the derived classification of a transaction (see SetTransactionType).
type TxnType int

const (
	Unknown TxnType = iota
	SingleHome
	MultiHomeOrLockOnly
)

func (t TxnType) String() string {
	switch t {
	case SingleHome:
		return "SINGLE_HOME"
	case MultiHomeOrLockOnly:
		return "MULTI_HOME_OR_LOCK_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Status is the terminal (or in-flight) disposition of a transaction.
type Status int

const (
	NotStarted Status = iota
	Committed
	Aborted
)

// AbortReason enumerates the abstract error kinds from spec.md section 7.
type AbortReason string

const (
	AbortNone            AbortReason = ""
	AbortRemastered      AbortReason = "REMASTERED"
	AbortRemasterInvalid AbortReason = "REMASTER_INVALID"
	AbortExecute         AbortReason = "ABORT_EXECUTE"
	AbortMergeConflict   AbortReason = "ABORT_MERGE_CONFLICT"
)

// Event is a single tracing breadcrumb attached to a transaction as it moves
// through the pipeline; surfaced back to the client for observability.
type Event struct {
	Name   string
	Detail string
}

// Transaction is the logical, (mostly) immutable record of one client
// operation as it moves through Forwarder -> Sequencer/Orderer ->
// Interleaver -> Scheduler -> Worker.
type Transaction struct {
	ID        uint64
	Keys      map[Key]KeyEntry
	Procedure Procedure

	CoordinatingServer MachineID

	Type TxnType
	Home int32 // -1 for MH

	InvolvedReplicas   []uint32 // sorted, deduplicated
	InvolvedPartitions map[uint32]struct{}
	ActivePartitions   map[uint32]struct{} // partitions holding at least one write

	Status      Status
	AbortReason AbortReason
	Events      []Event
}

// NewTransaction allocates a Transaction with its map/slice fields ready for
// use.
func NewTransaction(id uint64, coordinator MachineID) *Transaction {
	return &Transaction{
		ID:                 id,
		Keys:               make(map[Key]KeyEntry),
		CoordinatingServer: coordinator,
		Home:               -1,
		InvolvedPartitions: make(map[uint32]struct{}),
		ActivePartitions:   make(map[uint32]struct{}),
	}
}

// AddEvent appends a tracing breadcrumb.
func (t *Transaction) AddEvent(name, detail string) {
	t.Events = append(t.Events, Event{Name: name, Detail: detail})
}

// SortedKeys returns the transaction's keys in a deterministic order, which
// several modules (lock acquisition order within a txn, in particular) rely
// on for reproducibility across replicas.
func (t *Transaction) SortedKeys() []Key {
	keys := make([]Key, 0, len(t.Keys))
	for k := range t.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsRemaster reports whether this transaction's procedure is a Remaster.
func (t *Transaction) IsRemaster() bool {
	return t.Procedure.Kind == ProcRemaster
}
