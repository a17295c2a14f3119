package model

// ChannelID is the numeric, per-deployment-fixed module address used by the
// message bus to route envelopes (spec.md section 9, design notes). It is
// carried as plain configuration rather than a process-wide global.
type ChannelID int

const (
	ChannelServer ChannelID = iota + 1
	ChannelForwarder
	ChannelSequencer
	ChannelMHOrderer
	ChannelInterleaver
	ChannelScheduler
	ChannelLocalPaxos
	ChannelGlobalPaxos
	ChannelWorkerBase // worker N listens on ChannelWorkerBase+N
	ChannelBroker
	ChannelMax = 15
)

// ForwardTransaction is sent by the client-facing Server to the Forwarder to
// admit a new transaction.
type ForwardTransaction struct {
	Txn *Transaction
}

// LookUpMasterRequest asks a partition's Lookup-Master Index for the
// metadata of a set of keys.
type LookUpMasterRequest struct {
	TxnID     uint64
	FromReplica uint32
	FromPartition uint32
	Keys      []Key
}

// LookUpMasterResponse answers a LookUpMasterRequest. NewKeys lists keys the
// responding partition had never seen before (metadata defaulted to
// {0,0}), per spec.md section 4.1.
type LookUpMasterResponse struct {
	TxnID    uint64
	Metadata map[Key]Metadata
	NewKeys  []Key
}

// ForwardBatch carries either a Sequencer's batch payload or a committed
// batch order (slot assignment) between machines. SameOriginPosition is
// carried on the wire but not read by the Interleaver, which orders a
// queue's batches by BatchData.Position.
type ForwardBatch struct {
	BatchData           *Batch
	BatchOrder          *BatchOrder
	SameOriginPosition  uint64
}

// BatchOrder is the result of a (local or global) Paxos commit: batch
// `BatchID` on queue `QueueID` has been assigned log slot `Slot`.
type BatchOrder struct {
	Slot    uint64
	QueueID uint64
	BatchID uint64
}

// LocalQueueOrder is what the Interleaver actually consumes: a committed
// slot for one of its queues.
type LocalQueueOrder struct {
	Slot    uint64
	QueueID uint64
}

// RemoteReadResult is a Worker's local read exchange message: the sender's
// values for the keys it owns within a shared transaction.
type RemoteReadResult struct {
	TxnID uint64
	Keys  map[Key]Value
}

// CompletedTransaction is sent back to the coordinating server once a
// transaction finishes: by the Worker that ran it, or by the Scheduler for
// a txn aborted before reaching a Worker.
type CompletedTransaction struct {
	Txn *Transaction
}

// StatsRequest asks a module to report its internal counters.
type StatsRequest struct {
	Module ChannelID
	Level  uint32
}

// StatsResponse carries a module's stats as a freeform JSON-able map, mirroring
// the source's rapidjson::Document stats documents.
type StatsResponse struct {
	Module ChannelID
	JSON   map[string]interface{}
}
