package model

// BatchType distinguishes the single-home queues (one per machine's
// Sequencer) from the distinguished multi-home queue produced by the
// Multi-Home Orderer.
type BatchType int

const (
	SingleHomeBatch BatchType = iota
	MultiHomeBatch
)

// Batch is a group of transactions assembled by a Sequencer (or the
// Multi-Home Orderer) and proposed as a single Paxos value.
type Batch struct {
	ID    uint64
	Txns  []*Transaction
	Type  BatchType
	// QueueID identifies the lane this batch belongs to: a machine-local
	// Sequencer queue, or the well-known MH queue.
	QueueID uint64
	// Position is this batch's sequence number within its queue, used by
	// the Interleaver to release same-queue batches in order.
	Position uint64
}

// MakeBatch groups txns into a Batch, stamping every txn with a
// "batched" tracing event. Unbatch reverses this losslessly (testable
// property 3): the returned slice has the same order and content as the
// input, with the batch event appended to each txn.
func MakeBatch(id uint64, queueID uint64, position uint64, batchType BatchType, txns []*Transaction) *Batch {
	b := &Batch{
		ID:       id,
		Txns:     append([]*Transaction(nil), txns...),
		Type:     batchType,
		QueueID:  queueID,
		Position: position,
	}
	for _, t := range b.Txns {
		t.AddEvent("batched", "")
	}
	return b
}

// Unbatch returns the batch's transactions in their original order.
func Unbatch(b *Batch) []*Transaction {
	return append([]*Transaction(nil), b.Txns...)
}
