package model

// ClientKey is one key a client declares as part of a submitted
// transaction: its access type and, for a write, the value the stored
// procedure may read as its starting point.
type ClientKey struct {
	Key   Key
	Type  KeyType
	Value Value
}

// ClientTransaction is the wire shape a client submits to the Server
// module (spec.md section 4, "a client submits a transaction naming the
// keys it touches and a stored procedure"). It carries no mastership
// metadata -- the Forwarder fills that in.
type ClientTransaction struct {
	Keys      []ClientKey
	Procedure Procedure
}

// ClientResult is what the Server module hands back once the
// transaction's CompletedTransaction has arrived: the final status and
// the values of every key the client declared as a read.
type ClientResult struct {
	TxnID       uint64
	Status      Status
	AbortReason AbortReason
	Values      map[Key]Value
}
