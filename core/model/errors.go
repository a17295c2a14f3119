package model

import "errors"

// Sentinel errors for the abstract abort kinds named in the error-handling
// design: a Worker or the Remaster Manager sets Transaction.AbortReason to
// the matching value; these errors are what Go code returns/wraps along the
// way.
var (
	ErrRemastered      = errors.New("txn observed stale key metadata during read")
	ErrRemasterInvalid = errors.New("txn remaster counter is behind the lookup index")
	ErrExecuteFailed   = errors.New("stored procedure execution failed")
	ErrMergeConflict   = errors.New("sub-transaction results contradict during merge")

	ErrUnknownChannel  = errors.New("envelope arrived on a nonexistent channel")
	ErrTxnIDMismatch   = errors.New("transaction id mismatch during merge")
	ErrTxnTypeMismatch = errors.New("transaction type mismatch during merge")
	ErrLOTxnNotAccepted = errors.New("lock acquisition requested for a lock-only txn that was never accepted")
)
