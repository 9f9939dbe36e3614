package pkg

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEntryRemoved is returned when an entry was evicted or removed while an
	// operation held a reference to it. Callers must refetch the entry and restart.
	ErrEntryRemoved = errors.New("entry removed")

	// ErrOptimisticConflict is returned when an optimistic transaction observes a
	// concurrent write to a key it touched.
	ErrOptimisticConflict = errors.New("optimistic conflict")

	// ErrTimeout is returned when a lock or commit wait exceeds its timeout
	ErrTimeout = errors.New("operation timed out")

	// ErrIllegalState is returned on an invalid transaction state transition
	ErrIllegalState = errors.New("illegal state")

	// ErrRollbackOnly is returned when a transaction marked rollback-only is committed
	ErrRollbackOnly = errors.New("transaction is rollback-only")

	// ErrTxUnknown is returned when a commit failed half way. The outcome requires
	// manual recovery.
	ErrTxUnknown = errors.New("transaction outcome unknown")

	// ErrFatalConfiguration is returned when the affinity function cannot resolve or
	// serialize a node hash identity.
	ErrFatalConfiguration = errors.New("fatal configuration error")
)

// TxError describes a transaction failure. It unwraps to the underlying kind so
// callers can match it with errors.Is.
type TxError struct {
	TxID  string
	State string
	Err   error
}

// NewTxError wraps err with the transaction id and the state it ended in.
func NewTxError(txID, state string, err error) *TxError {
	return &TxError{TxID: txID, State: state, Err: err}
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s (%s): %v", e.TxID, e.State, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the whole operation may be retried from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEntryRemoved) ||
		errors.Is(err, ErrOptimisticConflict) ||
		errors.Is(err, ErrTimeout)
}
