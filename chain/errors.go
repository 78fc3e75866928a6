package chain

import (
	"fmt"

	"github.com/tolchain/tolchain/core"
)

// ErrorKind enumerates §7's block/controller-facing error kinds. Stage 4.4's
// transaction-facing kinds are reported directly as *validation.Error and
// are not duplicated here; Error wraps them unchanged when a transaction
// fails during block application.
type ErrorKind string

const (
	ErrInvalidBlockHeader    ErrorKind = "InvalidBlockHeader"
	ErrUnknownParent         ErrorKind = "UnknownParent"
	ErrBadSignature          ErrorKind = "BadSignature"
	ErrWrongProducer         ErrorKind = "WrongProducer"
	ErrBadTimestamp          ErrorKind = "BadTimestamp"
	ErrMerkleMismatch        ErrorKind = "MerkleMismatch"
	ErrCheckpointMismatch    ErrorKind = "CheckpointMismatch"
	ErrReorgFailure          ErrorKind = "ReorgFailure"
	ErrIrreversibleViolation ErrorKind = "IrreversibleViolation"
	// ErrTransactionRejected wraps a *validation.Error or handler apply
	// failure encountered while applying a block or a pending transaction.
	ErrTransactionRejected ErrorKind = "TransactionRejected"
)

// Error is the controller-level error type, matching §7's exhaustive kinds
// not already owned by package validation.
type Error struct {
	Kind    ErrorKind
	BlockID core.BlockID
	TxID    string
	Err     error
}

func (e *Error) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("chain: %s block %s tx %s: %v", e.Kind, e.BlockID, e.TxID, e.Err)
	}
	return fmt.Sprintf("chain: %s block %s: %v", e.Kind, e.BlockID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
