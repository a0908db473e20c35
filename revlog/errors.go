package revlog

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBatch rejects a batch carrying a transaction marker.
	ErrInvalidBatch         = errors.New("invalid batch: transaction markers must be submitted singly")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrTransactionExists    = errors.New("transaction already exists")
	ErrTransactionClosed    = errors.New("transaction already closed")
	ErrTransactionCommitted = errors.New("transaction already committed")
	ErrGraphMismatch        = errors.New("transaction belongs to another graph")
)

// ListenerError reports listeners that failed during commit or rollback
// notification. The transaction state change it followed is not undone.
type ListenerError struct {
	TxnID   string
	GraphID string
	Errs    []error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("transaction %s: %d listener(s) failed: %v", e.TxnID, len(e.Errs), errors.Join(e.Errs...))
}

func (e *ListenerError) Unwrap() []error {
	return e.Errs
}
