// Package revlog implements the append-only revision log: operations are
// grouped into transactions, ordered by caller-supplied sequence numbers,
// and registered listeners are notified when a transaction commits or
// rolls back.
package revlog

import (
	"cmp"
	"context"
	"iter"

	"github.com/google/uuid"

	"graphlog/graph"
)

// Container is the unit appended to the log. It is immutable once stored.
type Container struct {
	ID      string
	GraphID string
	// PatchUID is the transaction id.
	PatchUID string
	// PatchIdx orders containers within one transaction.
	PatchIdx int64
	// Timestamp is the append time in Unix milliseconds.
	Timestamp int64
	// Seq is the backend-assigned append order, used to break PatchIdx ties.
	Seq        int64
	Operations []graph.Operation
}

// Compare orders containers by (PatchUID, PatchIdx, Seq).
func Compare(a, b *Container) int {
	if c := cmp.Compare(a.PatchUID, b.PatchUID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PatchIdx, b.PatchIdx); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// TxnState is the lifecycle state of a transaction.
type TxnState string

const (
	TxnOpen       TxnState = "open"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
)

// Terminal reports whether no further operations may join the transaction.
func (s TxnState) Terminal() bool {
	return s == TxnCommitted || s == TxnRolledBack
}

// TransactionInfo describes a transaction known to the log.
type TransactionInfo struct {
	ID      string
	GraphID string
	State   TxnState
	// CommitSeq numbers commits per graph starting at 1. Zero until committed.
	CommitSeq int64
	CreatedAt int64
}

// Backend is the durable store behind a Log. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Append stores c, assigning c.Seq, and returns its id.
	Append(ctx context.Context, c *Container) (string, error)
	// ByGraph yields the graph's containers in (PatchUID, PatchIdx, Seq)
	// order. With committedOnly the transactions follow commit sequence
	// instead, the order in which they were materialized.
	ByGraph(ctx context.Context, graphID string, committedOnly bool) iter.Seq2[*Container, error]
	// ByTransaction yields one transaction's containers in PatchIdx order.
	ByTransaction(ctx context.Context, txnID string) iter.Seq2[*Container, error]
	// Uncommitted yields containers of transactions that are still open.
	Uncommitted(ctx context.Context) iter.Seq2[*Container, error]

	CreateTransaction(ctx context.Context, info TransactionInfo) error
	Transaction(ctx context.Context, txnID string) (*TransactionInfo, error)
	Transactions(ctx context.Context, graphID string) ([]*TransactionInfo, error)
	// MarkCommitted closes an open transaction and returns its commit sequence.
	MarkCommitted(ctx context.Context, txnID string) (int64, error)
	// RemoveTransaction deletes every container of an open transaction,
	// marks it rolled back and returns how many containers were removed.
	RemoveTransaction(ctx context.Context, txnID string) (int, error)
	// LastCommitSeq returns the highest commit sequence of a graph.
	LastCommitSeq(ctx context.Context, graphID string) (int64, error)
	// Len returns the number of stored containers.
	Len(ctx context.Context) (int, error)
}

// NewTxnID returns a time-ordered transaction id.
func NewTxnID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewContainerID returns a time-ordered container id.
func NewContainerID() string {
	return uuid.Must(uuid.NewV7()).String()
}
