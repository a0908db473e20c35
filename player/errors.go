package player

import (
	"errors"
	"fmt"

	"graphlog/graph"
)

var (
	// ErrNotCommitted is returned when asked to play a transaction that has
	// not committed.
	ErrNotCommitted = errors.New("transaction not committed")
	ErrImportCycle  = errors.New("branch import cycle")
)

// ReplayError identifies the operation a replay stopped at. Operations
// applied before it stay applied.
type ReplayError struct {
	GraphID     string
	TxnID       string
	ContainerID string
	PatchIdx    int64
	OpIndex     int
	Kind        graph.OpKind
	Err         error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s: txn %s idx %d op %d (%s): %v",
		e.GraphID, e.TxnID, e.PatchIdx, e.OpIndex, e.Kind, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
