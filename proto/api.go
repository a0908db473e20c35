package proto

import (
	"graphlog/graph"
	"graphlog/revlog"
)

// BeginResponse is returned when a transaction is opened.
type BeginResponse struct {
	Graph string `json:"graph"`
	TxnID string `json:"txnId"`
}

// SubmitRequest appends a batch of operations to an open transaction.
type SubmitRequest struct {
	// Seq orders this batch within the transaction.
	Seq        int64       `json:"seq"`
	Operations []Operation `json:"operations"`
}

// SubmitResponse is returned after a batch is stored.
type SubmitResponse struct {
	Accepted int `json:"accepted"`
}

// CommitRequest carries the sequence of the commit marker. The body is
// optional.
type CommitRequest struct {
	Seq int64 `json:"seq"`
}

// CommitResponse reports the outcome of a commit or rollback. Listener
// failures do not undo the commit and are listed in Errors.
type CommitResponse struct {
	TxnID     string   `json:"txnId"`
	State     string   `json:"state"`
	CommitSeq int64    `json:"commitSeq,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

type NodesResponse struct {
	Nodes []*graph.Node `json:"nodes"`
}

type EdgesResponse struct {
	Edges []*graph.Edge `json:"edges"`
}

// Revision is the wire form of one stored container.
type Revision struct {
	ID         string      `json:"id"`
	Graph      string      `json:"graph"`
	TxnID      string      `json:"txnId"`
	PatchIdx   int64       `json:"patchIdx"`
	Seq        int64       `json:"seq"`
	Timestamp  int64       `json:"timestamp"`
	Operations []Operation `json:"operations"`
}

// FromContainer converts a stored container.
func FromContainer(c *revlog.Container) (Revision, error) {
	ops, err := FromOperations(c.Operations)
	if err != nil {
		return Revision{}, err
	}
	return Revision{
		ID:         c.ID,
		Graph:      c.GraphID,
		TxnID:      c.PatchUID,
		PatchIdx:   c.PatchIdx,
		Seq:        c.Seq,
		Timestamp:  c.Timestamp,
		Operations: ops,
	}, nil
}

type RevisionsResponse struct {
	Revisions []Revision `json:"revisions"`
}

// Transaction is the wire form of revlog.TransactionInfo.
type Transaction struct {
	ID        string `json:"id"`
	Graph     string `json:"graph"`
	State     string `json:"state"`
	CommitSeq int64  `json:"commitSeq,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func FromTransaction(t *revlog.TransactionInfo) Transaction {
	return Transaction{
		ID:        t.ID,
		Graph:     t.GraphID,
		State:     string(t.State),
		CommitSeq: t.CommitSeq,
		CreatedAt: t.CreatedAt,
	}
}

type TransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

// ReplayRequest selects whether the working copy is deleted before replay.
type ReplayRequest struct {
	Rebuild bool `json:"rebuild"`
}

type RepairResponse struct {
	Repaired int `json:"repaired"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
