package graph

import (
	"fmt"
	"strings"
)

// MergePolicy governs how an incoming update reconciles content with an
// existing entity.
type MergePolicy int

const (
	// PolicyNone leaves an existing entity untouched, identity included.
	PolicyNone MergePolicy = iota
	// PolicyErr fails the update when the entity already exists.
	PolicyErr
	// PolicyAppendNewLeaveExisting adds only fields the existing entity lacks.
	PolicyAppendNewLeaveExisting
	// PolicyAppendNewOverwriteExisting sets every incoming field.
	PolicyAppendNewOverwriteExisting
	// PolicyOverwriteAll replaces content with the incoming content.
	PolicyOverwriteAll
)

var policyNames = [...]string{
	PolicyNone:                       "None",
	PolicyErr:                        "Err",
	PolicyAppendNewLeaveExisting:     "AppendNewLeaveExisting",
	PolicyAppendNewOverwriteExisting: "AppendNewOverwriteExisting",
	PolicyOverwriteAll:               "OverwriteAll",
}

func (p MergePolicy) Valid() bool {
	return p >= PolicyNone && p <= PolicyOverwriteAll
}

func (p MergePolicy) String() string {
	if !p.Valid() {
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
	return policyNames[p]
}

// ParsePolicy resolves a policy by name, case-insensitively.
func ParsePolicy(s string) (MergePolicy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(name, s) {
			return MergePolicy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// OpKind enumerates the operation variants.
type OpKind string

const (
	KindNodeUpdate          OpKind = "NodeUpdate"
	KindEdgeUpdate          OpKind = "EdgeUpdate"
	KindDeleteNode          OpKind = "DeleteNode"
	KindDeleteEdge          OpKind = "DeleteEdge"
	KindTransactionBegin    OpKind = "TransactionBegin"
	KindTransactionCommit   OpKind = "TransactionCommit"
	KindTransactionRollback OpKind = "TransactionRollback"
	KindBranchImport        OpKind = "BranchImport"
)

// Provenance is audit metadata carried by every operation. Merge logic
// never reads it.
type Provenance struct {
	Tags        []string `json:"tags,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// Origin returns the provenance of an operation.
func (p Provenance) Origin() Provenance { return p }

// Operation is one immutable entry of the revision log. The set of
// implementations is closed; consumers switch over the concrete types.
type Operation interface {
	Kind() OpKind
	Origin() Provenance
	isOperation()
}

type NodeUpdate struct {
	Provenance
	Policy MergePolicy
	Node   Node
}

type EdgeUpdate struct {
	Provenance
	Policy MergePolicy
	Edge   Edge
}

type DeleteNode struct {
	Provenance
	Keys EntityKeys
}

type DeleteEdge struct {
	Provenance
	Keys EntityKeys
}

type TransactionBegin struct {
	Provenance
	TxnID string
}

type TransactionCommit struct {
	Provenance
	TxnID string
}

type TransactionRollback struct {
	Provenance
	TxnID string
}

// BranchImport replays the committed log of another graph into the target.
type BranchImport struct {
	Provenance
	FromGraph string
}

func (NodeUpdate) Kind() OpKind          { return KindNodeUpdate }
func (EdgeUpdate) Kind() OpKind          { return KindEdgeUpdate }
func (DeleteNode) Kind() OpKind          { return KindDeleteNode }
func (DeleteEdge) Kind() OpKind          { return KindDeleteEdge }
func (TransactionBegin) Kind() OpKind    { return KindTransactionBegin }
func (TransactionCommit) Kind() OpKind   { return KindTransactionCommit }
func (TransactionRollback) Kind() OpKind { return KindTransactionRollback }
func (BranchImport) Kind() OpKind        { return KindBranchImport }

func (NodeUpdate) isOperation()          {}
func (EdgeUpdate) isOperation()          {}
func (DeleteNode) isOperation()          {}
func (DeleteEdge) isOperation()          {}
func (TransactionBegin) isOperation()    {}
func (TransactionCommit) isOperation()   {}
func (TransactionRollback) isOperation() {}
func (BranchImport) isOperation()        {}

// IsMarker reports whether op is a transaction boundary.
func IsMarker(op Operation) bool {
	switch op.(type) {
	case TransactionBegin, TransactionCommit, TransactionRollback:
		return true
	}
	return false
}

// MarkerTxn returns the transaction id carried by a boundary marker.
func MarkerTxn(op Operation) (string, bool) {
	switch o := op.(type) {
	case TransactionBegin:
		return o.TxnID, true
	case TransactionCommit:
		return o.TxnID, true
	case TransactionRollback:
		return o.TxnID, true
	}
	return "", false
}

// Validate checks the structural invariants of op.
func Validate(op Operation) error {
	switch o := op.(type) {
	case NodeUpdate:
		if !o.Policy.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidPolicy, o.Policy)
		}
		if !o.Node.Keys.Resolvable() {
			return fmt.Errorf("node update: %w", ErrUnresolvableKeys)
		}
	case EdgeUpdate:
		if !o.Policy.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidPolicy, o.Policy)
		}
		if !o.Edge.Keys.Resolvable() {
			return fmt.Errorf("edge update: %w", ErrUnresolvableKeys)
		}
		if !o.Edge.From.Resolvable() || !o.Edge.To.Resolvable() {
			return fmt.Errorf("edge update endpoints: %w", ErrUnresolvableKeys)
		}
	case DeleteNode:
		if !o.Keys.Resolvable() {
			return fmt.Errorf("delete node: %w", ErrUnresolvableKeys)
		}
	case DeleteEdge:
		if !o.Keys.Resolvable() {
			return fmt.Errorf("delete edge: %w", ErrUnresolvableKeys)
		}
	case TransactionBegin, TransactionCommit, TransactionRollback:
		if txn, _ := MarkerTxn(o); txn == "" {
			return fmt.Errorf("%w: %s without transaction id", ErrInvalidOperation, o.Kind())
		}
	case BranchImport:
		if o.FromGraph == "" {
			return fmt.Errorf("%w: branch import without source graph", ErrInvalidOperation)
		}
	case nil:
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	default:
		return &UnsupportedOperationError{Kind: op.Kind()}
	}
	return nil
}
