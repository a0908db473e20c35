// Package proto defines the JSON wire format for operations, revision
// containers and the HTTP API.
package proto

import (
	"fmt"

	"graphlog/graph"
)

// Operation is the tagged JSON form of a graph.Operation.
type Operation struct {
	// Kind selects the variant, e.g. "NodeUpdate" or "TransactionCommit".
	Kind string `json:"kind"`
	// Policy is the merge policy name for NodeUpdate and EdgeUpdate.
	Policy string            `json:"policy,omitempty"`
	Node   *graph.Node       `json:"node,omitempty"`
	Edge   *graph.Edge       `json:"edge,omitempty"`
	Keys   *graph.EntityKeys `json:"keys,omitempty"`
	// TxnID is set on transaction markers.
	TxnID string `json:"txnId,omitempty"`
	// FromGraph is set on BranchImport.
	FromGraph   string   `json:"fromGraph,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// FromOperation converts a graph.Operation to its wire form.
func FromOperation(op graph.Operation) (Operation, error) {
	if op == nil {
		return Operation{}, fmt.Errorf("%w: nil operation", graph.ErrInvalidOperation)
	}
	prov := op.Origin()
	out := Operation{
		Kind:        string(op.Kind()),
		Tags:        prov.Tags,
		Annotations: prov.Annotations,
	}

	switch o := op.(type) {
	case graph.NodeUpdate:
		n := o.Node
		out.Policy = o.Policy.String()
		out.Node = &n
	case graph.EdgeUpdate:
		e := o.Edge
		out.Policy = o.Policy.String()
		out.Edge = &e
	case graph.DeleteNode:
		k := o.Keys
		out.Keys = &k
	case graph.DeleteEdge:
		k := o.Keys
		out.Keys = &k
	case graph.TransactionBegin:
		out.TxnID = o.TxnID
	case graph.TransactionCommit:
		out.TxnID = o.TxnID
	case graph.TransactionRollback:
		out.TxnID = o.TxnID
	case graph.BranchImport:
		out.FromGraph = o.FromGraph
	default:
		return Operation{}, &graph.UnsupportedOperationError{Kind: op.Kind()}
	}
	return out, nil
}

// ToOperation converts the wire form back into a graph.Operation.
func (o Operation) ToOperation() (graph.Operation, error) {
	prov := graph.Provenance{Tags: o.Tags, Annotations: o.Annotations}

	switch graph.OpKind(o.Kind) {
	case graph.KindNodeUpdate:
		if o.Node == nil {
			return nil, fmt.Errorf("%w: NodeUpdate without node", graph.ErrInvalidOperation)
		}
		policy, err := parsePolicy(o.Policy)
		if err != nil {
			return nil, err
		}
		return graph.NodeUpdate{Provenance: prov, Policy: policy, Node: *o.Node}, nil
	case graph.KindEdgeUpdate:
		if o.Edge == nil {
			return nil, fmt.Errorf("%w: EdgeUpdate without edge", graph.ErrInvalidOperation)
		}
		policy, err := parsePolicy(o.Policy)
		if err != nil {
			return nil, err
		}
		return graph.EdgeUpdate{Provenance: prov, Policy: policy, Edge: *o.Edge}, nil
	case graph.KindDeleteNode:
		if o.Keys == nil {
			return nil, fmt.Errorf("%w: DeleteNode without keys", graph.ErrInvalidOperation)
		}
		return graph.DeleteNode{Provenance: prov, Keys: *o.Keys}, nil
	case graph.KindDeleteEdge:
		if o.Keys == nil {
			return nil, fmt.Errorf("%w: DeleteEdge without keys", graph.ErrInvalidOperation)
		}
		return graph.DeleteEdge{Provenance: prov, Keys: *o.Keys}, nil
	case graph.KindTransactionBegin:
		return graph.TransactionBegin{Provenance: prov, TxnID: o.TxnID}, nil
	case graph.KindTransactionCommit:
		return graph.TransactionCommit{Provenance: prov, TxnID: o.TxnID}, nil
	case graph.KindTransactionRollback:
		return graph.TransactionRollback{Provenance: prov, TxnID: o.TxnID}, nil
	case graph.KindBranchImport:
		return graph.BranchImport{Provenance: prov, FromGraph: o.FromGraph}, nil
	}
	return nil, &graph.UnsupportedOperationError{Kind: graph.OpKind(o.Kind)}
}

// parsePolicy defaults an empty policy to AppendNewOverwriteExisting.
func parsePolicy(s string) (graph.MergePolicy, error) {
	if s == "" {
		return graph.PolicyAppendNewOverwriteExisting, nil
	}
	return graph.ParsePolicy(s)
}

// FromOperations converts a list of operations.
func FromOperations(ops []graph.Operation) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for i, op := range ops {
		w, err := FromOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// ToOperations converts a list of wire operations.
func ToOperations(ops []Operation) ([]graph.Operation, error) {
	out := make([]graph.Operation, 0, len(ops))
	for i, w := range ops {
		op, err := w.ToOperation()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}
