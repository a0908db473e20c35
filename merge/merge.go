// Package merge reconciles incoming node and edge updates with the entity
// already present in a working copy.
//
// Identity always unions: uids and names from both sides survive every
// policy except None, which leaves the existing entity exactly as it was.
// Content merges on flat field names; a field is replaced whole or kept
// whole, never merged recursively.
package merge

import (
	"fmt"

	"graphlog/graph"
)

// Content merges incoming fields into existing according to policy.
// The inputs are not modified.
func Content(policy graph.MergePolicy, existing, incoming graph.Content) (graph.Content, error) {
	switch policy {
	case graph.PolicyNone:
		return existing.Clone(), nil
	case graph.PolicyErr:
		return nil, graph.ErrAlreadyExists
	case graph.PolicyAppendNewLeaveExisting:
		out := existing.Clone()
		for k, v := range incoming {
			if !out.Has(k) {
				out[k] = v
			}
		}
		return out, nil
	case graph.PolicyAppendNewOverwriteExisting:
		out := existing.Clone()
		for k, v := range incoming {
			out[k] = v
		}
		return out, nil
	case graph.PolicyOverwriteAll:
		return incoming.Clone(), nil
	default:
		return nil, fmt.Errorf("%w: %s", graph.ErrInvalidPolicy, policy)
	}
}

// Node reconciles incoming with existing. existing may be nil, in which
// case incoming is inserted as-is whatever the policy. The returned bool
// reports whether anything needs to be written.
func Node(policy graph.MergePolicy, existing, incoming *graph.Node) (*graph.Node, bool, error) {
	if existing == nil {
		out := incoming.Clone()
		out.ID = ""
		out.Keys = out.Keys.Normalize()
		return out, true, nil
	}

	keys, err := graph.MergeKeys(existing.Keys, incoming.Keys)
	if err != nil {
		return nil, false, err
	}

	switch policy {
	case graph.PolicyNone:
		return existing.Clone(), false, nil
	case graph.PolicyErr:
		return nil, false, &graph.AlreadyExistsError{Keys: existing.Keys.Normalize()}
	}

	content, err := Content(policy, existing.Content, incoming.Content)
	if err != nil {
		return nil, false, err
	}
	return &graph.Node{ID: existing.ID, Keys: keys, Content: content}, true, nil
}

// Edge reconciles incoming with existing like Node does, and additionally
// unions the endpoint identities independently of the content policy.
// The hanging flag is left for the caller to decide.
func Edge(policy graph.MergePolicy, existing, incoming *graph.Edge) (*graph.Edge, bool, error) {
	if existing == nil {
		out := incoming.Clone()
		out.ID = ""
		out.Keys = out.Keys.Normalize()
		out.From = out.From.Normalize()
		out.To = out.To.Normalize()
		return out, true, nil
	}

	keys, err := graph.MergeKeys(existing.Keys, incoming.Keys)
	if err != nil {
		return nil, false, err
	}

	switch policy {
	case graph.PolicyNone:
		return existing.Clone(), false, nil
	case graph.PolicyErr:
		return nil, false, &graph.AlreadyExistsError{Keys: existing.Keys.Normalize()}
	}

	from, err := graph.MergeKeys(existing.From, incoming.From)
	if err != nil {
		return nil, false, fmt.Errorf("edge source: %w", err)
	}
	to, err := graph.MergeKeys(existing.To, incoming.To)
	if err != nil {
		return nil, false, fmt.Errorf("edge target: %w", err)
	}

	content, err := Content(policy, existing.Content, incoming.Content)
	if err != nil {
		return nil, false, err
	}
	return &graph.Edge{
		ID:      existing.ID,
		Keys:    keys,
		From:    from,
		To:      to,
		Content: content,
		Hanging: existing.Hanging,
	}, true, nil
}
