// Package workcopy defines the materialized view of one graph that the log
// player writes into, plus an in-memory implementation.
package workcopy

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"

	"graphlog/graph"
)

// WorkingCopy is the queryable graph of one graph id. Lookups match on
// identity tokens (see Tokens); the first stored entity in insertion order
// that shares any token wins. Find* return (nil, nil) when nothing matches.
//
// Upserts with an empty ID insert a new entity and assign one. Upserts with
// a known ID replace that entity, re-indexing its identity.
type WorkingCopy interface {
	FindNode(ctx context.Context, keys graph.EntityKeys) (*graph.Node, error)
	FindEdge(ctx context.Context, keys graph.EntityKeys) (*graph.Edge, error)
	UpsertNode(ctx context.Context, n *graph.Node) (*graph.Node, error)
	UpsertEdge(ctx context.Context, e *graph.Edge) (*graph.Edge, error)
	// DeleteNode removes the matching node and reports whether one existed.
	// Edges referencing it are left in place.
	DeleteNode(ctx context.Context, keys graph.EntityKeys) (bool, error)
	DeleteEdge(ctx context.Context, keys graph.EntityKeys) (bool, error)

	// NodesByType yields nodes of typ in insertion order; "" yields all.
	NodesByType(ctx context.Context, typ string) iter.Seq2[*graph.Node, error]
	EdgesByType(ctx context.Context, typ string) iter.Seq2[*graph.Edge, error]
	// EdgesFromNode yields edges whose source keys share a token with keys.
	EdgesFromNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error]
	EdgesToNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error]
	HangingEdges(ctx context.Context) iter.Seq2[*graph.Edge, error]

	// Clear drops every node, edge and metadata entry.
	Clear(ctx context.Context) error
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// sep is the ASCII unit separator. Tokens are stored in sqlite TEXT
// columns, which must not hold NUL.
const (
	sep        = "\x1f"
	uidPrefix  = "u" + sep
	namePrefix = "n" + sep
)

// Tokens returns the identity tokens of keys. Uids are global, so their
// tokens ignore the type; names are scoped by type.
func Tokens(keys graph.EntityKeys) []string {
	out := make([]string, 0, len(keys.UIDs)+len(keys.Names))
	for _, u := range keys.UIDs {
		if u != "" {
			out = append(out, uidPrefix+u)
		}
	}
	for _, n := range keys.Names {
		if n != "" {
			out = append(out, namePrefix+keys.Type+sep+n)
		}
	}
	return out
}

// TokenString renders a token for logs.
func TokenString(token string) string {
	return strings.ReplaceAll(token, sep, ":")
}

// NewID returns a storage id for a newly inserted entity.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Collect drains an iterator into a slice.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
