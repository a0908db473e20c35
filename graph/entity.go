package graph

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Content is the schema-free payload of an entity. The store only cares
// whether a field name is present, never what the value means.
type Content map[string]any

// Has reports whether field is present.
func (c Content) Has(field string) bool {
	_, ok := c[field]
	return ok
}

// UnmarshalJSON keeps numbers exact: integers that fit decode as int64,
// larger integers stay json.Number, everything else becomes float64.
func (c *Content) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		m[k] = exactNumbers(v)
	}
	*c = m
	return nil
}

func exactNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if !bytes.ContainsAny([]byte(val), ".eE") {
			return val
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val
	case map[string]any:
		for k, x := range val {
			val[k] = exactNumbers(x)
		}
	case []any:
		for i, x := range val {
			val[i] = exactNumbers(x)
		}
	}
	return v
}

// Clone returns a shallow copy; values are replaced whole, never merged.
func (c Content) Clone() Content {
	if c == nil {
		return Content{}
	}
	return maps.Clone(c)
}

// Node is a vertex of the working copy.
type Node struct {
	// ID is the storage id assigned on first insert. Empty for incoming nodes.
	ID      string     `json:"id,omitempty"`
	Keys    EntityKeys `json:"keys"`
	Content Content    `json:"content,omitempty"`
}

// Clone returns a deep copy of the identity and a shallow copy of content.
func (n *Node) Clone() *Node {
	return &Node{ID: n.ID, Keys: n.Keys.Clone(), Content: n.Content.Clone()}
}

// Edge connects two nodes by key. Endpoints are identities, not storage
// ids, so they stay valid as node identities grow.
type Edge struct {
	ID      string     `json:"id,omitempty"`
	Keys    EntityKeys `json:"keys"`
	From    EntityKeys `json:"from"`
	To      EntityKeys `json:"to"`
	Content Content    `json:"content,omitempty"`
	// Hanging is set when an endpoint did not resolve to a node at write time.
	Hanging bool `json:"hanging"`
}

func (e *Edge) Clone() *Edge {
	return &Edge{
		ID:      e.ID,
		Keys:    e.Keys.Clone(),
		From:    e.From.Clone(),
		To:      e.To.Clone(),
		Content: e.Content.Clone(),
		Hanging: e.Hanging,
	}
}
