// Package graph defines the identity model, entities and operation log
// format of a versioned graph.
package graph

import (
	"slices"
	"strings"
)

// EntityKeys is the identity of a node or edge: one logical type plus any
// number of globally unique ids and type-scoped names.
type EntityKeys struct {
	Type  string   `json:"type,omitempty"`
	UIDs  []string `json:"uids,omitempty"`
	Names []string `json:"names,omitempty"`
}

// Keys builds a normalized keyset.
func Keys(typ string, uids []string, names []string) EntityKeys {
	return EntityKeys{Type: typ, UIDs: normalize(uids), Names: normalize(names)}
}

// UID is shorthand for a keyset with a single uid.
func UID(typ, uid string) EntityKeys {
	return Keys(typ, []string{uid}, nil)
}

// Name is shorthand for a keyset with a single name.
func Name(typ, name string) EntityKeys {
	return Keys(typ, nil, []string{name})
}

// Normalize returns k with sorted, deduplicated uid and name sets.
func (k EntityKeys) Normalize() EntityKeys {
	return EntityKeys{Type: k.Type, UIDs: normalize(k.UIDs), Names: normalize(k.Names)}
}

// Resolvable reports whether k carries at least one uid or name.
func (k EntityKeys) Resolvable() bool {
	for _, u := range k.UIDs {
		if u != "" {
			return true
		}
	}
	for _, n := range k.Names {
		if n != "" {
			return true
		}
	}
	return false
}

// HasUID reports whether uid is one of k's uids.
func (k EntityKeys) HasUID(uid string) bool {
	return slices.Contains(k.UIDs, uid)
}

// HasName reports whether name is one of k's names.
func (k EntityKeys) HasName(name string) bool {
	return slices.Contains(k.Names, name)
}

// Equal reports whether both keysets carry the same type, uids and names.
func (k EntityKeys) Equal(o EntityKeys) bool {
	a, b := k.Normalize(), o.Normalize()
	return a.Type == b.Type && slices.Equal(a.UIDs, b.UIDs) && slices.Equal(a.Names, b.Names)
}

// Clone returns a deep copy of k.
func (k EntityKeys) Clone() EntityKeys {
	return EntityKeys{Type: k.Type, UIDs: slices.Clone(k.UIDs), Names: slices.Clone(k.Names)}
}

func (k EntityKeys) String() string {
	var b strings.Builder
	b.WriteString(k.Type)
	b.WriteByte('{')
	if len(k.UIDs) > 0 {
		b.WriteString("uids=")
		b.WriteString(strings.Join(k.UIDs, ","))
	}
	if len(k.Names) > 0 {
		if len(k.UIDs) > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("names=")
		b.WriteString(strings.Join(k.Names, ","))
	}
	b.WriteByte('}')
	return b.String()
}

// MergeKeys reconciles an existing keyset with an incoming one. Types must
// agree when both are set; uids and names are always unioned.
func MergeKeys(existing, incoming EntityKeys) (EntityKeys, error) {
	typ := existing.Type
	if typ == "" {
		typ = incoming.Type
	} else if incoming.Type != "" && incoming.Type != existing.Type {
		return EntityKeys{}, &TypeConflictError{
			Existing: existing.Type,
			Incoming: incoming.Type,
			Keys:     existing.Normalize(),
		}
	}
	return EntityKeys{
		Type:  typ,
		UIDs:  union(existing.UIDs, incoming.UIDs),
		Names: union(existing.Names, incoming.Names),
	}, nil
}

// MergeAllKeys folds MergeKeys over keysets left to right. The resulting
// uid and name sets do not depend on input order.
func MergeAllKeys(keysets ...EntityKeys) (EntityKeys, error) {
	var acc EntityKeys
	for _, k := range keysets {
		merged, err := MergeKeys(acc, k)
		if err != nil {
			return EntityKeys{}, err
		}
		acc = merged
	}
	return acc.Normalize(), nil
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return normalize(out)
}

func normalize(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
