package workcopy

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"sync"

	"graphlog/graph"
)

// index maps identity tokens to the ids of the entities carrying them.
type index map[string]map[string]struct{}

func (ix index) add(id string, tokens []string) {
	for _, t := range tokens {
		set, ok := ix[t]
		if !ok {
			set = make(map[string]struct{})
			ix[t] = set
		}
		set[id] = struct{}{}
	}
}

func (ix index) remove(id string, tokens []string) {
	for _, t := range tokens {
		if set, ok := ix[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix, t)
			}
		}
	}
}

func (ix index) lookup(tokens []string) []string {
	seen := make(map[string]struct{})
	for _, t := range tokens {
		for id := range ix[t] {
			seen[id] = struct{}{}
		}
	}
	return slices.Collect(maps.Keys(seen))
}

type slot[T any] struct {
	ord int64
	val T
}

// Memory is an arena-backed WorkingCopy. Entities refer to each other only
// through keys, never through pointers.
type Memory struct {
	mu    sync.RWMutex
	ord   int64
	nodes map[string]*slot[*graph.Node]
	edges map[string]*slot[*graph.Edge]

	nodeIdx index
	edgeIdx index
	fromIdx index
	toIdx   index

	meta map[string]string
}

// NewMemory returns an empty working copy.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.nodes = make(map[string]*slot[*graph.Node])
	m.edges = make(map[string]*slot[*graph.Edge])
	m.nodeIdx = make(index)
	m.edgeIdx = make(index)
	m.fromIdx = make(index)
	m.toIdx = make(index)
	m.meta = make(map[string]string)
}

// first returns the id with the lowest insertion order.
func first[T any](ids []string, arena map[string]*slot[T]) (string, bool) {
	best, found := "", false
	var bestOrd int64
	for _, id := range ids {
		s, ok := arena[id]
		if !ok {
			continue
		}
		if !found || s.ord < bestOrd {
			best, bestOrd, found = id, s.ord, true
		}
	}
	return best, found
}

func (m *Memory) FindNode(ctx context.Context, keys graph.EntityKeys) (*graph.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := first(m.nodeIdx.lookup(Tokens(keys)), m.nodes)
	if !ok {
		return nil, nil
	}
	return m.nodes[id].val.Clone(), nil
}

func (m *Memory) FindEdge(ctx context.Context, keys graph.EntityKeys) (*graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := first(m.edgeIdx.lookup(Tokens(keys)), m.edges)
	if !ok {
		return nil, nil
	}
	return m.edges[id].val.Clone(), nil
}

func (m *Memory) UpsertNode(ctx context.Context, n *graph.Node) (*graph.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := n.Clone()
	stored.Keys = stored.Keys.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.nodes[stored.ID]; ok && stored.ID != "" {
		m.nodeIdx.remove(stored.ID, Tokens(prev.val.Keys))
		prev.val = stored
	} else {
		if stored.ID == "" {
			stored.ID = NewID()
		}
		m.ord++
		m.nodes[stored.ID] = &slot[*graph.Node]{ord: m.ord, val: stored}
	}
	m.nodeIdx.add(stored.ID, Tokens(stored.Keys))
	return stored.Clone(), nil
}

func (m *Memory) UpsertEdge(ctx context.Context, e *graph.Edge) (*graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := e.Clone()
	stored.Keys = stored.Keys.Normalize()
	stored.From = stored.From.Normalize()
	stored.To = stored.To.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.edges[stored.ID]; ok && stored.ID != "" {
		m.unindexEdge(prev.val)
		prev.val = stored
	} else {
		if stored.ID == "" {
			stored.ID = NewID()
		}
		m.ord++
		m.edges[stored.ID] = &slot[*graph.Edge]{ord: m.ord, val: stored}
	}
	m.edgeIdx.add(stored.ID, Tokens(stored.Keys))
	m.fromIdx.add(stored.ID, Tokens(stored.From))
	m.toIdx.add(stored.ID, Tokens(stored.To))
	return stored.Clone(), nil
}

func (m *Memory) unindexEdge(e *graph.Edge) {
	m.edgeIdx.remove(e.ID, Tokens(e.Keys))
	m.fromIdx.remove(e.ID, Tokens(e.From))
	m.toIdx.remove(e.ID, Tokens(e.To))
}

func (m *Memory) DeleteNode(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := first(m.nodeIdx.lookup(Tokens(keys)), m.nodes)
	if !ok {
		return false, nil
	}
	m.nodeIdx.remove(id, Tokens(m.nodes[id].val.Keys))
	delete(m.nodes, id)
	return true, nil
}

func (m *Memory) DeleteEdge(ctx context.Context, keys graph.EntityKeys) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := first(m.edgeIdx.lookup(Tokens(keys)), m.edges)
	if !ok {
		return false, nil
	}
	m.unindexEdge(m.edges[id].val)
	delete(m.edges, id)
	return true, nil
}

// snapshot returns matching values in insertion order.
func snapshot[T any](mu *sync.RWMutex, arena map[string]*slot[T], keep func(T) bool) []T {
	mu.RLock()
	slots := make([]slot[T], 0, len(arena))
	for _, s := range arena {
		if keep(s.val) {
			slots = append(slots, *s)
		}
	}
	mu.RUnlock()

	slices.SortFunc(slots, func(a, b slot[T]) int { return cmp.Compare(a.ord, b.ord) })
	out := make([]T, len(slots))
	for i, s := range slots {
		out[i] = s.val
	}
	return out
}

func yieldNodes(ctx context.Context, list []*graph.Node) iter.Seq2[*graph.Node, error] {
	return func(yield func(*graph.Node, error) bool) {
		for _, n := range list {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(n.Clone(), nil) {
				return
			}
		}
	}
}

func yieldEdges(ctx context.Context, list []*graph.Edge) iter.Seq2[*graph.Edge, error] {
	return func(yield func(*graph.Edge, error) bool) {
		for _, e := range list {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(e.Clone(), nil) {
				return
			}
		}
	}
}

func (m *Memory) NodesByType(ctx context.Context, typ string) iter.Seq2[*graph.Node, error] {
	return yieldNodes(ctx, snapshot(&m.mu, m.nodes, func(n *graph.Node) bool {
		return typ == "" || n.Keys.Type == typ
	}))
}

func (m *Memory) EdgesByType(ctx context.Context, typ string) iter.Seq2[*graph.Edge, error] {
	return yieldEdges(ctx, snapshot(&m.mu, m.edges, func(e *graph.Edge) bool {
		return typ == "" || e.Keys.Type == typ
	}))
}

func (m *Memory) edgesIn(ix index, keys graph.EntityKeys) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, id := range ix.lookup(Tokens(keys)) {
		ids[id] = struct{}{}
	}
	return ids
}

func (m *Memory) EdgesFromNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error] {
	ids := m.edgesIn(m.fromIdx, keys)
	return yieldEdges(ctx, snapshot(&m.mu, m.edges, func(e *graph.Edge) bool {
		_, ok := ids[e.ID]
		return ok
	}))
}

func (m *Memory) EdgesToNode(ctx context.Context, keys graph.EntityKeys) iter.Seq2[*graph.Edge, error] {
	ids := m.edgesIn(m.toIdx, keys)
	return yieldEdges(ctx, snapshot(&m.mu, m.edges, func(e *graph.Edge) bool {
		_, ok := ids[e.ID]
		return ok
	}))
}

func (m *Memory) HangingEdges(ctx context.Context) iter.Seq2[*graph.Edge, error] {
	return yieldEdges(ctx, snapshot(&m.mu, m.edges, func(e *graph.Edge) bool { return e.Hanging }))
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

func (m *Memory) Meta(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *Memory) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// Len returns the number of stored nodes and edges.
func (m *Memory) Len() (nodes, edges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), len(m.edges)
}
