package revlog

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"graphlog/cas"
)

// Memory is an in-process Backend. Iterators work on a snapshot taken when
// iteration starts.
type Memory struct {
	mu         sync.RWMutex
	seq        int64
	containers []*Container
	txns       map[string]*TransactionInfo
	commits    map[string]int64 // graph -> last commit seq
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		txns:    make(map[string]*TransactionInfo),
		commits: make(map[string]int64),
	}
}

func (m *Memory) Append(ctx context.Context, c *Container) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	stored := *c
	stored.Seq = m.seq
	stored.Operations = slices.Clone(c.Operations)
	if stored.ID == "" {
		stored.ID = NewContainerID()
	}
	if stored.Timestamp == 0 {
		stored.Timestamp = cas.NowMs()
	}
	m.containers = append(m.containers, &stored)
	c.Seq, c.ID, c.Timestamp = stored.Seq, stored.ID, stored.Timestamp
	return stored.ID, nil
}

func (m *Memory) filtered(keep func(*Container) bool) []*Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Container
	for _, c := range m.containers {
		if keep(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, Compare)
	return out
}

func yieldAll(ctx context.Context, list []*Container) iter.Seq2[*Container, error] {
	return func(yield func(*Container, error) bool) {
		for _, c := range list {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cp := *c
			cp.Operations = slices.Clone(c.Operations)
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func (m *Memory) stateOf(txnID string) TxnState {
	if t, ok := m.txns[txnID]; ok {
		return t.State
	}
	return TxnOpen
}

func (m *Memory) ByGraph(ctx context.Context, graphID string, committedOnly bool) iter.Seq2[*Container, error] {
	if !committedOnly {
		return yieldAll(ctx, m.filtered(func(c *Container) bool { return c.GraphID == graphID }))
	}

	m.mu.RLock()
	var list []*Container
	order := make(map[string]int64)
	for _, c := range m.containers {
		t, ok := m.txns[c.PatchUID]
		if c.GraphID != graphID || !ok || t.State != TxnCommitted {
			continue
		}
		order[c.PatchUID] = t.CommitSeq
		list = append(list, c)
	}
	m.mu.RUnlock()

	slices.SortFunc(list, func(a, b *Container) int {
		if c := cmp.Compare(order[a.PatchUID], order[b.PatchUID]); c != 0 {
			return c
		}
		return Compare(a, b)
	})
	return yieldAll(ctx, list)
}

func (m *Memory) ByTransaction(ctx context.Context, txnID string) iter.Seq2[*Container, error] {
	list := m.filtered(func(c *Container) bool { return c.PatchUID == txnID })
	return yieldAll(ctx, list)
}

func (m *Memory) Uncommitted(ctx context.Context) iter.Seq2[*Container, error] {
	list := m.filtered(func(c *Container) bool { return !m.stateOf(c.PatchUID).Terminal() })
	return yieldAll(ctx, list)
}

func (m *Memory) CreateTransaction(ctx context.Context, info TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[info.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTransactionExists, info.ID)
	}
	if info.State == "" {
		info.State = TxnOpen
	}
	if info.CreatedAt == 0 {
		info.CreatedAt = cas.NowMs()
	}
	m.txns[info.ID] = &info
	return nil
}

func (m *Memory) Transaction(ctx context.Context, txnID string) (*TransactionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) Transactions(ctx context.Context, graphID string) ([]*TransactionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TransactionInfo
	for _, t := range m.txns {
		if t.GraphID == graphID {
			cp := *t
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *TransactionInfo) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) MarkCommitted(ctx context.Context, txnID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
	}
	if t.State.Terminal() {
		return 0, fmt.Errorf("%w: %s is %s", ErrTransactionClosed, txnID, t.State)
	}
	m.commits[t.GraphID]++
	t.State = TxnCommitted
	t.CommitSeq = m.commits[t.GraphID]
	return t.CommitSeq, nil
}

func (m *Memory) RemoveTransaction(ctx context.Context, txnID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
	}
	if t.State == TxnCommitted {
		return 0, fmt.Errorf("%w: %s", ErrTransactionCommitted, txnID)
	}
	if t.State == TxnRolledBack {
		return 0, fmt.Errorf("%w: %s is %s", ErrTransactionClosed, txnID, t.State)
	}

	kept := m.containers[:0]
	removed := 0
	for _, c := range m.containers {
		if c.PatchUID == txnID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	clear(m.containers[len(kept):])
	m.containers = kept
	t.State = TxnRolledBack
	return removed, nil
}

func (m *Memory) LastCommitSeq(ctx context.Context, graphID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits[graphID], nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers), nil
}
