package revlog

import (
	"context"
	"slices"
	"sync"
)

// Listener is notified after a transaction reaches a terminal state.
// Implementations are registered by identity and must be comparable, which
// in practice means pointer types.
type Listener interface {
	NotifyPostCommit(ctx context.Context, graphID, txnID string) error
	NotifyPostRollback(ctx context.Context, graphID, txnID string) error
}

// Hooks adapts plain functions to Listener. Nil hooks are skipped.
type Hooks struct {
	OnCommit   func(ctx context.Context, graphID, txnID string) error
	OnRollback func(ctx context.Context, graphID, txnID string) error
}

func (h *Hooks) NotifyPostCommit(ctx context.Context, graphID, txnID string) error {
	if h.OnCommit == nil {
		return nil
	}
	return h.OnCommit(ctx, graphID, txnID)
}

func (h *Hooks) NotifyPostRollback(ctx context.Context, graphID, txnID string) error {
	if h.OnRollback == nil {
		return nil
	}
	return h.OnRollback(ctx, graphID, txnID)
}

// Registry is the set of listeners owned by one Log. Notification iterates
// a snapshot, so listeners may be added or removed while it is in flight.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Add registers l. Adding the same listener twice is a no-op.
func (r *Registry) Add(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.listeners, l) {
		return
	}
	r.listeners = append(r.listeners, l)
}

// Remove unregisters l and reports whether it was registered.
func (r *Registry) Remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.listeners, l)
	if i < 0 {
		return false
	}
	r.listeners = slices.Delete(r.listeners, i, i+1)
	return true
}

// Snapshot returns the listeners registered right now.
func (r *Registry) Snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.listeners)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
