package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphlog/engine"
	"graphlog/graph"
)

type fakeRepairer struct {
	mu     sync.Mutex
	graphs []string
	counts map[string]int
	fail   map[string]error
	calls  int
}

func (f *fakeRepairer) Graphs(ctx context.Context) ([]string, error) {
	return f.graphs, nil
}

func (f *fakeRepairer) Repair(ctx context.Context, graphID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.counts[graphID], f.fail[graphID]
}

func (f *fakeRepairer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunOnce_JoinsFailures(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeRepairer{
		graphs: []string{"a", "b", "c"},
		counts: map[string]int{"a": 2, "c": 3},
		fail:   map[string]error{"b": boom},
	}
	r := NewReconciler(f, time.Hour, nil)

	n, err := r.RunOnce(context.Background())
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, f.Calls(), "a failing graph does not stop the pass")
}

func TestRunOnce_Cancelled(t *testing.T) {
	f := &fakeRepairer{graphs: []string{"a"}}
	r := NewReconciler(f, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Calls())
}

func TestReconciler_StartStop(t *testing.T) {
	f := &fakeRepairer{graphs: []string{"a"}}
	r := NewReconciler(f, 5*time.Millisecond, nil)
	r.Start(context.Background())

	require.Eventually(t, func() bool { return f.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	calls := f.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.Calls())
}

func TestReconciler_RepairsEngineGraphs(t *testing.T) {
	ctx := context.Background()
	e, err := engine.NewMemory(engine.Options{})
	require.NoError(t, err)

	submit := func(ops ...graph.Operation) {
		txn, err := e.Begin(ctx, "g")
		require.NoError(t, err)
		require.NoError(t, e.Submit(ctx, "g", txn, 1, ops))
		require.NoError(t, e.Commit(ctx, "g", txn, 2))
	}
	submit(graph.EdgeUpdate{
		Policy: graph.PolicyOverwriteAll,
		Edge:   graph.Edge{Keys: graph.UID("knows", "k1"), From: graph.UID("", "p1"), To: graph.UID("", "p2")},
	})
	submit(
		graph.NodeUpdate{Policy: graph.PolicyOverwriteAll, Node: graph.Node{Keys: graph.UID("Person", "p1")}},
		graph.NodeUpdate{Policy: graph.PolicyOverwriteAll, Node: graph.Node{Keys: graph.UID("Person", "p2")}},
	)

	r := NewReconciler(e, time.Hour, nil)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
