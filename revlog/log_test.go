package revlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphlog/graph"
	"graphlog/keylock"
)

func geneUpdate(uid string) graph.Operation {
	return graph.NodeUpdate{
		Policy: graph.PolicyAppendNewOverwriteExisting,
		Node:   graph.Node{Keys: graph.UID("Gene", uid), Content: graph.Content{"uid": uid}},
	}
}

func collect(t *testing.T, seq func(func(*Container, error) bool)) []*Container {
	t.Helper()
	var out []*Container
	for c, err := range seq {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func logLen(t *testing.T, l *Log) int {
	t.Helper()
	n, err := l.Len(context.Background())
	require.NoError(t, err)
	return n
}

type recordingListener struct {
	mu        sync.Mutex
	commits   []string
	rollbacks []string
	err       error
}

func (r *recordingListener) NotifyPostCommit(ctx context.Context, graphID, txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, graphID+"/"+txnID)
	return r.err
}

func (r *recordingListener) NotifyPostRollback(ctx context.Context, graphID, txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, graphID+"/"+txnID)
	return r.err
}

func TestSubmitRevisions_RejectsMarkers(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	before := logLen(t, l)

	err = l.SubmitRevisions(ctx, "g", txn, 1, []graph.Operation{
		geneUpdate("u1"),
		graph.TransactionCommit{TxnID: txn},
		geneUpdate("u2"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidBatch))
	assert.Equal(t, before, logLen(t, l), "a rejected batch must not append anything")

	info, err := l.Transaction(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, TxnOpen, info.State)
}

func TestSubmitRevisions_RejectsInvalidOperation(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	err := l.SubmitRevisions(ctx, "g", "t1", 0, []graph.Operation{
		geneUpdate("u1"),
		graph.DeleteNode{Keys: graph.Keys("Gene", nil, nil)},
	})
	assert.ErrorIs(t, err, graph.ErrUnresolvableKeys)
	assert.Equal(t, 0, logLen(t, l))
}

func TestCommit_NotifiesListeners(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	rec := &recordingListener{}
	l.AddListener(rec)
	l.AddListener(rec)

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevisions(ctx, "g", txn, 1, []graph.Operation{geneUpdate("u1")}))
	assert.Empty(t, rec.commits)

	require.NoError(t, l.Commit(ctx, "g", txn, 2))
	assert.Equal(t, []string{"g/" + txn}, rec.commits, "listener registered twice is notified once")

	info, err := l.Transaction(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, TxnCommitted, info.State)
	assert.Equal(t, int64(1), info.CommitSeq)
}

func TestCommit_ListenerFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	boom := errors.New("materialization failed")
	failing := &recordingListener{err: boom}
	ok := &recordingListener{}
	l.AddListener(failing)
	l.AddListener(ok)

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", txn, 1, geneUpdate("u1")))

	err = l.Commit(ctx, "g", txn, 2)
	var le *ListenerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, txn, le.TxnID)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.commits, 1, "remaining listeners still run")

	info, err := l.Transaction(ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, TxnCommitted, info.State)
	assert.Len(t, collect(t, l.CommittedRevisions(ctx, "g")), 3)
}

func TestCommit_ClosedTransaction(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, "g", txn, 1))

	assert.ErrorIs(t, l.Commit(ctx, "g", txn, 2), ErrTransactionClosed)
	assert.ErrorIs(t, l.SubmitRevision(ctx, "g", txn, 3, geneUpdate("u1")), ErrTransactionClosed)
	assert.ErrorIs(t, l.Rollback(ctx, "g", txn), ErrTransactionCommitted)
	assert.ErrorIs(t, l.Commit(ctx, "g", "missing", 0), ErrTransactionNotFound)
}

func TestBegin_Twice(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	require.NoError(t, l.SubmitRevision(ctx, "g", "t1", 0, graph.TransactionBegin{TxnID: "t1"}))
	assert.ErrorIs(t, l.SubmitRevision(ctx, "g", "t1", 0, graph.TransactionBegin{TxnID: "t1"}), ErrTransactionExists)
}

func TestSubmitRevision_MarkerTxnMismatch(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	err := l.SubmitRevision(ctx, "g", "t1", 0, graph.TransactionBegin{TxnID: "t2"})
	assert.ErrorIs(t, err, graph.ErrInvalidOperation)
}

func TestSubmit_GraphMismatch(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	txn, err := l.Begin(ctx, "g1")
	require.NoError(t, err)
	assert.ErrorIs(t, l.SubmitRevision(ctx, "g2", txn, 1, geneUpdate("u1")), ErrGraphMismatch)
}

func TestRollback_RemovesUncommitted(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())
	rec := &recordingListener{}
	l.AddListener(rec)

	keep, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", keep, 1, geneUpdate("keep")))

	drop, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevisions(ctx, "g", drop, 1, []graph.Operation{geneUpdate("a"), geneUpdate("b")}))
	require.NoError(t, l.SubmitRevision(ctx, "g", drop, 2, geneUpdate("c")))
	assert.Equal(t, 5, logLen(t, l))

	require.NoError(t, l.Rollback(ctx, "g", drop))
	assert.Equal(t, 2, logLen(t, l))
	assert.Empty(t, collect(t, l.TransactionRevisions(ctx, drop)))
	assert.Equal(t, []string{"g/" + drop}, rec.rollbacks)

	info, err := l.Transaction(ctx, drop)
	require.NoError(t, err)
	assert.Equal(t, TxnRolledBack, info.State)
	assert.ErrorIs(t, l.SubmitRevision(ctx, "g", drop, 3, geneUpdate("d")), ErrTransactionClosed)

	uncommitted := collect(t, l.UncommittedRevisions(ctx))
	require.Len(t, uncommitted, 2)
	for _, c := range uncommitted {
		assert.Equal(t, keep, c.PatchUID)
	}
}

func TestOrdering_ByPatchIdx(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", txn, 3, geneUpdate("third")))
	require.NoError(t, l.SubmitRevision(ctx, "g", txn, 1, geneUpdate("first")))
	require.NoError(t, l.SubmitRevision(ctx, "g", txn, 2, geneUpdate("second")))
	require.NoError(t, l.Commit(ctx, "g", txn, 4))

	var order []string
	for _, c := range collect(t, l.CommittedRevisions(ctx, "g")) {
		for _, op := range c.Operations {
			if nu, ok := op.(graph.NodeUpdate); ok {
				order = append(order, nu.Node.Keys.UIDs[0])
			}
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCommittedRevisions_ExcludesOpenTransactions(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	open, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", open, 1, geneUpdate("pending")))

	done, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", done, 1, geneUpdate("visible")))
	require.NoError(t, l.Commit(ctx, "g", done, 2))

	for _, c := range collect(t, l.CommittedRevisions(ctx, "g")) {
		assert.Equal(t, done, c.PatchUID)
	}
	last, err := l.LastCommitSeq(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestRegistry_AddRemoveDuringNotify(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	var late *Hooks
	first := &Hooks{OnCommit: func(ctx context.Context, graphID, txnID string) error {
		// mutating the registry from inside a notification must not deadlock
		l.AddListener(late)
		return nil
	}}
	late = &Hooks{}
	l.AddListener(first)

	txn, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, "g", txn, 1))
	assert.Len(t, l.Listeners(), 2)

	assert.True(t, l.RemoveListener(first))
	assert.False(t, l.RemoveListener(first))
	assert.Len(t, l.Listeners(), 1)
}

func TestConcurrentSubmitters(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := l.Begin(ctx, "g")
			if !assert.NoError(t, err) {
				return
			}
			for i := int64(1); i <= 10; i++ {
				assert.NoError(t, l.SubmitRevision(ctx, "g", txn, i, geneUpdate(txn)))
			}
			assert.NoError(t, l.Commit(ctx, "g", txn, 11))
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*12, logLen(t, l))
	last, err := l.LastCommitSeq(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(8), last)
}

func TestCommittedRevisions_CommitOrder(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemory())

	a, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	b, err := l.Begin(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SubmitRevision(ctx, "g", a, 1, geneUpdate("a")))
	require.NoError(t, l.SubmitRevision(ctx, "g", b, 1, geneUpdate("b")))
	require.NoError(t, l.Commit(ctx, "g", b, 2))
	require.NoError(t, l.Commit(ctx, "g", a, 2))

	var txns []string
	for _, c := range collect(t, l.CommittedRevisions(ctx, "g")) {
		if len(txns) == 0 || txns[len(txns)-1] != c.PatchUID {
			txns = append(txns, c.PatchUID)
		}
	}
	assert.Equal(t, []string{b, a}, txns, "b committed first although a began first")
}

func TestWithTxnStripes(t *testing.T) {
	l := New(NewMemory())
	assert.Equal(t, keylock.DefaultStripes, l.txnLocks.Stripes())

	l = New(NewMemory(), WithTxnStripes(16))
	assert.Equal(t, 16, l.txnLocks.Stripes())

	l = New(NewMemory(), WithTxnStripes(0))
	assert.Equal(t, keylock.DefaultStripes, l.txnLocks.Stripes())
}
