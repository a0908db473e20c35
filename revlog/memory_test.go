package revlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AppendAssignsSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := &Container{GraphID: "g", PatchUID: "t", PatchIdx: 1}
	b := &Container{GraphID: "g", PatchUID: "t", PatchIdx: 1}
	idA, err := m.Append(ctx, a)
	require.NoError(t, err)
	_, err = m.Append(ctx, b)
	require.NoError(t, err)

	assert.NotEmpty(t, idA)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.NotZero(t, a.Timestamp)

	// equal PatchIdx falls back to append order
	var seqs []int64
	for c, err := range m.ByTransaction(ctx, "t") {
		require.NoError(t, err)
		seqs = append(seqs, c.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestMemory_IteratorStopsOnCancel(t *testing.T) {
	m := NewMemory()
	for i := int64(0); i < 5; i++ {
		_, err := m.Append(context.Background(), &Container{GraphID: "g", PatchUID: "t", PatchIdx: i})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	var lastErr error
	for c, err := range m.ByGraph(ctx, "g", false) {
		if err != nil {
			lastErr = err
			break
		}
		n++
		if c.PatchIdx == 1 {
			cancel()
		}
	}
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, lastErr, context.Canceled)
}

func TestMemory_CommitSeqPerGraph(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, info := range []TransactionInfo{
		{ID: "a", GraphID: "g1"},
		{ID: "b", GraphID: "g2"},
		{ID: "c", GraphID: "g1"},
	} {
		require.NoError(t, m.CreateTransaction(ctx, info))
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.MarkCommitted(ctx, id)
		require.NoError(t, err)
	}
	c, err := m.Transaction(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CommitSeq)

	last, err := m.LastCommitSeq(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	_, err = m.MarkCommitted(ctx, "a")
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.ErrorIs(t, m.CreateTransaction(ctx, TransactionInfo{ID: "a"}), ErrTransactionExists)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateTransaction(ctx, TransactionInfo{ID: "t", GraphID: "g"}))

	info, err := m.Transaction(ctx, "t")
	require.NoError(t, err)
	info.State = TxnCommitted

	again, err := m.Transaction(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, TxnOpen, again.State)
}
