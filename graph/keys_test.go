package graph

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys_Normalizes(t *testing.T) {
	k := Keys("Gene", []string{"u2", "u1", "u2", ""}, []string{"b", "a"})
	assert.Equal(t, []string{"u1", "u2"}, k.UIDs)
	assert.Equal(t, []string{"a", "b"}, k.Names)
	assert.True(t, k.Resolvable())
	assert.False(t, Keys("Gene", nil, []string{""}).Resolvable())
}

func TestMergeKeys_UnionsIdentity(t *testing.T) {
	existing := Keys("Gene", []string{"u1"}, []string{"BRCA1"})
	incoming := Keys("", []string{"u2"}, []string{"brca1"})

	merged, err := MergeKeys(existing, incoming)
	require.NoError(t, err)
	assert.Equal(t, "Gene", merged.Type)
	assert.Equal(t, []string{"u1", "u2"}, merged.UIDs)
	assert.Equal(t, []string{"BRCA1", "brca1"}, merged.Names)
}

func TestMergeKeys_TakesIncomingTypeWhenExistingEmpty(t *testing.T) {
	merged, err := MergeKeys(Keys("", []string{"u1"}, nil), Keys("Gene", []string{"u1"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "Gene", merged.Type)
}

func TestMergeKeys_TypeConflict(t *testing.T) {
	_, err := MergeKeys(UID("Gene", "u1"), UID("Chromosome", "u1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeConflict))

	var tc *TypeConflictError
	require.True(t, errors.As(err, &tc))
	assert.Equal(t, "Gene", tc.Existing)
	assert.Equal(t, "Chromosome", tc.Incoming)
}

func TestMergeAllKeys_OrderIndependent(t *testing.T) {
	keysets := []EntityKeys{
		Keys("Gene", []string{"u1"}, nil),
		Keys("", []string{"u2", "u3"}, []string{"n1"}),
		Keys("Gene", nil, []string{"n2", "n1"}),
		Keys("", []string{"u1", "u4"}, nil),
		Keys("Gene", []string{"u5"}, []string{"n3"}),
	}

	want, err := MergeAllKeys(keysets...)
	require.NoError(t, err)
	assert.Equal(t, "Gene", want.Type)
	assert.Equal(t, []string{"u1", "u2", "u3", "u4", "u5"}, want.UIDs)
	assert.Equal(t, []string{"n1", "n2", "n3"}, want.Names)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]EntityKeys(nil), keysets...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := MergeAllKeys(shuffled...)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "fold order %d changed the result: %s vs %s", i, want, got)
	}
}

func TestMergeAllKeys_Associative(t *testing.T) {
	a := Keys("Gene", []string{"u1"}, []string{"x"})
	b := Keys("", []string{"u2"}, nil)
	c := Keys("Gene", nil, []string{"y"})

	ab, err := MergeKeys(a, b)
	require.NoError(t, err)
	left, err := MergeKeys(ab, c)
	require.NoError(t, err)

	bc, err := MergeKeys(b, c)
	require.NoError(t, err)
	right, err := MergeKeys(a, bc)
	require.NoError(t, err)

	assert.True(t, left.Equal(right))
}

func TestMergeAllKeys_ConflictAnywhereFails(t *testing.T) {
	_, err := MergeAllKeys(UID("", "u1"), UID("Gene", "u1"), UID("Chromosome", "u1"))
	assert.ErrorIs(t, err, ErrTypeConflict)
}

func TestEntityKeys_String(t *testing.T) {
	k := Keys("Gene", []string{"u1"}, []string{"abc"})
	assert.Equal(t, "Gene{uids=u1 names=abc}", k.String())
}
