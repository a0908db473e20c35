package workcopy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphlog/graph"
)

func TestTokens(t *testing.T) {
	toks := Tokens(graph.Keys("Gene", []string{"u1", "u2"}, []string{"BRCA1"}))
	assert.Equal(t, []string{"u\x1fu1", "u\x1fu2", "n\x1fGene\x1fBRCA1"}, toks)
	assert.Equal(t, "n:Gene:BRCA1", TokenString(toks[2]))
	assert.Empty(t, Tokens(graph.EntityKeys{Type: "Gene"}))
	for _, tok := range toks {
		assert.NotContains(t, tok, "\x00")
	}
}

func TestMemory_FindByAnyKey(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()

	stored, err := wc.UpsertNode(ctx, &graph.Node{
		Keys:    graph.Keys("Gene", []string{"u1"}, []string{"BRCA1"}),
		Content: graph.Content{"chrom": "17"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	byUID, err := wc.FindNode(ctx, graph.UID("", "u1"))
	require.NoError(t, err)
	require.NotNil(t, byUID)
	assert.Equal(t, stored.ID, byUID.ID)

	byName, err := wc.FindNode(ctx, graph.Name("Gene", "BRCA1"))
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, stored.ID, byName.ID)

	// names are scoped by type
	other, err := wc.FindNode(ctx, graph.Name("Protein", "BRCA1"))
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestMemory_UpsertReindexes(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()

	n, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "u1")})
	require.NoError(t, err)

	n.Keys = graph.Keys("Gene", []string{"u1", "u2"}, nil)
	n.Content = graph.Content{"len": 10.0}
	again, err := wc.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)

	found, err := wc.FindNode(ctx, graph.UID("Gene", "u2"))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 10.0, found.Content["len"])

	nodes, edges := wc.Len()
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 0, edges)
}

func TestMemory_FirstMatchWins(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()

	a, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "a")})
	require.NoError(t, err)
	_, err = wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "b")})
	require.NoError(t, err)

	found, err := wc.FindNode(ctx, graph.Keys("Gene", []string{"b", "a"}, nil))
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()
	_, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "u1"), Content: graph.Content{"x": "1"}})
	require.NoError(t, err)

	found, err := wc.FindNode(ctx, graph.UID("Gene", "u1"))
	require.NoError(t, err)
	found.Content["x"] = "mutated"

	again, err := wc.FindNode(ctx, graph.UID("Gene", "u1"))
	require.NoError(t, err)
	assert.Equal(t, "1", again.Content["x"])
}

func TestMemory_Edges(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()

	_, err := wc.UpsertEdge(ctx, &graph.Edge{
		Keys: graph.UID("Encodes", "e1"),
		From: graph.UID("Gene", "g1"),
		To:   graph.UID("Protein", "p1"),
	})
	require.NoError(t, err)
	_, err = wc.UpsertEdge(ctx, &graph.Edge{
		Keys:    graph.UID("Regulates", "e2"),
		From:    graph.UID("Gene", "g2"),
		To:      graph.UID("Gene", "g1"),
		Hanging: true,
	})
	require.NoError(t, err)

	from, err := Collect(wc.EdgesFromNode(ctx, graph.UID("Gene", "g1")))
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "Encodes", from[0].Keys.Type)

	to, err := Collect(wc.EdgesToNode(ctx, graph.UID("Gene", "g1")))
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "Regulates", to[0].Keys.Type)

	hanging, err := Collect(wc.HangingEdges(ctx))
	require.NoError(t, err)
	require.Len(t, hanging, 1)
	assert.True(t, hanging[0].Keys.HasUID("e2"))

	byType, err := Collect(wc.EdgesByType(ctx, "Encodes"))
	require.NoError(t, err)
	assert.Len(t, byType, 1)

	all, err := Collect(wc.EdgesByType(ctx, ""))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_DeleteNodeLeavesEdges(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()

	_, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "g1")})
	require.NoError(t, err)
	_, err = wc.UpsertEdge(ctx, &graph.Edge{
		Keys: graph.UID("Encodes", "e1"),
		From: graph.UID("Gene", "g1"),
		To:   graph.UID("Protein", "p1"),
	})
	require.NoError(t, err)

	ok, err := wc.DeleteNode(ctx, graph.UID("Gene", "g1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = wc.DeleteNode(ctx, graph.UID("Gene", "g1"))
	require.NoError(t, err)
	assert.False(t, ok)

	edges, err := Collect(wc.EdgesFromNode(ctx, graph.UID("Gene", "g1")))
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	ok, err = wc.DeleteEdge(ctx, graph.UID("Encodes", "e1"))
	require.NoError(t, err)
	assert.True(t, ok)
	edges, err = Collect(wc.EdgesFromNode(ctx, graph.UID("Gene", "g1")))
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestMemory_NodesByTypeInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()
	for _, uid := range []string{"c", "a", "b"} {
		_, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", uid)})
		require.NoError(t, err)
	}
	_, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Protein", "p")})
	require.NoError(t, err)

	genes, err := Collect(wc.NodesByType(ctx, "Gene"))
	require.NoError(t, err)
	var uids []string
	for _, n := range genes {
		uids = append(uids, n.Keys.UIDs[0])
	}
	assert.Equal(t, []string{"c", "a", "b"}, uids)
}

func TestMemory_ClearAndMeta(t *testing.T) {
	ctx := context.Background()
	wc := NewMemory()
	_, err := wc.UpsertNode(ctx, &graph.Node{Keys: graph.UID("Gene", "g1")})
	require.NoError(t, err)
	require.NoError(t, wc.SetMeta(ctx, "watermark", "3"))

	v, ok, err := wc.Meta(ctx, "watermark")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	require.NoError(t, wc.Clear(ctx))
	nodes, _ := wc.Len()
	assert.Zero(t, nodes)
	_, ok, err = wc.Meta(ctx, "watermark")
	require.NoError(t, err)
	assert.False(t, ok)
}
