package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphlog/player"
	"graphlog/proto"
)

const opsJSON = `[
  {"kind": "NodeUpdate", "policy": "OverwriteAll", "node": {"keys": {"type": "Person", "uids": ["p1"]}, "content": {"name": "ada"}}},
  {"kind": "EdgeUpdate", "edge": {"keys": {"type": "knows", "uids": ["k1"]}, "from": {"type": "Person", "uids": ["p1"]}, "to": {"type": "Person", "uids": ["p2"]}}}
]`

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestReadOperations(t *testing.T) {
	ops, err := readOperations("-", strings.NewReader(opsJSON))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "NodeUpdate", ops[0].Kind)

	_, err = readOperations("-", strings.NewReader(`{"kind": "NodeUpdate"}`))
	assert.Error(t, err)

	_, err = readOperations(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

func TestSubmitThenInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, []byte(opsJSON), 0644))
	data := filepath.Join(dir, "data")

	var cr proto.CommitResponse
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "submit", "social", path)), &cr))
	assert.Equal(t, "committed", cr.State)
	assert.Equal(t, int64(1), cr.CommitSeq)

	typeFilter = ""
	var nodes proto.NodesResponse
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "nodes", "social", "--type", "Person")), &nodes))
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, "ada", nodes.Nodes[0].Content["name"])

	var edges proto.EdgesResponse
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "edges", "social", "--type", "knows")), &edges))
	require.Len(t, edges.Edges, 1)
	assert.True(t, edges.Edges[0].Hanging)

	var revs proto.RevisionsResponse
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "log", "social")), &revs))
	assert.Len(t, revs.Revisions, 3)

	var st player.Status
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "status", "social")), &st))
	assert.Equal(t, int64(1), st.Watermark)
	assert.False(t, st.Behind)

	var rep proto.RepairResponse
	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "repair", "social")), &rep))
	assert.Zero(t, rep.Repaired, "p2 never arrived")

	require.NoError(t, json.Unmarshal([]byte(run(t, "--data", data, "replay", "social", "--rebuild")), &st))
	assert.Equal(t, int64(1), st.Watermark)
}
