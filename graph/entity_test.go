package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContent_UnmarshalKeepsIntegersExact(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{
		"keys": {"type": "Gene", "uids": ["g1"]},
		"content": {
			"big": 9007199254740993,
			"len": 10,
			"ratio": 0.5,
			"huge": 123456789012345678901234567890,
			"nested": {"pos": [1, 2.5]},
			"name": "abc"
		}
	}`), &n))

	assert.Equal(t, int64(9007199254740993), n.Content["big"])
	assert.Equal(t, int64(10), n.Content["len"])
	assert.Equal(t, 0.5, n.Content["ratio"])
	assert.Equal(t, json.Number("123456789012345678901234567890"), n.Content["huge"])
	assert.Equal(t, map[string]any{"pos": []any{int64(1), 2.5}}, n.Content["nested"])
	assert.Equal(t, "abc", n.Content["name"])

	// Re-encoding reproduces the same digits.
	out, err := json.Marshal(n.Content)
	require.NoError(t, err)
	var back Content
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, n.Content, back)
}

func TestContent_UnmarshalNull(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{"keys": {"uids": ["g1"]}, "content": null}`), &n))
	assert.Nil(t, n.Content)

	var c Content
	assert.Error(t, json.Unmarshal([]byte(`[1, 2]`), &c))
}
