package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePolicy(t *testing.T) {
	for _, p := range []MergePolicy{PolicyNone, PolicyErr, PolicyAppendNewLeaveExisting, PolicyAppendNewOverwriteExisting, PolicyOverwriteAll} {
		got, err := ParsePolicy(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParsePolicy("overwriteall")
	assert.NoError(t, err)
	assert.Equal(t, PolicyOverwriteAll, got)

	_, err = ParsePolicy("Upsert")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Equal(t, "MergePolicy(9)", MergePolicy(9).String())
}

func TestIsMarker(t *testing.T) {
	assert.True(t, IsMarker(TransactionBegin{TxnID: "t"}))
	assert.True(t, IsMarker(TransactionCommit{TxnID: "t"}))
	assert.True(t, IsMarker(TransactionRollback{TxnID: "t"}))
	assert.False(t, IsMarker(DeleteNode{Keys: UID("Gene", "u1")}))
	assert.False(t, IsMarker(BranchImport{FromGraph: "g"}))

	txn, ok := MarkerTxn(TransactionCommit{TxnID: "t1"})
	assert.True(t, ok)
	assert.Equal(t, "t1", txn)
}

func TestValidate(t *testing.T) {
	good := UID("Gene", "u1")
	tests := []struct {
		name string
		op   Operation
		err  error
	}{
		{"node ok", NodeUpdate{Policy: PolicyOverwriteAll, Node: Node{Keys: good}}, nil},
		{"node no keys", NodeUpdate{Node: Node{Keys: Keys("Gene", nil, nil)}}, ErrUnresolvableKeys},
		{"node bad policy", NodeUpdate{Policy: MergePolicy(42), Node: Node{Keys: good}}, ErrInvalidPolicy},
		{"edge ok", EdgeUpdate{Edge: Edge{Keys: UID("Link", "e1"), From: good, To: UID("Gene", "u2")}}, nil},
		{"edge without endpoint", EdgeUpdate{Edge: Edge{Keys: UID("Link", "e1"), From: good}}, ErrUnresolvableKeys},
		{"delete node", DeleteNode{Keys: good}, nil},
		{"delete edge no keys", DeleteEdge{}, ErrUnresolvableKeys},
		{"begin without txn", TransactionBegin{}, ErrInvalidOperation},
		{"commit ok", TransactionCommit{TxnID: "t"}, nil},
		{"import without source", BranchImport{}, ErrInvalidOperation},
		{"nil", nil, ErrInvalidOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.op)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestProvenanceIsCarried(t *testing.T) {
	op := NodeUpdate{
		Provenance: Provenance{Tags: []string{"import"}, Annotations: []string{"loaded from ensembl"}},
		Node:       Node{Keys: UID("Gene", "u1")},
	}
	var o Operation = op
	assert.Equal(t, []string{"import"}, o.Origin().Tags)
	assert.Equal(t, KindNodeUpdate, o.Kind())
}
