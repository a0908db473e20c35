package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphlog/graph"
)

func sampleOps() []graph.Operation {
	return []graph.Operation{
		graph.TransactionBegin{TxnID: "t1"},
		graph.NodeUpdate{
			Provenance: graph.Provenance{Tags: []string{"import"}},
			Policy:     graph.PolicyAppendNewLeaveExisting,
			Node: graph.Node{
				Keys:    graph.Keys("Gene", []string{"u1"}, []string{"BRCA1"}),
				Content: graph.Content{"chrom": "17", "len": 81189.0},
			},
		},
		graph.EdgeUpdate{
			Policy: graph.PolicyOverwriteAll,
			Edge: graph.Edge{
				Keys: graph.UID("Encodes", "e1"),
				From: graph.UID("Gene", "u1"),
				To:   graph.Name("Protein", "P38398"),
			},
		},
		graph.DeleteNode{Keys: graph.UID("Gene", "old")},
		graph.BranchImport{FromGraph: "upstream"},
	}
}

func TestEncode_ZstdMagic(t *testing.T) {
	packed, err := Encode(sampleOps())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(packed), 4)
	assert.Equal(t, []byte{0x28, 0xB5, 0x2F, 0xFD}, packed[:4])
}

func TestRoundTrip(t *testing.T) {
	ops := sampleOps()
	packed, err := Encode(ops)
	require.NoError(t, err)

	got, err := Decode(packed)
	require.NoError(t, err)
	require.Len(t, got, len(ops))

	nu, ok := got[1].(graph.NodeUpdate)
	require.True(t, ok)
	assert.Equal(t, graph.PolicyAppendNewLeaveExisting, nu.Policy)
	assert.Equal(t, []string{"import"}, nu.Tags)
	assert.True(t, nu.Node.Keys.Equal(graph.Keys("Gene", []string{"u1"}, []string{"BRCA1"})))
	assert.Equal(t, int64(81189), nu.Node.Content["len"], "whole numbers decode as int64")

	eu, ok := got[2].(graph.EdgeUpdate)
	require.True(t, ok)
	assert.Equal(t, "Protein", eu.Edge.To.Type)

	assert.Equal(t, graph.TransactionBegin{TxnID: "t1"}, got[0])
	assert.Equal(t, graph.BranchImport{FromGraph: "upstream"}, got[4])
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(sampleOps())
	require.NoError(t, err)
	b, err := Encode(sampleOps())
	require.NoError(t, err)

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestEmpty(t *testing.T) {
	packed, err := Encode(nil)
	require.NoError(t, err)
	got, err := DecodeFrom(bytes.NewReader(packed))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecode_DetectsTampering(t *testing.T) {
	packed, err := Encode(sampleOps())
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(packed, nil)
	require.NoError(t, err)

	// flip one byte of the last operation's data
	raw[len(raw)-2] ^= 0xFF

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	tampered := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	_, err = Decode(tampered)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not zstd"))
	assert.ErrorIs(t, err, ErrMalformed)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	head := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(head, 1000)
	_, err = Decode(enc.EncodeAll(head, nil))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeSum_Check(t *testing.T) {
	blob, sum, err := EncodeSum(sampleOps())
	require.NoError(t, err)

	digest, err := Digest(blob)
	require.NoError(t, err)
	assert.Equal(t, sum, digest)
	assert.NoError(t, Check(blob, sum))

	other, _, err := EncodeSum(sampleOps()[:2])
	require.NoError(t, err)
	assert.ErrorIs(t, Check(other, sum), ErrChecksumMismatch)
}
