// Package pack encodes the operations of a revision container into a
// compressed, self-verifying blob.
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"graphlog/cas"
	"graphlog/graph"
	"graphlog/proto"
)

// Pack format (zstd-compressed):
// [4 bytes: header length (big-endian)]
// [header JSON: Header]
// [operation data...]
//
// Each header entry carries the BLAKE3 digest, kind, offset (relative to
// data start) and length of one canonical-JSON operation.

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 10 * 1024 * 1024
)

var (
	ErrChecksumMismatch = errors.New("pack checksum mismatch")
	ErrMalformed        = errors.New("malformed pack")
)

// Header indexes the operations of a pack.
type Header struct {
	Objects []Entry `json:"objects"`
}

type Entry struct {
	Digest []byte `json:"digest"`
	Kind   string `json:"kind"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Encode packs ops in order.
func Encode(ops []graph.Operation) ([]byte, error) {
	blob, _, err := EncodeSum(ops)
	return blob, err
}

// EncodeSum packs ops and also returns the BLAKE3 digest of the
// uncompressed pack.
func EncodeSum(ops []graph.Operation) (blob, sum []byte, err error) {
	var header Header
	var data bytes.Buffer

	for i, op := range ops {
		w, err := proto.FromOperation(op)
		if err != nil {
			return nil, nil, fmt.Errorf("operation %d: %w", i, err)
		}
		content, err := cas.CanonicalJSON(w)
		if err != nil {
			return nil, nil, fmt.Errorf("operation %d: canonical json: %w", i, err)
		}
		header.Objects = append(header.Objects, Entry{
			Digest: cas.Blake3Hash(content),
			Kind:   w.Kind,
			Offset: int64(data.Len()),
			Length: int64(len(content)),
		})
		data.Write(content)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling header: %w", err)
	}

	var raw bytes.Buffer
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	raw.Write(headerLen)
	raw.Write(headerJSON)
	raw.Write(data.Bytes())

	return encoder.EncodeAll(raw.Bytes(), nil), cas.Blake3Hash(raw.Bytes()), nil
}

// Check verifies blob against a digest returned by EncodeSum.
func Check(blob, sum []byte) error {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("%w: decompressing: %v", ErrMalformed, err)
	}
	if !cas.Verify(raw, sum) {
		return ErrChecksumMismatch
	}
	return nil
}

// Decode unpacks a blob produced by Encode, verifying every digest.
func Decode(blob []byte) ([]graph.Operation, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrMalformed, err)
	}
	header, data, err := split(raw)
	if err != nil {
		return nil, err
	}

	ops := make([]graph.Operation, 0, len(header.Objects))
	for i, obj := range header.Objects {
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(data)) {
			return nil, fmt.Errorf("%w: operation %d extends beyond data", ErrMalformed, i)
		}
		content := data[obj.Offset : obj.Offset+obj.Length]
		if !cas.Verify(content, obj.Digest) {
			return nil, fmt.Errorf("%w: operation %d at offset %d", ErrChecksumMismatch, i, obj.Offset)
		}

		var w proto.Operation
		if err := json.Unmarshal(content, &w); err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrMalformed, i, err)
		}
		op, err := w.ToOperation()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// DecodeFrom reads a whole pack from r.
func DecodeFrom(r io.Reader) ([]graph.Operation, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading pack: %w", err)
	}
	return Decode(blob)
}

// Digest returns the BLAKE3 digest of the uncompressed pack, used as the
// container checksum.
func Digest(blob []byte) ([]byte, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrMalformed, err)
	}
	return cas.Blake3Hash(raw), nil
}

func split(raw []byte) (*Header, []byte, error) {
	if len(raw) < HeaderLengthSize {
		return nil, nil, fmt.Errorf("%w: pack too small: %d bytes", ErrMalformed, len(raw))
	}
	headerLen := binary.BigEndian.Uint32(raw[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header too large: %d bytes", ErrMalformed, headerLen)
	}
	if int(HeaderLengthSize+headerLen) > len(raw) {
		return nil, nil, fmt.Errorf("%w: header length exceeds pack size", ErrMalformed)
	}

	var header Header
	if err := json.Unmarshal(raw[HeaderLengthSize:HeaderLengthSize+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing header: %v", ErrMalformed, err)
	}
	return &header, raw[HeaderLengthSize+headerLen:], nil
}
