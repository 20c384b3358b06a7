// Package wal implements the write-ahead log (spec.md §4.8): a sequence
// of length+CRC framed records, each carrying one accepted Input, one
// Output batch, or a SnapshotMark coordination record. Framing and
// segment rotation follow the teacher's wal/core_wal.go; record payload
// encoding uses encoding/gob rather than the teacher's protobuf path
// because the wire/external codec is explicitly out of this engine's
// scope (spec.md §1) and protobuf's generated stubs (loki/api/pb,
// loki/wal/walpb) are absent from the retrieval pack — gob is the
// stdlib's only self-describing binary codec and this payload never
// crosses a process boundary, so no third-party library applies here.
package wal

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"clobengine/internal/types"
)

// Kind selects which payload a Record carries (spec.md §4.8).
type Kind uint8

const (
	KindInput Kind = iota
	KindOutput
	KindSnapshotMark
)

// Record is one WAL entry. Payload is the gob encoding of an
// types.Envelope (KindInput), a []types.Output batch (KindOutput), or a
// snapshotMarkPayload (KindSnapshotMark).
type Record struct {
	EngineSeq types.EngineSeq
	Kind      Kind
	Payload   []byte
}

type snapshotMarkPayload struct {
	SnapshotSeq types.EngineSeq
}

// EncodeInput builds the payload for a KindInput record.
func EncodeInput(env types.Envelope) ([]byte, error) {
	return gobEncode(env)
}

// DecodeInput reverses EncodeInput.
func DecodeInput(payload []byte) (types.Envelope, error) {
	var env types.Envelope
	err := gobDecode(payload, &env)
	return env, err
}

// EncodeOutputs builds the payload for a KindOutput record: every output
// produced while applying one input, in emission order (spec.md §4.8:
// "one Output record per applied Input, holding every output it produced").
func EncodeOutputs(outputs []types.Output) ([]byte, error) {
	return gobEncode(outputs)
}

// DecodeOutputs reverses EncodeOutputs.
func DecodeOutputs(payload []byte) ([]types.Output, error) {
	var outputs []types.Output
	err := gobDecode(payload, &outputs)
	return outputs, err
}

// EncodeSnapshotMark builds the payload for a KindSnapshotMark record,
// which tells a replay driver it may skip everything at or before
// snapshotSeq once it has loaded the matching snapshot (spec.md §4.9).
func EncodeSnapshotMark(snapshotSeq types.EngineSeq) ([]byte, error) {
	return gobEncode(snapshotMarkPayload{SnapshotSeq: snapshotSeq})
}

// DecodeSnapshotMark reverses EncodeSnapshotMark.
func DecodeSnapshotMark(payload []byte) (types.EngineSeq, error) {
	var p snapshotMarkPayload
	if err := gobDecode(payload, &p); err != nil {
		return 0, err
	}
	return p.SnapshotSeq, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wal: encode record payload: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("wal: decode record payload: %w", err)
	}
	return nil
}
