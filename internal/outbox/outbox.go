// Package outbox is a pebble-backed durable queue that decouples a
// shard's WAL-committed outputs from bus availability: an output is
// written here the instant it is durable, and a separate publisher drains
// it independently, retrying with backoff on transport failure without
// blocking the shard's single-writer loop (spec.md §5, §7
// ErrBusUnavailable). Re-keyed by engine_seq instead of the teacher's
// per-order-id key (infra/wal/exit/wal.go), since what needs at-least-
// once delivery here is the output batch for one applied input, not one
// order's lifecycle.
package outbox

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"clobengine/internal/types"
)

// State is this record's delivery status.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

// Record is one outbox entry: the raw output payload plus delivery
// bookkeeping.
type Record struct {
	State       State
	Payload     []byte
	Retries     uint32
	LastAttempt int64 // unix nanos of the last publish attempt, 0 if never attempted
}

// Outbox wraps a pebble.DB keyed by zero-padded engine_seq.
type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error { return o.db.Close() }

// PutNew durably records a freshly-committed output payload, state NEW.
func (o *Outbox) PutNew(seq types.EngineSeq, payload []byte) error {
	rec := Record{State: StateNew, Payload: payload}
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// MarkSent transitions a record to SENT after a publish attempt succeeds
// but before the bus has acknowledged it (for brokers with async acks;
// synchronous publishers can call MarkAcked directly).
func (o *Outbox) MarkSent(seq types.EngineSeq) error {
	return o.transition(seq, StateSent, func(r *Record) {})
}

// MarkAcked transitions a record to ACKED; ScanPending stops surfacing it.
func (o *Outbox) MarkAcked(seq types.EngineSeq) error {
	return o.transition(seq, StateAcked, func(r *Record) {})
}

// MarkRetry bumps the retry counter and timestamp after a failed publish
// attempt, leaving state at NEW so ScanPending retries it.
func (o *Outbox) MarkRetry(seq types.EngineSeq) error {
	return o.transition(seq, StateNew, func(r *Record) {
		r.Retries++
		r.LastAttempt = time.Now().UnixNano()
	})
}

func (o *Outbox) transition(seq types.EngineSeq, state State, mutate func(*Record)) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	mutate(&rec)
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// Delete removes an ACKED entry once it no longer needs redelivery.
func (o *Outbox) Delete(seq types.EngineSeq) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

// Get returns the current record for seq.
func (o *Outbox) Get(seq types.EngineSeq) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, fmt.Errorf("outbox: get %d: %w", seq, err)
	}
	defer closer.Close()
	return decodeRecord(val)
}

// ScanPending visits every record not yet ACKED, in engine_seq order, so
// a publisher resuming after a restart redelivers in the original
// sequence.
func (o *Outbox) ScanPending(fn func(seq types.EngineSeq, rec Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix(),
		UpperBound: keyPrefixEnd(),
	})
	if err != nil {
		return fmt.Errorf("outbox: scan: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if err := fn(seq, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

const keyNS = "out/"

func keyFor(seq types.EngineSeq) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyNS, uint64(seq)))
}

func keyPrefix() []byte    { return []byte(keyNS) }
func keyPrefixEnd() []byte { return []byte(keyNS + "~") }

func parseKey(key []byte) (types.EngineSeq, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(bytes.TrimPrefix(key, []byte(keyNS))), "%d", &seq); err != nil {
		return 0, fmt.Errorf("outbox: parse key %q: %w", key, err)
	}
	return types.EngineSeq(seq), nil
}

// encoding: [state:1][retries:4][lastAttempt:8][payloadLen:4][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, 1+4+8+4+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(r.Payload)))
	copy(buf[17:], r.Payload)
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < 17 {
		return Record{}, fmt.Errorf("outbox: record too short: %d bytes", len(b))
	}
	payloadLen := binary.BigEndian.Uint32(b[13:17])
	if len(b) != 17+int(payloadLen) {
		return Record{}, fmt.Errorf("outbox: record length mismatch")
	}
	return Record{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[17:]...),
	}, nil
}
