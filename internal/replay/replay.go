// Package replay implements spec.md §4.10's determinism check: reload a
// shard from its last snapshot, re-apply every WAL record after it with
// outbox publishing disabled, and compare the outputs it recomputes
// against the outputs the original run logged. Any divergence means the
// engine is not deterministic and is reported rather than silently
// accepted, grounded on the teacher's service/replay.go (which does the
// same load-snapshot-then-reapply walk against its own WAL format).
package replay

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"clobengine/internal/shard"
	"clobengine/internal/snapshot"
	"clobengine/internal/types"
	"clobengine/internal/wal"
)

// Mismatch describes one WAL input whose recomputed outputs differ from
// what was logged.
type Mismatch struct {
	EngineSeq types.EngineSeq
	Logged    []types.Output
	Recomputed []types.Output
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("replay: output mismatch at engine_seq %d: logged %d output(s), recomputed %d", m.EngineSeq, len(m.Logged), len(m.Recomputed))
}

// Verify reloads sh from snapshotPath (if present) and replays every WAL
// record in walDir after the snapshot's boundary, returning the first
// Mismatch found, or nil if every recomputed output batch matched the
// logged one exactly.
func Verify(walDir, snapshotPath string, sh *shard.Shard) (*Mismatch, error) {
	if snapshotPath != "" {
		if _, err := os.Stat(snapshotPath); err == nil {
			state, err := snapshot.Load(snapshotPath)
			if err != nil {
				return nil, fmt.Errorf("replay: load snapshot: %w", err)
			}
			sh.LoadSnapshot(state)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("replay: stat snapshot: %w", err)
		}
	}
	sh.DisableOutputs()

	skipUpTo := sh.LastSnapshotSeq()
	var pending *types.Envelope
	var mismatch *Mismatch

	err := wal.Iterate(walDir, func(rec wal.Record) error {
		if mismatch != nil {
			return nil // already found one; drain the rest without reapplying
		}
		if rec.EngineSeq <= skipUpTo {
			return nil
		}
		switch rec.Kind {
		case wal.KindSnapshotMark:
			return nil

		case wal.KindInput:
			env, err := wal.DecodeInput(rec.Payload)
			if err != nil {
				return fmt.Errorf("replay: decode input at seq %d: %w", rec.EngineSeq, err)
			}
			pending = &env

		case wal.KindOutput:
			logged, err := wal.DecodeOutputs(rec.Payload)
			if err != nil {
				return fmt.Errorf("replay: decode outputs at seq %d: %w", rec.EngineSeq, err)
			}
			if pending == nil || pending.EngineSeq != rec.EngineSeq {
				return fmt.Errorf("replay: output record at seq %d has no matching input record", rec.EngineSeq)
			}
			recomputed, _ := sh.Apply(*pending)
			if !outputsEqual(logged, recomputed) {
				mismatch = &Mismatch{EngineSeq: rec.EngineSeq, Logged: logged, Recomputed: recomputed}
			}
			pending = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mismatch, nil
}

func outputsEqual(a, b []types.Output) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
