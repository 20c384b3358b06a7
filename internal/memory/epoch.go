package memory

import "sync/atomic"

// GlobalEpoch is one package-level counter shared by every shard in the
// process; each shard advances it on its own reclaim passes. Each shard
// owns its own memory.Pool and RetireRing and never shares them with
// another shard — see internal/shard.
var GlobalEpoch atomic.Uint64

const inactive = ^uint64(0)

// ReaderEpoch marks when a reader (a Snapshot() caller, or the snapshot
// writer) entered a read section, so the reclaimer knows which retired
// orders are still possibly visible.
type ReaderEpoch struct {
	epoch atomic.Uint64
}

func (r *ReaderEpoch) Enter() { r.epoch.Store(GlobalEpoch.Load()) }
func (r *ReaderEpoch) Exit()  { r.epoch.Store(inactive) }
func (r *ReaderEpoch) Value() uint64 { return r.epoch.Load() }

// ReclaimablePool is the only requirement for reclamation — intentionally
// type-erased so AdvanceEpochAndReclaim doesn't need to know the concrete
// pooled type.
type ReclaimablePool interface {
	PutAny(any)
}

// AdvanceEpochAndReclaim advances the epoch and drains the retire ring up
// to (but not including) the first object retired at or after the oldest
// active reader's epoch. The ring's FIFO order guarantees that once one
// object is unsafe to reclaim, everything behind it is too.
func AdvanceEpochAndReclaim(ring *RetireRing, pool ReclaimablePool, readers ...*ReaderEpoch) {
	GlobalEpoch.Add(1)
	min := minReaderEpoch(readers...)

	for {
		obj := ring.Dequeue()
		if obj == nil {
			return
		}
		re, ok := obj.(retiredAt)
		if !ok || min == inactive || re.RetiredEpoch() < min {
			pool.PutAny(obj)
			continue
		}
		_ = ring.Enqueue(obj)
		return
	}
}

// retiredAt is implemented by pooled types that stamp their retirement
// epoch (types.Order does, via its retireEpoch field).
type retiredAt interface {
	RetiredEpoch() uint64
}

func minReaderEpoch(readers ...*ReaderEpoch) uint64 {
	min := inactive
	for _, r := range readers {
		if r == nil {
			continue
		}
		if v := r.Value(); v < min {
			min = v
		}
	}
	return min
}
