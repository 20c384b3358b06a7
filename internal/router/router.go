// Package router implements spec.md §5's admission path: every accepted
// input is stamped with a single global, strictly-increasing engine_seq
// and routed to exactly one shard by market_id mod shard_count. The
// monotonic counter is grounded on the teacher's infra/sequence.Sequencer
// (atomic.Uint64, replay-resumable via Reset); routing and per-shard
// mailboxes generalize it to the sharded-writer model spec.md §5 adds.
package router

import (
	"context"
	"sync/atomic"

	"clobengine/internal/types"
)

// Router assigns engine_seq and fans inputs out to shard mailboxes. It is
// safe for concurrent Submit calls from multiple ingest goroutines; each
// shard mailbox is drained by exactly one shard goroutine, preserving
// per-shard arrival order (spec.md §5).
type Router struct {
	seq        atomic.Uint64
	mailboxes  []chan types.Envelope
	shardCount uint32
}

// New creates a Router with shardCount mailboxes of mailboxSize capacity
// each. startSeq should be 0 on a fresh start or the last engine_seq
// recovered from a snapshot+WAL replay (spec.md §4.9).
func New(shardCount, mailboxSize int, startSeq types.EngineSeq) *Router {
	r := &Router{
		mailboxes:  make([]chan types.Envelope, shardCount),
		shardCount: uint32(shardCount),
	}
	r.seq.Store(uint64(startSeq))
	for i := range r.mailboxes {
		r.mailboxes[i] = make(chan types.Envelope, mailboxSize)
	}
	return r
}

// ShardFor returns the shard index owning marketID (spec.md §5:
// "market_id mod shard_count").
func (r *Router) ShardFor(marketID types.MarketID) int {
	return int(uint32(marketID) % r.shardCount)
}

// Mailbox returns the receive-only channel a shard goroutine drains.
func (r *Router) Mailbox(shardID int) <-chan types.Envelope {
	return r.mailboxes[shardID]
}

// ShardCount reports how many shards this router fans out to.
func (r *Router) ShardCount() int { return int(r.shardCount) }

// Submit assigns the next engine_seq to kind/input and delivers it to the
// shard owning marketID, blocking if that shard's mailbox is full until
// ctx is done.
func (r *Router) Submit(ctx context.Context, kind types.InputKind, marketID types.MarketID, input types.Input) (types.EngineSeq, error) {
	seq := types.EngineSeq(r.seq.Add(1))
	env := types.Envelope{EngineSeq: seq, Kind: kind, Input: input}
	select {
	case r.mailboxes[r.ShardFor(marketID)] <- env:
		return seq, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// BroadcastShutdown delivers an InputShutdown envelope to every shard,
// each stamped with its own engine_seq so the global sequence stays
// strictly monotonic even though the input has no owning market (spec.md
// §5: "admin inputs with no single owning market are fanned out to every
// shard, each assignment still consuming one slot of the global
// sequence"). It blocks per-shard the same way Submit does.
func (r *Router) BroadcastShutdown(ctx context.Context) error {
	for shardID := range r.mailboxes {
		seq := types.EngineSeq(r.seq.Add(1))
		env := types.Envelope{EngineSeq: seq, Kind: types.InputShutdown}
		select {
		case r.mailboxes[shardID] <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Current reports the last engine_seq issued.
func (r *Router) Current() types.EngineSeq { return types.EngineSeq(r.seq.Load()) }
