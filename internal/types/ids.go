// Package types holds the data shared across every layer of the engine:
// identifiers, order/account state, and the input/output event wire
// shapes from spec.md §3 and §6.
package types

// MarketID selects a shard: shard = uint64(MarketID) % shardCount.
type MarketID uint32

// AccountID owns orders, fills, and risk state.
type AccountID uint64

// OrderID is globally unique and stable across replay.
type OrderID uint64

// ClientOrderID is the caller-supplied correlation id echoed in acks/rejects.
type ClientOrderID uint64

// EngineSeq is the single monotonically-increasing identity assigned by the
// router to every accepted input, and to its resulting outputs.
type EngineSeq uint64
