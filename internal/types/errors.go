package types

import "errors"

// Reject reasons (spec.md §7). Each is returned with a structured reject
// output and never mutates state. No EngineSeq is ever skipped: a
// rejected input still consumes a sequence and a WAL record (see
// internal/shard).
var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrMarketUnknown     = errors.New("market unknown")
	ErrPostOnlyWouldCross = errors.New("post-only would cross")
	ErrFokUnfillable     = errors.New("fok unfillable")
)

// Fatal errors (spec.md §7): WalCorruption and SnapshotCorruption abort
// load/replay; IntegerOverflow indicates an upstream validation bug and
// is fatal wherever it is detected.
var (
	ErrWalCorruption      = errors.New("wal corruption")
	ErrSnapshotCorruption = errors.New("snapshot corruption")
	ErrIntegerOverflow    = errors.New("integer overflow")
)

// ErrBusUnavailable is transient: the caller should retry with backoff.
// Outputs are already durable in the WAL/outbox, so the bus can resume
// from its cursor once it recovers.
var ErrBusUnavailable = errors.New("bus unavailable")
