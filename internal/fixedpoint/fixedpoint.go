// Package fixedpoint implements spec.md §4.1: integer-only price/quantity
// arithmetic with widening multiplication and a single, platform-independent
// rounding rule. Nothing here touches float64 — the hot matching path must
// be bit-reproducible across machines.
package fixedpoint

import (
	"math/bits"

	"clobengine/internal/types"
)

// Notional computes price*quantity in quote units, widening to a 128-bit
// intermediate so large ticks*lots products never silently wrap. Overflow
// of the final narrow-back to int64 is a fatal logic error per spec.md
// §4.1 (ErrIntegerOverflow) — it means a market's tick/lot/leverage
// configuration let through a position size the risk layer should have
// rejected upstream.
func Notional(price, quantity int64) (int64, error) {
	if price < 0 || quantity < 0 {
		return 0, types.ErrValidation
	}
	hi, lo := bits.Mul64(uint64(price), uint64(quantity))
	if hi != 0 || lo > uint64(1<<63-1) {
		return 0, types.ErrIntegerOverflow
	}
	return int64(lo), nil
}

// FeeBps computes round_half_to_even(notional * bps / 10_000) in quote
// units (spec.md §4.1). bps is basis points (1 bps = 1/10_000). The
// division/rounding step is the only place ties can occur, and they are
// resolved identically on every platform: round to the nearest integer,
// and on an exact half, round to the even result.
func FeeBps(notional, bps int64) int64 {
	if notional == 0 || bps == 0 {
		return 0
	}
	neg := false
	if notional < 0 {
		neg = true
		notional = -notional
	}
	if bps < 0 {
		neg = !neg
		bps = -bps
	}

	hi, lo := bits.Mul64(uint64(notional), uint64(bps))
	const den = 10_000
	q, r := bits.Div64(hi, lo, den)

	// round_half_to_even on r/den.
	twice := r * 2
	switch {
	case twice > den:
		q++
	case twice == den && q%2 == 1:
		q++
	}

	fee := int64(q)
	if neg {
		fee = -fee
	}
	return fee
}

// RequiredMargin computes notional * marginBps / 10_000, using the same
// widening/rounding rule as FeeBps (spec.md §4.4).
func RequiredMargin(notional, marginBps int64) int64 {
	return FeeBps(notional, marginBps)
}

// MinInt64 returns the smaller of a, b — used throughout matching to
// compute traded quantity as min(incoming_remaining, maker_remaining).
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
