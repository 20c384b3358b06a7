// Package matcher implements spec.md §4.3 (continuous price-time
// matching) and §4.5 (uniform-price batch auction). Both return a
// deterministic list of fills and leave book-delta bookkeeping to the
// orderbook.Book they operate on — risk application and residual
// persistence happen one layer up, in internal/shard, which is the only
// place margin state and book state are touched together (spec.md §4.3:
// "Risk is debited per fill").
package matcher

import (
	"clobengine/internal/fixedpoint"
	"clobengine/internal/orderbook"
	"clobengine/internal/types"
)

// Reject is returned by ContinuousMatch when the order must be rejected
// with no book or fill side effects (POST_ONLY cross, FOK shortfall).
type Reject struct {
	Err error
}

func (r *Reject) Error() string { return r.Err.Error() }

// Residual describes what ContinuousMatch did with whatever quantity the
// incoming order did not fill.
type Residual int

const (
	// ResidualNone means the order fully filled.
	ResidualNone Residual = iota
	// ResidualRested means the remaining quantity was inserted into the book.
	ResidualRested
	// ResidualCancelled means the remaining quantity was discarded (IOC/FOK/market).
	ResidualCancelled
)

// Result is everything ContinuousMatch produced for one incoming order.
type Result struct {
	Fills    []types.Fill
	Residual Residual
}

// ContinuousMatch executes the contract in spec.md §4.3 against book for
// one newly-accepted order. o.Quantity is mutated in place as it fills;
// on return o.Quantity is the unfilled residual (0 if fully filled).
func ContinuousMatch(book *orderbook.Book, cfg types.MarketConfig, o *types.Order, ts int64) (*Result, *Reject) {
	opp := o.Side.Opposite()

	if o.TIF == types.PostOnly && wouldCross(book, o) {
		return nil, &Reject{Err: types.ErrPostOnlyWouldCross}
	}

	if o.TIF == types.FOK {
		if maxFillable(book, o) < o.Quantity {
			return nil, &Reject{Err: types.ErrFokUnfillable}
		}
	}

	var fills []types.Fill
	remaining := o.Quantity

	book.WalkCrossable(o.Side, o.Price, func(lvl *orderbook.PriceLevel) bool {
		for remaining > 0 {
			head := lvl.Head()
			if head == nil {
				return true // level exhausted, fall through to next level
			}
			traded := fixedpoint.MinInt64(remaining, head.Quantity)

			notional, err := fixedpoint.Notional(lvl.Price, traded)
			if err != nil {
				panic(err) // spec.md §4.1: overflow is a fatal logic error
			}
			makerFee := fixedpoint.FeeBps(notional, cfg.MakerBps)
			takerFee := fixedpoint.FeeBps(notional, cfg.TakerBps)

			fills = append(fills, types.Fill{
				MarketID:     o.MarketID,
				MakerOrderID: head.ID,
				TakerOrderID: o.ID,
				Price:        lvl.Price,
				Quantity:     traded,
				MakerFee:     makerFee,
				TakerFee:     takerFee,
				Ts:           ts,
			})

			remaining -= traded
			head.Quantity -= traded
			o.Quantity = remaining

			book.RemoveHeadFill(opp, lvl, traded)

			if head.Quantity == 0 {
				continue // head was unlinked by RemoveHeadFill; move to new head next loop
			}
		}
		return remaining > 0
	})

	o.Quantity = remaining
	res := &Result{Fills: fills}

	switch {
	case remaining == 0:
		res.Residual = ResidualNone
	case !o.IsMarket() && (o.TIF == types.GTC || o.TIF == types.PostOnly):
		book.Insert(o)
		res.Residual = ResidualRested
	default: // IOC, FOK (only reaches here if fully-fillable check passed and something still leftover due to race-free single run — defensive), market orders
		res.Residual = ResidualCancelled
	}

	return res, nil
}

// wouldCross reports whether o would execute against the opposite side
// immediately on entry (spec.md §4.3 step 1, POST_ONLY).
func wouldCross(book *orderbook.Book, o *types.Order) bool {
	opp := book.Best(o.Side.Opposite())
	if opp == nil {
		return false
	}
	if o.Side == types.Buy {
		return opp.Price <= o.Price
	}
	return opp.Price >= o.Price
}

// maxFillable computes the maximum quantity fillable against the current
// opposite side up to o.Price, without mutating the book (spec.md §4.3
// step 2, FOK).
func maxFillable(book *orderbook.Book, o *types.Order) int64 {
	var available int64
	book.WalkCrossable(o.Side, o.Price, func(lvl *orderbook.PriceLevel) bool {
		available += lvl.TotalQty
		return available < o.Quantity
	})
	return available
}
