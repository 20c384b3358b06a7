package orderbook

import "clobengine/internal/types"

// PriceLevel is the FIFO queue of resting orders at one price (spec.md
// §3). Invariant: TotalQty always equals the sum of queued quantities.
type PriceLevel struct {
	Price    int64
	head     *types.Order
	tail     *types.Order
	TotalQty int64
}

// Head returns the oldest resting order at this level, or nil.
func (lvl *PriceLevel) Head() *types.Order { return lvl.head }

// Enqueue appends an order to the FIFO tail (spec.md §4.2 insert).
func (lvl *PriceLevel) Enqueue(o *types.Order) {
	lvl.linkTail(o)
	lvl.TotalQty += o.Quantity
}

func (lvl *PriceLevel) linkTail(o *types.Order) {
	if lvl.tail != nil {
		lvl.tail.SetNext(o)
		o.SetPrev(lvl.tail)
	} else {
		lvl.head = o
	}
	lvl.tail = o
}

// Unlink removes o from the FIFO list in O(1) given the order already
// knows its neighbours (spec.md §4.2 remove, via the side index).
func (lvl *PriceLevel) Unlink(o *types.Order) {
	if prev := o.Prev(); prev != nil {
		prev.SetNext(o.Next())
	} else {
		lvl.head = o.Next()
	}
	if next := o.Next(); next != nil {
		next.SetPrev(o.Prev())
	} else {
		lvl.tail = o.Prev()
	}
	lvl.TotalQty -= o.Quantity
	o.SetNext(nil)
	o.SetPrev(nil)
}

// DebitHeadFill reduces TotalQty by traded to match a fill the caller has
// already subtracted from the head order's Quantity; it does not touch
// the order and does not unlink — callers unlink separately once the
// head order is fully filled.
func (lvl *PriceLevel) DebitHeadFill(traded int64) {
	lvl.TotalQty -= traded
}

// Empty reports whether the level has no resting orders left.
func (lvl *PriceLevel) Empty() bool { return lvl.head == nil }
