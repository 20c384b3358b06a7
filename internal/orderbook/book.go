package orderbook

import (
	"sort"

	"clobengine/internal/types"
)

// location is the side index entry for O(1) cancel (spec.md §4.2): the
// order's own FIFO links already let PriceLevel.Unlink splice it out in
// O(1); this map remembers which side/price that is and the order itself.
type location struct {
	side  types.Side
	price int64
	order *types.Order
}

// Book is one market's order book: two price-ordered ladders plus the
// O(1) order_id -> location index (spec.md §3 "Book", §4.2). It is not
// safe for concurrent use — a shard is the single writer for every book
// it owns (spec.md §5).
type Book struct {
	bids *rbTree // descending priority (highest price first)
	asks *rbTree // ascending priority (lowest price first)

	index map[types.OrderID]location

	bestBid, bestAsk int64
	haveBestBid, haveBestAsk bool

	touchedBid map[int64]struct{}
	touchedAsk map[int64]struct{}
}

func NewBook() *Book {
	return &Book{
		bids:       newRBTree(),
		asks:       newRBTree(),
		index:      make(map[types.OrderID]location),
		touchedBid: make(map[int64]struct{}),
		touchedAsk: make(map[int64]struct{}),
	}
}

func (b *Book) treeFor(side types.Side) *rbTree {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) touchedFor(side types.Side) map[int64]struct{} {
	if side == types.Buy {
		return b.touchedBid
	}
	return b.touchedAsk
}

// Insert places a resting order at its price level, updates best-bid/ask,
// and marks the level as touched for the next delta emission (spec.md
// §4.2 insert).
func (b *Book) Insert(o *types.Order) {
	lvl := b.treeFor(o.Side).GetOrCreate(o.Price)
	lvl.Enqueue(o)
	b.index[o.ID] = location{side: o.Side, price: o.Price, order: o}
	b.touch(o.Side, o.Price)
	b.refreshBest(o.Side)
}

// Remove unlinks a resting order by id in O(1) and marks its level
// touched (spec.md §4.2 remove). It is a no-op if the order is not
// resting (already filled/cancelled or never entered the book).
func (b *Book) Remove(id types.OrderID) (*types.Order, bool) {
	loc, ok := b.index[id]
	if !ok {
		return nil, false
	}
	tree := b.treeFor(loc.side)
	lvl := tree.Find(loc.price)
	if lvl == nil {
		delete(b.index, id)
		return nil, false
	}
	o := loc.order
	lvl.Unlink(o)
	delete(b.index, id)
	if lvl.Empty() {
		tree.Delete(loc.price)
	}
	b.touch(loc.side, loc.price)
	b.refreshBest(loc.side)
	return o, true
}

// RemoveHeadFill reduces the level's aggregate by traded quantity and, if
// the head order is now fully filled, unlinks it. Called by the matcher
// once per fill, keeping the level's TotalQty invariant intact.
func (b *Book) RemoveHeadFill(side types.Side, lvl *PriceLevel, traded int64) {
	lvl.DebitHeadFill(traded)
	head := lvl.Head()
	if head != nil && head.Quantity == 0 {
		lvl.Unlink(head)
		delete(b.index, head.ID)
		if lvl.Empty() {
			b.treeFor(side).Delete(lvl.Price)
		}
	}
	b.touch(side, lvl.Price)
	b.refreshBest(side)
}

// Best returns the best level on a side, or nil if empty.
func (b *Book) Best(side types.Side) *PriceLevel {
	if side == types.Buy {
		return b.bids.Max()
	}
	return b.asks.Min()
}

// WalkCrossable yields opposite-side levels best-first while they cross
// limitPrice, stopping at the first non-crossing level or exhaustion
// (spec.md §4.2 walk_crossable). A market order (limitPrice == NoPrice)
// crosses every level.
func (b *Book) WalkCrossable(incomingSide types.Side, limitPrice int64, fn func(*PriceLevel) bool) {
	opp := incomingSide.Opposite()
	tree := b.treeFor(opp)
	crosses := func(levelPrice int64) bool {
		if limitPrice == types.NoPrice {
			return true
		}
		if incomingSide == types.Buy {
			return levelPrice <= limitPrice
		}
		return levelPrice >= limitPrice
	}
	if opp == types.Buy {
		tree.WalkDescending(func(lvl *PriceLevel) bool {
			if !crosses(lvl.Price) {
				return false
			}
			return fn(lvl)
		})
	} else {
		tree.WalkAscending(func(lvl *PriceLevel) bool {
			if !crosses(lvl.Price) {
				return false
			}
			return fn(lvl)
		})
	}
}

// BidLevels / AskLevels expose read-only best-first walks (bids highest
// price first, asks lowest price first) for snapshotting and the batch
// auction's clearing-price search.
func (b *Book) BidLevels(fn func(*PriceLevel) bool) { b.bids.WalkDescending(fn) }
func (b *Book) AskLevels(fn func(*PriceLevel) bool) { b.asks.WalkAscending(fn) }

func (b *Book) touch(side types.Side, price int64) {
	b.touchedFor(side)[price] = struct{}{}
}

func (b *Book) refreshBest(side types.Side) {
	if side == types.Buy {
		if lvl := b.bids.Max(); lvl != nil {
			b.bestBid, b.haveBestBid = lvl.Price, true
		} else {
			b.haveBestBid = false
		}
		return
	}
	if lvl := b.asks.Min(); lvl != nil {
		b.bestAsk, b.haveBestAsk = lvl.Price, true
	} else {
		b.haveBestAsk = false
	}
}

// BestBid / BestAsk return the best price on each side. ok is false if
// that side is empty. Invariant (spec.md §3): at rest,
// BestBid < BestAsk whenever both are present.
func (b *Book) BestBid() (price int64, ok bool) { return b.bestBid, b.haveBestBid }
func (b *Book) BestAsk() (price int64, ok bool) { return b.bestAsk, b.haveBestAsk }

// DrainDeltas returns the coalesced BookDelta changes accumulated since
// the last call, one slice per side, and clears the touched sets (spec.md
// §4.2: "one delta list is emitted, containing the final net size at each
// touched price"). Levels emptied during the event are reported with
// size 0.
func (b *Book) DrainDeltas() (bidChanges, askChanges []types.PriceSize) {
	bidChanges = drainSide(b.touchedBid, b.bids)
	askChanges = drainSide(b.touchedAsk, b.asks)
	return
}

func drainSide(touched map[int64]struct{}, tree *rbTree) []types.PriceSize {
	if len(touched) == 0 {
		return nil
	}
	out := make([]types.PriceSize, 0, len(touched))
	for price := range touched {
		size := int64(0)
		if lvl := tree.Find(price); lvl != nil {
			size = lvl.TotalQty
		}
		out = append(out, types.PriceSize{Price: price, NewSize: size})
		delete(touched, price)
	}
	// Map iteration order is randomized; sort so two runs of an identical
	// input trace produce byte-identical WAL Output records (spec.md §8
	// invariant 2).
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
