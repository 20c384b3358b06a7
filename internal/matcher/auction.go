package matcher

import (
	"clobengine/internal/fixedpoint"
	"clobengine/internal/orderbook"
	"clobengine/internal/types"
)

// AuctionResult is the outcome of one uniform-price batch-auction clearing
// (spec.md §4.5). ClearingPrice is only meaningful when Fills is non-empty.
type AuctionResult struct {
	ClearingPrice int64
	Fills         []types.Fill
}

// candidate is one price at which the auction could clear: every resting
// limit price plus both book edges participate, per spec.md §4.5 "the
// clearing price is chosen from the set of resting order prices".
type candidate struct {
	price      int64
	bidVolume  int64 // cumulative bid quantity at prices >= price
	askVolume  int64 // cumulative ask quantity at prices <= price
	matched    int64 // min(bidVolume, askVolume)
}

// RunAuction clears book against a uniform price: the price maximizing
// matched volume, ties broken by distance to markPrice then by the lower
// price (spec.md §4.5 steps 1-2). Only GTC and AUCTION_ONLY orders
// participate (spec.md §4.5 step 0); IOC/FOK/POST_ONLY orders never rest
// in an auction-mode book so none are present to filter here.
func RunAuction(book *orderbook.Book, cfg types.MarketConfig, ts int64) *AuctionResult {
	prices := collectCandidatePrices(book)
	if len(prices) == 0 {
		return &AuctionResult{}
	}

	best := -1
	var bestMatched int64 = -1
	cands := make([]candidate, len(prices))
	for i, p := range prices {
		cands[i] = candidate{
			price:     p,
			bidVolume: cumulativeBidVolume(book, p),
			askVolume: cumulativeAskVolume(book, p),
		}
		cands[i].matched = fixedpoint.MinInt64(cands[i].bidVolume, cands[i].askVolume)

		switch {
		case cands[i].matched > bestMatched:
			best, bestMatched = i, cands[i].matched
		case cands[i].matched == bestMatched && best >= 0:
			if closerToMark(cands[i].price, cands[best].price, cfg.MarkPrice) {
				best = i
			}
		}
	}

	if best < 0 || bestMatched == 0 {
		return &AuctionResult{}
	}

	clearing := cands[best].price
	fills := allocate(book, clearing, bestMatched, cfg, ts)
	return &AuctionResult{ClearingPrice: clearing, Fills: fills}
}

// closerToMark reports whether candidate price c is a better tie-break
// than incumbent at mark: nearer to mark wins, and a
// further tie is broken by the lower price (spec.md §4.5 step 2).
func closerToMark(c, incumbent, mark int64) bool {
	dc := absInt64(c - mark)
	di := absInt64(incumbent - mark)
	if dc != di {
		return dc < di
	}
	return c < incumbent
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func collectCandidatePrices(book *orderbook.Book) []int64 {
	seen := make(map[int64]struct{})
	var prices []int64
	add := func(p int64) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			prices = append(prices, p)
		}
	}
	book.BidLevels(func(lvl *orderbook.PriceLevel) bool { add(lvl.Price); return true })
	book.AskLevels(func(lvl *orderbook.PriceLevel) bool { add(lvl.Price); return true })
	return prices
}

func cumulativeBidVolume(book *orderbook.Book, price int64) int64 {
	var total int64
	book.BidLevels(func(lvl *orderbook.PriceLevel) bool {
		if lvl.Price >= price {
			total += lvl.TotalQty
			return true
		}
		return false
	})
	return total
}

func cumulativeAskVolume(book *orderbook.Book, price int64) int64 {
	var total int64
	book.AskLevels(func(lvl *orderbook.PriceLevel) bool {
		if lvl.Price <= price {
			total += lvl.TotalQty
			return true
		}
		return false
	})
	return total
}

// allocate fills exactly target quantity at the clearing price, walking
// both sides in strict price-time priority and stopping the moment target
// is reached. The side with excess volume at the margin (the long side if
// bidVolume > matched, the short side otherwise) keeps its price-time
// order intact for the next round — only fully-matched quantity leaves
// the book (spec.md §4.5 step 3, "allocation follows price-time priority
// on the constrained side").
func allocate(book *orderbook.Book, clearing, target int64, cfg types.MarketConfig, ts int64) []types.Fill {
	type pending struct {
		order *types.Order
		lvl   *orderbook.PriceLevel
		side  types.Side
	}
	var bidQueue, askQueue []pending

	book.BidLevels(func(lvl *orderbook.PriceLevel) bool {
		if lvl.Price < clearing {
			return false
		}
		for o := lvl.Head(); o != nil; o = o.Next() {
			bidQueue = append(bidQueue, pending{order: o, lvl: lvl, side: types.Buy})
		}
		return true
	})
	book.AskLevels(func(lvl *orderbook.PriceLevel) bool {
		if lvl.Price > clearing {
			return false
		}
		for o := lvl.Head(); o != nil; o = o.Next() {
			askQueue = append(askQueue, pending{order: o, lvl: lvl, side: types.Sell})
		}
		return true
	})

	var fills []types.Fill
	var matched int64
	bi, ai := 0, 0
	for matched < target && bi < len(bidQueue) && ai < len(askQueue) {
		b, a := bidQueue[bi], askQueue[ai]
		traded := fixedpoint.MinInt64(target-matched, fixedpoint.MinInt64(b.order.Quantity, a.order.Quantity))

		notional, err := fixedpoint.Notional(clearing, traded)
		if err != nil {
			panic(err)
		}
		makerFee := fixedpoint.FeeBps(notional, cfg.MakerBps)
		takerFee := fixedpoint.FeeBps(notional, cfg.TakerBps)

		fills = append(fills, types.Fill{
			MarketID:     cfg.MarketID,
			MakerOrderID: b.order.ID,
			TakerOrderID: a.order.ID,
			Price:        clearing,
			Quantity:     traded,
			MakerFee:     makerFee,
			TakerFee:     takerFee,
			Ts:           ts,
		})

		b.order.Quantity -= traded
		a.order.Quantity -= traded
		matched += traded

		book.RemoveHeadFill(types.Buy, b.lvl, traded)
		book.RemoveHeadFill(types.Sell, a.lvl, traded)

		if b.order.Quantity == 0 {
			bi++
		}
		if a.order.Quantity == 0 {
			ai++
		}
	}
	return fills
}
