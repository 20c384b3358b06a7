package matcher

import (
	"testing"

	"clobengine/internal/orderbook"
	"clobengine/internal/types"
)

func testCfg() types.MarketConfig {
	return types.MarketConfig{
		MarketID: 1,
		MakerBps: -2,
		TakerBps: 5,
		Mode:     types.Continuous,
	}
}

func resting(id types.OrderID, side types.Side, price, qty int64) *types.Order {
	return &types.Order{ID: id, Side: side, Price: price, Quantity: qty, OriginalQty: qty, TIF: types.GTC}
}

// S1: a crossing limit order fully fills against one resting maker.
func TestContinuousMatchCrossingLimitFills(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 10))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 10, OriginalQty: 10, TIF: types.GTC}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if res.Residual != ResidualNone {
		t.Fatalf("residual = %v, want ResidualNone", res.Residual)
	}
	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	f := res.Fills[0]
	if f.MakerOrderID != 1 || f.TakerOrderID != 2 || f.Quantity != 10 || f.Price != 100 {
		t.Fatalf("unexpected fill: %+v", f)
	}
	if taker.Quantity != 0 {
		t.Fatalf("taker residual = %d, want 0", taker.Quantity)
	}
	if _, ok := book.BestAsk(); ok {
		t.Fatal("maker side should be empty after full fill")
	}
}

// S2: a partial-fill GTC order rests its unfilled residual in the book.
func TestContinuousMatchPartialFillRestsResidualGTC(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 4))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 10, OriginalQty: 10, TIF: types.GTC}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if res.Residual != ResidualRested {
		t.Fatalf("residual = %v, want ResidualRested", res.Residual)
	}
	if len(res.Fills) != 1 || res.Fills[0].Quantity != 4 {
		t.Fatalf("unexpected fills: %+v", res.Fills)
	}
	if taker.Quantity != 6 {
		t.Fatalf("taker residual qty = %d, want 6", taker.Quantity)
	}
	bid, ok := book.BestBid()
	if !ok || bid != 100 {
		t.Fatalf("taker should now rest at 100, best bid = %d, %v", bid, ok)
	}
}

// S3: POST_ONLY rejects outright when it would cross the book.
func TestContinuousMatchPostOnlyRejectsOnCross(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 10))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 5, OriginalQty: 5, TIF: types.PostOnly}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej == nil {
		t.Fatal("expected a reject for a crossing POST_ONLY order")
	}
	if res != nil {
		t.Fatalf("reject path should return nil result, got %+v", res)
	}
	if rej.Err != types.ErrPostOnlyWouldCross {
		t.Fatalf("reject err = %v, want ErrPostOnlyWouldCross", rej.Err)
	}
	// Book must be untouched.
	if qty := book.Best(types.Sell).TotalQty; qty != 10 {
		t.Fatalf("resting ask quantity = %d, want untouched 10", qty)
	}
}

func TestContinuousMatchPostOnlyRestsWhenNonCrossing(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 10))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 90, Quantity: 5, OriginalQty: 5, TIF: types.PostOnly}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if res.Residual != ResidualRested || len(res.Fills) != 0 {
		t.Fatalf("expected a clean rest with no fills, got %+v", res)
	}
}

func TestContinuousMatchFOKRejectsOnShortfall(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 3))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 10, OriginalQty: 10, TIF: types.FOK}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej == nil {
		t.Fatal("expected FOK reject on shortfall")
	}
	if rej.Err != types.ErrFokUnfillable {
		t.Fatalf("reject err = %v, want ErrFokUnfillable", rej.Err)
	}
	if res != nil {
		t.Fatal("reject path should return nil result")
	}
	if qty := book.Best(types.Sell).TotalQty; qty != 3 {
		t.Fatalf("book must be untouched on FOK reject, got qty %d", qty)
	}
}

func TestContinuousMatchFOKFillsWhenFullyFillable(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 10))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 10, OriginalQty: 10, TIF: types.FOK}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if res.Residual != ResidualNone {
		t.Fatalf("residual = %v, want ResidualNone", res.Residual)
	}
}

func TestContinuousMatchIOCCancelsResidual(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 4))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: 100, Quantity: 10, OriginalQty: 10, TIF: types.IOC}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if res.Residual != ResidualCancelled {
		t.Fatalf("residual = %v, want ResidualCancelled", res.Residual)
	}
	if _, ok := book.BestBid(); ok {
		t.Fatal("IOC residual must never rest in the book")
	}
}

func TestContinuousMatchWalksMultipleLevelsPriceTimePriority(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 100, 3))
	book.Insert(resting(2, types.Sell, 100, 2)) // same level, later in FIFO
	book.Insert(resting(3, types.Sell, 101, 5))

	taker := &types.Order{ID: 4, Side: types.Buy, Price: 101, Quantity: 6, OriginalQty: 6, TIF: types.GTC}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if len(res.Fills) != 3 {
		t.Fatalf("fills = %d, want 3 (exhaust both orders at 100, then partial at 101)", len(res.Fills))
	}
	if res.Fills[0].MakerOrderID != 1 || res.Fills[0].Quantity != 3 {
		t.Fatalf("fill[0] = %+v, want maker 1 qty 3", res.Fills[0])
	}
	if res.Fills[1].MakerOrderID != 2 || res.Fills[1].Quantity != 2 {
		t.Fatalf("fill[1] = %+v, want maker 2 qty 2", res.Fills[1])
	}
	if res.Fills[2].MakerOrderID != 3 || res.Fills[2].Quantity != 1 {
		t.Fatalf("fill[2] = %+v, want maker 3 qty 1", res.Fills[2])
	}
}

func TestContinuousMatchMarketOrderCrossesAnyPrice(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(resting(1, types.Sell, 500, 10))

	taker := &types.Order{ID: 2, Side: types.Buy, Price: types.NoPrice, Quantity: 10, OriginalQty: 10, TIF: types.IOC}
	res, rej := ContinuousMatch(book, testCfg(), taker, 1000)
	if rej != nil {
		t.Fatalf("unexpected reject: %v", rej)
	}
	if len(res.Fills) != 1 || res.Fills[0].Price != 500 {
		t.Fatalf("market order should cross at the resting price, got %+v", res.Fills)
	}
}
