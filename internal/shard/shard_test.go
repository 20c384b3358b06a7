package shard

import (
	"io"
	"log/slog"
	"testing"

	"clobengine/internal/types"
)

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	return New(Config{ID: 0, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func upsertMarket(s *Shard, seq types.EngineSeq, cfg types.MarketConfig) {
	s.Apply(types.Envelope{
		EngineSeq: seq,
		Kind:      types.InputMarketUpsert,
		Input:     types.Input{MarketUpsert: &types.MarketUpsertInput{Config: cfg}},
	})
}

func newOrderEnv(seq types.EngineSeq, clientID types.ClientOrderID, marketID types.MarketID, accountID types.AccountID, side types.Side, price, qty int64, tif types.TimeInForce) types.Envelope {
	return types.Envelope{
		EngineSeq: seq,
		Kind:      types.InputNewOrder,
		Input: types.Input{NewOrder: &types.NewOrderInput{
			ClientOrderID: clientID,
			MarketID:      marketID,
			AccountID:     accountID,
			Side:          side,
			Price:         price,
			Quantity:      qty,
			TIF:           tif,
			Ts:            1000,
		}},
	}
}

func TestApplyMarketUpsertCreatesMarket(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.Continuous, InitialMarginBps: 1000})

	if _, ok := s.markets[1]; !ok {
		t.Fatal("market 1 should exist after upsert")
	}
}

func TestApplyNewOrderRejectsUnknownMarket(t *testing.T) {
	s := newTestShard(t)
	outs, _ := s.Apply(newOrderEnv(1, 10, 99, 1, types.Buy, 100, 5, types.GTC))
	if len(outs) != 1 || outs[0].Kind != types.OutputOrderReject {
		t.Fatalf("outputs = %+v, want a single OrderReject", outs)
	}
}

func TestApplyNewOrderRejectsInsufficientMargin(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.Continuous, InitialMarginBps: 1000})
	// Account 1 has no deposit at all: any order requiring margin rejects.
	outs, _ := s.Apply(newOrderEnv(2, 10, 1, 1, types.Buy, 100, 5, types.GTC))
	if len(outs) != 1 || outs[0].Kind != types.OutputOrderReject {
		t.Fatalf("outputs = %+v, want a single OrderReject for insufficient margin", outs)
	}
	if _, resting := s.orders[1]; resting {
		t.Fatal("rejected order must not enter the resting order index")
	}
}

func TestApplyNewOrderAcceptsAndMatchesUpdatingLedger(t *testing.T) {
	s := newTestShard(t)
	// price 1000 * qty 100 = notional 100,000; maker rebate -10bps = -100,
	// taker fee 20bps = 200 (both exact, no rounding ambiguity).
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.Continuous, InitialMarginBps: 1000, MakerBps: -10, TakerBps: 20})
	s.ledger.Deposit(1, 50_000) // maker
	s.ledger.Deposit(2, 50_000) // taker

	// Maker rests a sell at 1000.
	makerOuts, _ := s.Apply(newOrderEnv(2, 1, 1, 1, types.Sell, 1000, 100, types.GTC))
	if makerOuts[0].Kind != types.OutputOrderAck {
		t.Fatalf("maker first output = %+v, want OrderAck", makerOuts[0])
	}
	makerID := makerOuts[0].OrderAck.EngineOrderID

	// Taker crosses fully.
	takerOuts, _ := s.Apply(newOrderEnv(3, 2, 1, 2, types.Buy, 1000, 100, types.GTC))

	var sawFill bool
	for _, o := range takerOuts {
		if o.Kind == types.OutputFill {
			sawFill = true
			if o.Fill.MakerOrderID != makerID {
				t.Fatalf("fill maker id = %d, want %d", o.Fill.MakerOrderID, makerID)
			}
			if o.Fill.Quantity != 100 {
				t.Fatalf("fill quantity = %d, want 100", o.Fill.Quantity)
			}
		}
	}
	if !sawFill {
		t.Fatalf("expected a fill output, got %+v", takerOuts)
	}

	if _, stillResting := s.orders[makerID]; stillResting {
		t.Fatal("fully-filled maker order should be removed from the resting index")
	}
	if bal := s.ledger.Balance(1); bal != 50_000+100 { // maker fee is -100 (rebate)
		t.Fatalf("maker balance = %d, want %d (rebate credited)", bal, 50_000+100)
	}
	if bal := s.ledger.Balance(2); bal != 50_000-200 {
		t.Fatalf("taker balance = %d, want %d (fee debited)", bal, 50_000-200)
	}
}

func TestApplyCancelReleasesReservedMargin(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.Continuous, InitialMarginBps: 1000})
	s.ledger.Deposit(1, 10_000)

	outs, _ := s.Apply(newOrderEnv(2, 1, 1, 1, types.Buy, 100, 10, types.GTC))
	orderID := outs[0].OrderAck.EngineOrderID
	reservedBefore := s.ledger.Reserved(1)
	if reservedBefore == 0 {
		t.Fatal("expected margin to be reserved for the resting order")
	}

	cancelOuts, _ := s.Apply(types.Envelope{
		EngineSeq: 3,
		Kind:      types.InputCancelOrder,
		Input:     types.Input{CancelOrder: &types.CancelOrderInput{OrderID: orderID, MarketID: 1}},
	})
	if cancelOuts[0].Kind != types.OutputCancelAck {
		t.Fatalf("cancel output = %+v, want CancelAck", cancelOuts[0])
	}
	if s.ledger.Reserved(1) != 0 {
		t.Fatalf("reserved after full cancel = %d, want 0", s.ledger.Reserved(1))
	}
	if _, ok := s.orders[orderID]; ok {
		t.Fatal("cancelled order should leave the resting index")
	}
}

func TestApplyCancelRejectsUnknownOrder(t *testing.T) {
	s := newTestShard(t)
	outs, _ := s.Apply(types.Envelope{
		EngineSeq: 1,
		Kind:      types.InputCancelOrder,
		Input:     types.Input{CancelOrder: &types.CancelOrderInput{OrderID: 999, MarketID: 1}},
	})
	if outs[0].Kind != types.OutputCancelReject {
		t.Fatalf("output = %+v, want CancelReject", outs[0])
	}
}

func TestApplyAuctionTickClearsRestingOrders(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.BatchAuction, InitialMarginBps: 1000, MarkPrice: 100})
	s.ledger.Deposit(1, 10_000)
	s.ledger.Deposit(2, 10_000)

	s.Apply(newOrderEnv(2, 1, 1, 1, types.Buy, 100, 5, types.GTC))
	s.Apply(newOrderEnv(3, 2, 1, 2, types.Sell, 100, 5, types.GTC))

	outs, _ := s.Apply(types.Envelope{
		EngineSeq: 4,
		Kind:      types.InputAuctionTick,
		Input:     types.Input{AuctionTick: &types.AuctionTickInput{MarketID: 1, Ts: 2000}},
	})

	var sawFill bool
	for _, o := range outs {
		if o.Kind == types.OutputFill {
			sawFill = true
			if o.Fill.Quantity != 5 {
				t.Fatalf("fill quantity = %d, want 5", o.Fill.Quantity)
			}
		}
	}
	if !sawFill {
		t.Fatalf("expected the auction tick to clear the book, got %+v", outs)
	}
}

func TestApplyAuctionTickCancelsUnfilledAuctionOnlyResidual(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.BatchAuction, InitialMarginBps: 1000, MarkPrice: 100})
	s.ledger.Deposit(1, 10_000)
	s.ledger.Deposit(2, 10_000)

	// AUCTION_ONLY buy for 5, matched against a GTC sell for only 2: the
	// unmatched 3 lots of the AUCTION_ONLY order must not survive the tick.
	buyOuts, _ := s.Apply(newOrderEnv(2, 1, 1, 1, types.Buy, 100, 5, types.AuctionOnly))
	buyID := buyOuts[0].OrderAck.EngineOrderID
	s.Apply(newOrderEnv(3, 2, 1, 2, types.Sell, 100, 2, types.GTC))

	outs, _ := s.Apply(types.Envelope{
		EngineSeq: 4,
		Kind:      types.InputAuctionTick,
		Input:     types.Input{AuctionTick: &types.AuctionTickInput{MarketID: 1, Ts: 2000}},
	})

	var sawCancel bool
	for _, o := range outs {
		if o.Kind == types.OutputCancelAck && o.CancelAck.OrderID == buyID {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("expected the AUCTION_ONLY residual to be auto-cancelled, got %+v", outs)
	}
	if _, resting := s.orders[buyID]; resting {
		t.Fatal("cancelled AUCTION_ONLY residual should leave the resting index")
	}
	if s.ledger.Reserved(1) != 0 {
		t.Fatalf("reserved after auction-only cancel = %d, want 0", s.ledger.Reserved(1))
	}
}

func TestApplyAuctionTickCancelsFullyUnmatchedAuctionOnlyOrder(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.BatchAuction, InitialMarginBps: 1000, MarkPrice: 100})
	s.ledger.Deposit(1, 10_000)

	// No opposing interest at all: RunAuction produces zero fills, but the
	// AUCTION_ONLY order must still be cancelled rather than surviving to
	// the next tick as if it were GTC.
	buyOuts, _ := s.Apply(newOrderEnv(2, 1, 1, 1, types.Buy, 100, 5, types.AuctionOnly))
	buyID := buyOuts[0].OrderAck.EngineOrderID

	outs, _ := s.Apply(types.Envelope{
		EngineSeq: 3,
		Kind:      types.InputAuctionTick,
		Input:     types.Input{AuctionTick: &types.AuctionTickInput{MarketID: 1, Ts: 2000}},
	})

	var sawCancel bool
	for _, o := range outs {
		if o.Kind == types.OutputCancelAck && o.CancelAck.OrderID == buyID {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("expected the unmatched AUCTION_ONLY order to be auto-cancelled, got %+v", outs)
	}
	if _, resting := s.orders[buyID]; resting {
		t.Fatal("cancelled AUCTION_ONLY order should leave the resting index")
	}
}

func TestApplyNewOrderRejectsWrongTIFForMarketMode(t *testing.T) {
	s := newTestShard(t)
	upsertMarket(s, 1, types.MarketConfig{MarketID: 1, Mode: types.BatchAuction, InitialMarginBps: 1000})
	s.ledger.Deposit(1, 10_000)

	outs, _ := s.Apply(newOrderEnv(2, 1, 1, 1, types.Buy, 100, 5, types.IOC))
	if outs[0].Kind != types.OutputOrderReject {
		t.Fatalf("output = %+v, want OrderReject (IOC invalid in an auction market)", outs[0])
	}
}
