package types

// MatchMode selects the market's matching discipline (spec.md §3, §4.5).
type MatchMode uint8

const (
	Continuous MatchMode = iota
	BatchAuction
)

// MarketConfig is mutable at runtime; every mutation arrives as a
// MarketUpsert input and is WAL-logged like any other event (spec.md §3).
type MarketConfig struct {
	MarketID               MarketID
	TickSize                int64
	LotSize                 int64
	MakerBps                int64
	TakerBps                int64
	Mode                    MatchMode
	AuctionInterval         int64 // ticks between AuctionTick inputs, informational only
	MaxLeverage             int64
	InitialMarginBps        int64
	MaintenanceMarginBps    int64
	MarkPrice               int64 // ticks, updated by PriceUpdate inputs
}

// Position is an account's exposure in one market under isolated margin.
type Position struct {
	SignedQty     int64 // positive = long, negative = short
	AvgEntryPrice int64 // ticks, weighted average of the open side
}
