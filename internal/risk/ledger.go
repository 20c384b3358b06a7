// Package risk implements isolated-margin accounting (spec.md §3, §4.6).
// Each shard owns one Ledger scoped to the accounts active on that
// shard's markets (SPEC_FULL.md, per-shard ledger scope decision) —
// margin for the same account on a different shard's markets lives in
// that shard's own Ledger, consistent with isolated margin being
// per-market rather than account-wide. Naming follows the balance/
// position-tracker split other_examples/Khanh-21522203-PerpLedger uses,
// adapted into one type since a shard's ledger never needs the
// multi-process journal machinery that repo's BalanceTracker/
// JournalGenerator split was built for.
package risk

import (
	"clobengine/internal/fixedpoint"
	"clobengine/internal/types"
)

type account struct {
	balance   int64 // free collateral, quote units
	reserved  int64 // margin held against open (unfilled) order quantity
	positions map[types.MarketID]*types.Position
}

func newAccount() *account {
	return &account{positions: make(map[types.MarketID]*types.Position)}
}

// Ledger is the margin and position book for every account active on one
// shard. It is not safe for concurrent use; the owning shard is the
// single writer (spec.md §5).
type Ledger struct {
	accounts map[types.AccountID]*account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[types.AccountID]*account)}
}

// Deposit credits free collateral to an account (spec.md §3: account
// funding is out of this engine's scope beyond recording the balance it
// arrives with; callers own how a deposit input reaches here).
func (l *Ledger) Deposit(id types.AccountID, amount int64) {
	l.accountFor(id).balance += amount
}

func (l *Ledger) accountFor(id types.AccountID) *account {
	a, ok := l.accounts[id]
	if !ok {
		a = newAccount()
		l.accounts[id] = a
	}
	return a
}

// RequiredMargin computes the initial margin an order of this size would
// need under cfg (spec.md §4.6: initial margin is a basis-point fraction
// of notional, independent of the account's existing position).
func RequiredMargin(cfg types.MarketConfig, price, quantity int64) (int64, error) {
	notional, err := fixedpoint.Notional(price, quantity)
	if err != nil {
		return 0, err
	}
	return fixedpoint.FeeBps(notional, cfg.InitialMarginBps), nil
}

// CheckOpen validates that accountID has enough free collateral to open
// a new order of this size and, if so, reserves the required margin
// against it (spec.md §4.6 "pre-trade check", applied before the order
// reaches the matcher). price is the order's limit price, or cfg.MarkPrice
// for a market order (spec.md §4.6: market orders size margin off mark).
func (l *Ledger) CheckOpen(accountID types.AccountID, cfg types.MarketConfig, price, quantity int64) (int64, error) {
	sizingPrice := price
	if sizingPrice == types.NoPrice {
		sizingPrice = cfg.MarkPrice
	}
	required, err := RequiredMargin(cfg, sizingPrice, quantity)
	if err != nil {
		return 0, err
	}
	a := l.accountFor(accountID)
	free := a.balance - a.reserved
	if free < required {
		return 0, types.ErrInsufficientMargin
	}
	a.reserved += required
	return required, nil
}

// ReleaseReserved gives back margin held against an order's unfilled
// quantity — called on cancel, and on the residual of an IOC/FOK order
// that never rests (spec.md §4.6 "margin release on cancel").
func (l *Ledger) ReleaseReserved(accountID types.AccountID, amount int64) {
	a := l.accountFor(accountID)
	a.reserved -= amount
	if a.reserved < 0 {
		a.reserved = 0
	}
}

// OnFill applies one trade to both sides of the ledger: fees are debited
// from balance, the reserved margin proportional to the traded quantity
// is released from the order's original reservation, and each side's
// position is updated with a signed weighted-average entry price,
// realizing P&L into balance on any quantity that closes existing
// exposure (spec.md §4.6 "position update on fill").
func (l *Ledger) OnFill(makerAccount, takerAccount types.AccountID, marketID types.MarketID, makerSide types.Side, price, quantity, makerFee, takerFee, makerReservedPerLot, takerReservedPerLot int64) {
	maker := l.accountFor(makerAccount)
	taker := l.accountFor(takerAccount)

	maker.balance -= makerFee
	taker.balance -= takerFee

	maker.reserved -= makerReservedPerLot * quantity
	if maker.reserved < 0 {
		maker.reserved = 0
	}
	taker.reserved -= takerReservedPerLot * quantity
	if taker.reserved < 0 {
		taker.reserved = 0
	}

	takerSide := makerSide.Opposite()
	applyFill(maker, marketID, makerSide, price, quantity)
	applyFill(taker, marketID, takerSide, price, quantity)
}

// applyFill updates one account's position in marketID for a fill of
// quantity lots at price on side, realizing P&L into balance for any
// portion that reduces or flips existing exposure.
func applyFill(a *account, marketID types.MarketID, side types.Side, price, quantity int64) {
	pos, ok := a.positions[marketID]
	if !ok {
		pos = &types.Position{}
		a.positions[marketID] = pos
	}

	signedQty := quantity
	if side == types.Sell {
		signedQty = -quantity
	}

	switch {
	case pos.SignedQty == 0 || sameSign(pos.SignedQty, signedQty):
		// Opening or adding to the position: extend the weighted average.
		totalQty := absInt64(pos.SignedQty) + quantity
		pos.AvgEntryPrice = weightedAverage(pos.AvgEntryPrice, absInt64(pos.SignedQty), price, quantity, totalQty)
		pos.SignedQty += signedQty

	default:
		// Closing, possibly flipping: realize P&L on the closed portion.
		closing := fixedpoint.MinInt64(absInt64(pos.SignedQty), quantity)
		pnlPerLot := price - pos.AvgEntryPrice
		if pos.SignedQty < 0 {
			pnlPerLot = -pnlPerLot
		}
		a.balance += pnlPerLot * closing

		pos.SignedQty += signedQty
		remainder := quantity - closing
		if remainder > 0 {
			// Flipped through flat: the remainder opens a fresh position
			// on the new side at this fill's price.
			pos.AvgEntryPrice = price
		}
		if pos.SignedQty == 0 {
			pos.AvgEntryPrice = 0
		}
	}
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func weightedAverage(existingPrice, existingQty, newPrice, newQty, totalQty int64) int64 {
	if totalQty == 0 {
		return 0
	}
	return (existingPrice*existingQty + newPrice*newQty) / totalQty
}

// Balance, Reserved and Position expose read access for snapshotting and
// margin-reject reporting.
func (l *Ledger) Balance(id types.AccountID) int64  { return l.accountFor(id).balance }
func (l *Ledger) Reserved(id types.AccountID) int64 { return l.accountFor(id).reserved }

func (l *Ledger) Position(id types.AccountID, marketID types.MarketID) types.Position {
	a := l.accountFor(id)
	if pos, ok := a.positions[marketID]; ok {
		return *pos
	}
	return types.Position{}
}

// AccountSnapshot is a read-only copy of one account's ledger state, for
// internal/snapshot to serialize.
type AccountSnapshot struct {
	AccountID types.AccountID
	Balance   int64
	Reserved  int64
	Positions map[types.MarketID]types.Position
}

// Accounts returns a snapshot of every account this ledger has touched,
// ordered by AccountID for deterministic serialization.
func (l *Ledger) Accounts() []AccountSnapshot {
	ids := make([]types.AccountID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sortAccountIDs(ids)

	out := make([]AccountSnapshot, 0, len(ids))
	for _, id := range ids {
		a := l.accounts[id]
		positions := make(map[types.MarketID]types.Position, len(a.positions))
		for m, p := range a.positions {
			positions[m] = *p
		}
		out = append(out, AccountSnapshot{AccountID: id, Balance: a.balance, Reserved: a.reserved, Positions: positions})
	}
	return out
}

// Restore replaces this ledger's state with snapshots previously
// produced by Accounts, for snapshot load / replay (spec.md §4.9).
func (l *Ledger) Restore(snapshots []AccountSnapshot) {
	l.accounts = make(map[types.AccountID]*account, len(snapshots))
	for _, s := range snapshots {
		a := newAccount()
		a.balance = s.Balance
		a.reserved = s.Reserved
		for m, p := range s.Positions {
			pos := p
			a.positions[m] = &pos
		}
		l.accounts[s.AccountID] = a
	}
}

func sortAccountIDs(ids []types.AccountID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
