package store

import (
	"context"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
)

// Store is the hosting storage substrate. Each Update is one atomic unit of
// work scoped to a market: the market record, every margin account loaded
// through the Tx, and the market's event-queue head commit together or not
// at all. Units of work on the same market are serialized.
type Store interface {
	Update(ctx context.Context, market ledger.Key, fn func(Tx) error) error
	View(ctx context.Context, market ledger.Key, fn func(Tx) error) error

	// Provisioning. Market and account creation are administrative and run
	// outside the ledger's own operations.
	CreateMarket(ctx context.Context, m *ledger.Market) error
	CreateAccount(ctx context.Context, a *ledger.MarginAccount) error

	// AppendEvents enqueues matching-engine output for a market.
	AppendEvents(ctx context.Context, market ledger.Key, events []orderbook.Event) error

	// LastEventSeq is the highest sequence ever appended for a market, zero
	// when nothing has been.
	LastEventSeq(ctx context.Context, market ledger.Key) (uint64, error)
}

// Tx is the view of one market inside a unit of work. Records returned by
// Market and Account are private copies; on commit of an Update every copy
// handed out is written back. Mutations made inside View are discarded,
// token transfers included.
type Tx interface {
	Market() *ledger.Market

	// Account loads one margin account. Missing accounts wrap ErrNotFound.
	Account(owner ledger.Key) (*ledger.MarginAccount, error)

	// Accounts loads the subset of owners that exist, keyed by owner.
	Accounts(owners []ledger.Key) (map[ledger.Key]*ledger.MarginAccount, error)

	// PeekEvents returns up to n events from the queue head without removing them.
	PeekEvents(n int) ([]orderbook.Event, error)

	// PopEvents removes n events from the head on commit.
	PopEvents(n int) error

	// QueueLen is the number of events waiting.
	QueueLen() (int, error)

	// Transfer moves tokens as part of the unit of work. Balances are
	// checked when called; the legs settle only if the unit commits.
	Transfer(legs ...custody.Leg) error
}
