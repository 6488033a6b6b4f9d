package core

import (
	"context"

	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"
)

// Snapshot is a consistent read of a market, some of its accounts and the
// head of its event queue.
type Snapshot struct {
	Market   *ledger.Market
	Accounts map[ledger.Key]*ledger.MarginAccount
	Events   []orderbook.Event
	Queued   int
}

// Market reads the market record.
func (p *Processor) Market(ctx context.Context, id ledger.Key) (*ledger.Market, error) {
	var m *ledger.Market
	err := p.store.View(ctx, id, func(tx store.Tx) error {
		m = tx.Market()
		return nil
	})
	return m, err
}

// Account reads one margin account.
func (p *Processor) Account(ctx context.Context, market, owner ledger.Key) (*ledger.MarginAccount, error) {
	var a *ledger.MarginAccount
	err := p.store.View(ctx, market, func(tx store.Tx) error {
		var err error
		a, err = tx.Account(owner)
		return err
	})
	return a, err
}

// QuotePrice reads the market's oracle under the processor's price policy.
func (p *Processor) QuotePrice(ctx context.Context, market ledger.Key) (uint64, error) {
	var price uint64
	err := p.store.View(ctx, market, func(tx store.Tx) error {
		var err error
		price, err = p.quotePrice(ctx, tx.Market())
		return err
	})
	return price, err
}

// Snapshot reads the market, the named accounts (missing ones are skipped)
// and up to peek events from the queue head in one view. A nil owners list
// loads every live borrower and lender in the debt array.
func (p *Processor) Snapshot(ctx context.Context, market ledger.Key, owners []ledger.Key, peek int) (*Snapshot, error) {
	var snap Snapshot
	err := p.store.View(ctx, market, func(tx store.Tx) error {
		m := tx.Market()
		if owners == nil {
			owners = Parties(m)
		}
		accounts, err := tx.Accounts(owners)
		if err != nil {
			return err
		}
		if peek > 0 {
			if snap.Events, err = tx.PeekEvents(peek); err != nil {
				return err
			}
		}
		if snap.Queued, err = tx.QueueLen(); err != nil {
			return err
		}
		snap.Market = m
		snap.Accounts = accounts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Parties lists every distinct lender and borrower of a live debt, sorted.
func Parties(m *ledger.Market) []ledger.Key {
	var out []ledger.Key
	for i := range m.Debts {
		if d := &m.Debts[i]; d.Live() {
			out = append(out, d.Borrower, d.Lender)
		}
	}
	return ledger.SortKeys(out)
}
