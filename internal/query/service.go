package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/risk"
)

// Reader is the ledger read path the query service needs.
type Reader interface {
	Snapshot(ctx context.Context, market ledger.Key, owners []ledger.Key, peek int) (*core.Snapshot, error)
	QuotePrice(ctx context.Context, market ledger.Key) (uint64, error)
	Calculator() *risk.Calculator
	Now() time.Time
}

// QueryService serves read-only views. Balances come from one consistent
// store read; risk figures are derived at query time from the current
// oracle price and the processor clock.
type QueryService struct {
	ledger Reader
}

func NewQueryService(r Reader) *QueryService {
	return &QueryService{ledger: r}
}

// GetAccount returns one margin account with its risk report.
func (qs *QueryService) GetAccount(ctx context.Context, market, owner ledger.Key) (*AccountView, error) {
	snap, err := qs.ledger.Snapshot(ctx, market, []ledger.Key{owner}, 0)
	if err != nil {
		return nil, err
	}
	a, ok := snap.Accounts[owner]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", owner.Short(), ledger.ErrNotFound)
	}
	now := qs.ledger.Now()

	v := &AccountView{
		Market:         market,
		Owner:          owner,
		BaseFree:       a.BaseFree,
		BaseLocked:     a.BaseLocked,
		BaseOpenLend:   a.BaseOpenLend,
		BaseOpenBorrow: a.BaseOpenBorrow,
		QuoteTotal:     a.QuoteTotal,
		OpenOrders:     a.OpenOrders.IDs(),
		AsOf:           now.UTC(),
	}
	for _, id := range a.OpenDebts.IDs() {
		d, err := snap.Market.LiveDebt(id)
		if err != nil {
			continue
		}
		dv := debtView(id, d, now)
		dv.Role = RoleLender
		if d.Borrower == owner {
			dv.Role = RoleBorrower
		}
		v.Debts = append(v.Debts, dv)
	}

	price, err := qs.ledger.QuotePrice(ctx, market)
	if err != nil {
		if !errors.Is(err, ledger.ErrOracleUnavailable) {
			return nil, err
		}
		v.PriceError = err.Error()
		return v, nil
	}
	report, err := qs.ledger.Calculator().Assess(a, snap.Market, price, now)
	if err != nil {
		v.PriceError = err.Error()
		return v, nil
	}
	v.Price = price
	v.Risk = &report
	return v, nil
}

// GetMarket returns the market summary with every live debt.
func (qs *QueryService) GetMarket(ctx context.Context, market ledger.Key) (*MarketView, error) {
	// an empty owner list skips loading the debt parties
	snap, err := qs.ledger.Snapshot(ctx, market, []ledger.Key{}, 0)
	if err != nil {
		return nil, err
	}
	m := snap.Market
	now := qs.ledger.Now()

	v := &MarketView{
		ID:                    m.ID,
		BaseVault:             m.BaseVault,
		QuoteVault:            m.QuoteVault,
		PriceOracle:           m.PriceOracle,
		OracleType:            m.OracleType,
		Orderbook:             m.Orderbook,
		OverCollateralPercent: m.OverCollateralPercent,
		QueueDepth:            snap.Queued,
		AsOf:                  now.UTC(),
	}
	for i := range m.Debts {
		d := &m.Debts[i]
		if !d.Live() {
			continue
		}
		dv := debtView(uint16(i), d, now)
		v.Debts = append(v.Debts, dv)
		v.TotalOpen = fpmath.SaturatingAdd(v.TotalOpen, dv.Unliquidated)
		v.TotalOwed = fpmath.SaturatingAdd(v.TotalOwed, dv.Owed)
	}
	v.LiveDebts = len(v.Debts)
	v.FreeSlots = ledger.DebtSlots - v.LiveDebts

	if price, err := qs.ledger.QuotePrice(ctx, market); err != nil {
		v.PriceError = err.Error()
	} else {
		v.Price = price
	}
	return v, nil
}

// GetDebt returns one live debt slot.
func (qs *QueryService) GetDebt(ctx context.Context, market ledger.Key, id uint16) (*DebtView, error) {
	snap, err := qs.ledger.Snapshot(ctx, market, []ledger.Key{}, 0)
	if err != nil {
		return nil, err
	}
	d, err := snap.Market.LiveDebt(id)
	if err != nil {
		return nil, err
	}
	v := debtView(id, d, qs.ledger.Now())
	return &v, nil
}

func debtView(id uint16, d *ledger.Debt, now time.Time) DebtView {
	return DebtView{
		DebtID:       id,
		Lender:       d.Lender,
		Borrower:     d.Borrower,
		Qty:          d.Qty,
		LiquidQty:    d.LiquidQty,
		Unliquidated: d.Unliquidated(),
		Owed:         d.Owed(now),
		InterestRate: d.InterestRate,
		OpenedAt:     time.Unix(d.Timestamp, 0).UTC(),
	}
}
