package core

import (
	"context"
	"fmt"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/risk"
	"TermLedger/internal/store"
)

// DefaultLiquidationCapPercent is the per-debt share a single liquidation
// may take when the cap is enforced.
const DefaultLiquidationCapPercent = 50

// LiquidationCap bounds how much of one debt a single liquidation call may
// unwind. Disabled by default.
type LiquidationCap struct {
	Enforced bool   `json:"enforced" yaml:"enforced"`
	Percent  uint64 `json:"percent" yaml:"percent"`
}

// DefaultLiquidationCap is the disabled cap at the default percent.
func DefaultLiquidationCap() LiquidationCap {
	return LiquidationCap{Percent: DefaultLiquidationCapPercent}
}

// Limit is the most that may be taken from a debt owing owed. Without
// enforcement it is unbounded.
func (c LiquidationCap) Limit(owed uint64) uint64 {
	if !c.Enforced {
		return ^uint64(0)
	}
	limit, err := fpmath.MulDiv(owed, c.Percent, 100, fpmath.RoundUp)
	if err != nil {
		return 0
	}
	return limit
}

// Validate rejects percents outside (0, 100].
func (c LiquidationCap) Validate() error {
	if c.Percent == 0 || c.Percent > 100 {
		return fmt.Errorf("liquidation cap percent %d out of range (0, 100]", c.Percent)
	}
	return nil
}

// SettleRequest fully closes one debt.
type SettleRequest struct {
	Market   ledger.Key `json:"market"`
	Borrower ledger.Key `json:"borrower"`
	Lender   ledger.Key `json:"lender"`
	DebtID   uint16     `json:"debt_id"`
}

// DebtSettled is the payload of debt_settled notifications.
type DebtSettled struct {
	DebtID   uint16     `json:"debt_id"`
	Lender   ledger.Key `json:"lender"`
	Borrower ledger.Key `json:"borrower"`
	Repaid   uint64     `json:"repaid"`
}

// SettleDebt repays a debt at its accrued value out of the borrower's
// base_free, unlocks the lender's principal and frees the slot.
func (p *Processor) SettleDebt(ctx context.Context, req SettleRequest) (uint64, error) {
	var (
		repaid uint64
		live   int
	)
	err := p.update(ctx, "settle_debt", req.Market, func(tx store.Tx, out *[]Notification) error {
		m := tx.Market()
		d, err := m.LiveDebt(req.DebtID)
		if err != nil {
			return err
		}
		if d.Borrower != req.Borrower || d.Lender != req.Lender {
			return fmt.Errorf("%w: debt %d is between %s and %s", ledger.ErrInvalidAccountData, req.DebtID, d.Lender.Short(), d.Borrower.Short())
		}

		borrower, err := tx.Account(req.Borrower)
		if err != nil {
			return err
		}
		lender, err := tx.Account(req.Lender)
		if err != nil {
			return err
		}

		now := p.clock()
		owed := d.Owed(now)
		if owed > borrower.BaseFree {
			return fmt.Errorf("%w: settle %d, %d free", ledger.ErrInsufficientFunds, owed, borrower.BaseFree)
		}

		borrower.BaseFree -= owed
		lender.BaseLocked = fpmath.SaturatingSub(lender.BaseLocked, d.Unliquidated())
		lender.BaseFree += owed

		if err := borrower.OpenDebts.Remove(req.DebtID); err != nil {
			return err
		}
		if err := lender.OpenDebts.Remove(req.DebtID); err != nil {
			return err
		}
		m.Debts[req.DebtID] = ledger.Debt{}
		repaid = owed
		live = m.LiveDebtCount()

		*out = append(*out, newNotification(NotifyDebtSettled, m.ID, now, DebtSettled{
			DebtID: req.DebtID, Lender: req.Lender, Borrower: req.Borrower, Repaid: owed,
		}))
		return p.validate(m, borrower, lender)
	})
	if err != nil {
		return 0, err
	}
	if p.metrics != nil {
		p.metrics.DebtsClosed.Inc()
		p.metrics.LiveDebts.WithLabelValues(req.Market.String()).Set(float64(live))
	}
	return repaid, nil
}

// DebtAmount is one leg of a liquidation.
type DebtAmount struct {
	DebtID uint16 `json:"debt_id"`
	Amount uint64 `json:"amount"`
}

// LiquidationRequest unwinds part of an unhealthy borrower's debt. The
// liquidator pays base from BaseSource into the market vault and receives
// the premium-inclusive quote cost at QuoteDestination.
type LiquidationRequest struct {
	Market           ledger.Key   `json:"market"`
	Liquidator       ledger.Key   `json:"liquidator"`
	Borrower         ledger.Key   `json:"borrower"`
	Debts            []DebtAmount `json:"debts"`
	Lenders          []ledger.Key `json:"lenders"`
	BaseSource       ledger.Key   `json:"base_source"`
	QuoteDestination ledger.Key   `json:"quote_destination"`
}

// Total is the summed base amount of all legs.
func (r LiquidationRequest) Total() uint64 {
	var total uint64
	for _, d := range r.Debts {
		total = fpmath.SaturatingAdd(total, d.Amount)
	}
	return total
}

// LiquidationReceipt reports a committed liquidation.
type LiquidationReceipt struct {
	Borrower     ledger.Key   `json:"borrower"`
	Debts        []DebtAmount `json:"debts"`
	TotalBase    uint64       `json:"total_base"`
	TotalQuote   uint64       `json:"total_quote"`
	Price        uint64       `json:"price"`
	HealthBefore uint64       `json:"health_before"`
	HealthAfter  uint64       `json:"health_after"`
}

// LiquidateDebts is all-or-nothing: ledger mutation and both custody legs
// commit together.
func (p *Processor) LiquidateDebts(ctx context.Context, req LiquidationRequest) (LiquidationReceipt, error) {
	if len(req.Debts) == 0 {
		return LiquidationReceipt{}, fmt.Errorf("%w: no debts to liquidate", ledger.ErrBusinessRule)
	}
	seen := make(map[uint16]struct{}, len(req.Debts))
	for _, d := range req.Debts {
		if _, dup := seen[d.DebtID]; dup {
			return LiquidationReceipt{}, fmt.Errorf("%w: debt %d listed twice", ledger.ErrInvalidAccountData, d.DebtID)
		}
		seen[d.DebtID] = struct{}{}
		if err := requirePositive(d.Amount, fmt.Sprintf("liquidation amount for debt %d", d.DebtID)); err != nil {
			return LiquidationReceipt{}, err
		}
	}

	var receipt LiquidationReceipt
	err := p.update(ctx, "liquidate_debts", req.Market, func(tx store.Tx, out *[]Notification) error {
		m := tx.Market()
		now := p.clock()

		borrower, err := tx.Account(req.Borrower)
		if err != nil {
			return err
		}
		if borrower.BaseOpenBorrow > 0 || hasBid(borrower) {
			return fmt.Errorf("%w: borrower %s has open bids; cancel them first", ledger.ErrBusinessRule, req.Borrower.Short())
		}

		price, err := p.quotePrice(ctx, m)
		if err != nil {
			return err
		}
		before, err := p.calc.HealthFactor(borrower, m, price, now)
		if err != nil {
			return err
		}
		if before >= risk.HealthyThreshold {
			return fmt.Errorf("%w: borrower %s is healthy (%d)", ledger.ErrBusinessRule, req.Borrower.Short(), before)
		}

		lenders, err := tx.Accounts(ledger.SortKeys(append([]ledger.Key(nil), req.Lenders...)))
		if err != nil {
			return err
		}

		total := req.Total()
		cost, err := risk.LiquidationCost(total, price)
		if err != nil {
			return err
		}
		if cost > borrower.QuoteTotal {
			return fmt.Errorf("%w: liquidation costs %d quote, borrower holds %d", ledger.ErrInsufficientFunds, cost, borrower.QuoteTotal)
		}

		touched := []*ledger.MarginAccount{borrower}
		for _, leg := range req.Debts {
			d, err := m.LiveDebt(leg.DebtID)
			if err != nil {
				return err
			}
			if d.Borrower != req.Borrower || !borrower.OpenDebts.Contains(leg.DebtID) {
				return fmt.Errorf("%w: debt %d does not belong to %s", ledger.ErrInvalidAccountData, leg.DebtID, req.Borrower.Short())
			}
			if leg.Amount > d.Unliquidated() {
				return fmt.Errorf("%w: liquidate %d of debt %d, %d unliquidated", ledger.ErrBusinessRule, leg.Amount, leg.DebtID, d.Unliquidated())
			}
			if limit := p.cap.Limit(d.Owed(now)); leg.Amount > limit {
				return fmt.Errorf("%w: liquidate %d of debt %d, cap %d", ledger.ErrBusinessRule, leg.Amount, leg.DebtID, limit)
			}
			lender, ok := lenders[d.Lender]
			if !ok {
				return fmt.Errorf("%w: lender %s of debt %d not supplied", ledger.ErrInvalidAccountData, d.Lender.Short(), leg.DebtID)
			}

			lender.BaseLocked = fpmath.SaturatingSub(lender.BaseLocked, leg.Amount)
			lender.BaseFree += leg.Amount
			d.LiquidQty += leg.Amount
			touched = append(touched, lender)
		}
		borrower.QuoteTotal -= cost

		after, err := p.calc.HealthFactor(borrower, m, price, now)
		if err != nil {
			return err
		}
		if after < risk.HealthyThreshold {
			return fmt.Errorf("%w: borrower %s still unhealthy after liquidation (%d)", ledger.ErrBusinessRule, req.Borrower.Short(), after)
		}

		if err := p.validate(m, touched...); err != nil {
			return err
		}

		// custody legs last: they settle only if the unit commits
		if err := tx.Transfer(
			custody.Leg{From: req.BaseSource, To: m.BaseVault, Amount: total, Authority: req.Liquidator},
			custody.Leg{From: m.QuoteVault, To: req.QuoteDestination, Amount: cost, Authority: signer(m)},
		); err != nil {
			return fmt.Errorf("liquidation transfer: %w", err)
		}

		receipt = LiquidationReceipt{
			Borrower:     req.Borrower,
			Debts:        append([]DebtAmount(nil), req.Debts...),
			TotalBase:    total,
			TotalQuote:   cost,
			Price:        price,
			HealthBefore: before,
			HealthAfter:  after,
		}
		*out = append(*out, newNotification(NotifyDebtLiquidated, m.ID, now, receipt))
		return nil
	})
	if err != nil {
		return LiquidationReceipt{}, err
	}
	return receipt, nil
}

func hasBid(a *ledger.MarginAccount) bool {
	for _, id := range a.OpenOrders.IDs() {
		if id.Side() == orderbook.Bid {
			return true
		}
	}
	return false
}
