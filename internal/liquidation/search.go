package liquidation

import (
	"errors"
	"fmt"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/risk"
)

var (
	// ErrUnrecoverable means even liquidating all open debt cannot restore
	// health with the borrower's quote collateral.
	ErrUnrecoverable = errors.New("no liquidation amount restores health")

	// ErrAllocationIncomplete means the sweep could not place the whole
	// amount across the borrower's debts within the cap.
	ErrAllocationIncomplete = errors.New("liquidation amount cannot be allocated")
)

// Search is the outcome of FindLiquidationAmount.
type Search struct {
	Amount     uint64
	Total      uint64
	Iterations int
}

// FindLiquidationAmount binary-searches [0, total_open_debt] for the
// smallest amount whose post-liquidation health is at least 100. The search
// keeps hf(lo) < 100 <= hf(hi), so the returned amount always restores
// health and one unit less does not. A healthy account returns zero.
func FindLiquidationAmount(calc *risk.Calculator, a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (Search, error) {
	total := risk.TotalOpenDebt(a, m, now)
	s := Search{Total: total}

	hf := func(amount uint64) (uint64, error) {
		return calc.HealthFactorAfterLiquidation(amount, a, m, price, now)
	}

	h, err := hf(0)
	if err != nil {
		return s, err
	}
	if h >= risk.HealthyThreshold {
		return s, nil
	}

	h, err = hf(total)
	if err != nil {
		return s, err
	}
	if h < risk.HealthyThreshold {
		return s, fmt.Errorf("%w: health %d after liquidating all %d", ErrUnrecoverable, h, total)
	}

	lo, hi := uint64(0), total
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		s.Iterations++
		h, err := hf(mid)
		if err != nil {
			return s, err
		}
		if h >= risk.HealthyThreshold {
			hi = mid
		} else {
			lo = mid
		}
	}

	// quote saturates at zero in the objective; the ledger debits the full cost
	cost, err := risk.LiquidationCost(hi, price)
	if err != nil {
		return s, err
	}
	if cost > a.QuoteTotal {
		return s, fmt.Errorf("%w: liquidating %d costs %d quote, borrower holds %d", ErrUnrecoverable, hi, cost, a.QuoteTotal)
	}

	s.Amount = hi
	return s, nil
}

// AllocateLiquidation spreads amount across the borrower's debts. Each sweep
// takes ceil(avail*percent/100) from every debt, where avail is what remains
// unliquidated and untaken, until the amount is placed or no debt can give
// more. Per-debt totals never exceed the cap.
func AllocateLiquidation(m *ledger.Market, a *ledger.MarginAccount, amount, percent uint64, limit core.LiquidationCap, now time.Time) ([]core.DebtAmount, error) {
	if percent == 0 || percent > 100 {
		return nil, fmt.Errorf("sweep percent %d out of range (0, 100]", percent)
	}

	ids := a.BorrowedDebts(m)
	taken := make([]uint64, len(ids))
	caps := make([]uint64, len(ids))
	for i, id := range ids {
		caps[i] = min(m.Debts[id].Unliquidated(), limit.Limit(m.Debts[id].Owed(now)))
	}

	remaining := amount
	for remaining > 0 {
		progress := false
		for i := range ids {
			room := fpmath.SaturatingSub(caps[i], taken[i])
			if room == 0 {
				continue
			}
			avail := m.Debts[ids[i]].Unliquidated() - taken[i]
			step, err := fpmath.MulDiv(avail, percent, 100, fpmath.RoundUp)
			if err != nil {
				return nil, err
			}
			step = min(step, room, remaining)
			if step == 0 {
				continue
			}
			taken[i] += step
			remaining -= step
			progress = true
			if remaining == 0 {
				break
			}
		}
		if !progress {
			break
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: %d of %d left over", ErrAllocationIncomplete, remaining, amount)
	}

	var out []core.DebtAmount
	for i, id := range ids {
		if taken[i] > 0 {
			out = append(out, core.DebtAmount{DebtID: id, Amount: taken[i]})
		}
	}
	return out, nil
}

// lendersOf resolves the lender keys of the allocated debts, sorted.
func lendersOf(m *ledger.Market, legs []core.DebtAmount) []ledger.Key {
	out := make([]ledger.Key, 0, len(legs))
	for _, l := range legs {
		out = append(out, m.Debts[l.DebtID].Lender)
	}
	return ledger.SortKeys(out)
}
