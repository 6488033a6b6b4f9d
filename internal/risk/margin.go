package risk

import (
	"fmt"
	"time"

	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	// HealthyThreshold is the health factor at and above which an account is
	// adequately collateralized.
	HealthyThreshold = 100

	// LiquidationPremiumPercent is charged on the quote cost of a forced unwind.
	LiquidationPremiumPercent = 3
)

// ZeroPricePolicy decides what a zero quote price means for risk math.
type ZeroPricePolicy int

const (
	// RejectZeroPrice fails every price-dependent computation with
	// ErrOracleUnavailable.
	RejectZeroPrice ZeroPricePolicy = iota
	// ZeroPriceUnhealthy values collateral at zero: no borrowing power, no
	// withdrawals against exposure, health factor 0.
	ZeroPriceUnhealthy
)

func (p ZeroPricePolicy) String() string {
	switch p {
	case RejectZeroPrice:
		return "reject"
	case ZeroPriceUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ParseZeroPricePolicy accepts "reject" or "unhealthy".
func ParseZeroPricePolicy(s string) (ZeroPricePolicy, error) {
	switch s {
	case "reject", "":
		return RejectZeroPrice, nil
	case "unhealthy":
		return ZeroPriceUnhealthy, nil
	default:
		return 0, fmt.Errorf("unknown zero price policy %q", s)
	}
}

// Calculator evaluates borrowing power, withdrawal limits and health factor
// for a margin account against a price snapshot. It holds no ledger state;
// every method is a pure function of its arguments.
type Calculator struct {
	zeroPrice ZeroPricePolicy
}

func NewCalculator(policy ZeroPricePolicy) *Calculator {
	return &Calculator{zeroPrice: policy}
}

// Policy returns the configured zero-price policy.
func (c *Calculator) Policy() ZeroPricePolicy { return c.zeroPrice }

// TotalOpenDebt sums owed(now) over the debts in the account's open set
// where it is the borrower.
func TotalOpenDebt(a *ledger.MarginAccount, m *ledger.Market, now time.Time) uint64 {
	var total uint64
	for _, id := range a.OpenDebts.IDs() {
		if int(id) >= ledger.DebtSlots {
			continue
		}
		d := &m.Debts[id]
		if d.Borrower != a.Owner {
			continue
		}
		total = fpmath.SaturatingAdd(total, d.Owed(now))
	}
	return total
}

// TotalExposure is open borrow plus total open debt.
func TotalExposure(a *ledger.MarginAccount, m *ledger.Market, now time.Time) uint64 {
	return fpmath.SaturatingAdd(a.BaseOpenBorrow, TotalOpenDebt(a, m, now))
}

// halfBuffer is ceil((occ+1)/2), the loosened buffer used for health.
func halfBuffer(occ uint8) uint64 {
	return (uint64(occ) + 2) / 2
}

// checkPrice applies the zero-price policy. It returns unhealthy=true when
// the caller must short-circuit to the zero-collateral answer.
func (c *Calculator) checkPrice(price uint64) (unhealthy bool, err error) {
	if price != 0 {
		return false, nil
	}
	if c.zeroPrice == ZeroPriceUnhealthy {
		return true, nil
	}
	return false, fmt.Errorf("%w: quote price is zero", ledger.ErrOracleUnavailable)
}

// CollateralCapacity is floor(quote_total * 100 * P / (100 + occ)), the
// largest exposure the account's collateral can originate.
func (c *Calculator) CollateralCapacity(a *ledger.MarginAccount, m *ledger.Market, price uint64) (uint64, error) {
	unhealthy, err := c.checkPrice(price)
	if err != nil {
		return 0, err
	}
	if unhealthy {
		return 0, nil
	}
	num := fpmath.Product(a.QuoteTotal, 100, price)
	den := uint256.NewInt(100 + uint64(m.OverCollateralPercent))
	return fpmath.Divide(num, den, fpmath.RoundDown)
}

// MaxBorrowQty is the collateral capacity minus exposure, floored at zero.
func (c *Calculator) MaxBorrowQty(a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (uint64, error) {
	capacity, err := c.CollateralCapacity(a, m, price)
	if err != nil {
		return 0, err
	}
	return fpmath.SaturatingSub(capacity, TotalExposure(a, m, now)), nil
}

// MaxWithdrawQty is quote_total minus ceil(exposure*(100+occ)/(100*P)),
// floored at zero.
func (c *Calculator) MaxWithdrawQty(a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (uint64, error) {
	exposure := TotalExposure(a, m, now)
	if exposure == 0 {
		return a.QuoteTotal, nil
	}
	unhealthy, err := c.checkPrice(price)
	if err != nil {
		return 0, err
	}
	if unhealthy {
		return 0, nil
	}
	num := fpmath.Product(exposure, 100+uint64(m.OverCollateralPercent))
	den := fpmath.Product(100, price)
	required, err := fpmath.Divide(num, den, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	return fpmath.SaturatingSub(a.QuoteTotal, required), nil
}

// HealthFactor is 10000*P*quote / (exposure*(100+ceil((occ+1)/2))), and
// exactly 100 when the account has no exposure.
func (c *Calculator) HealthFactor(a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (uint64, error) {
	return c.health(TotalExposure(a, m, now), a.QuoteTotal, m.OverCollateralPercent, price)
}

// HealthFactorAfterLiquidation evaluates the health factor as if amount of
// exposure were unwound and its premium-inclusive quote cost debited.
func (c *Calculator) HealthFactorAfterLiquidation(amount uint64, a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (uint64, error) {
	exposure := TotalExposure(a, m, now)
	if amount == 0 {
		return c.health(exposure, a.QuoteTotal, m.OverCollateralPercent, price)
	}
	unhealthy, err := c.checkPrice(price)
	if err != nil {
		return 0, err
	}
	if unhealthy {
		if amount >= exposure {
			return HealthyThreshold, nil
		}
		return 0, nil
	}
	cost, err := LiquidationCost(amount, price)
	if err != nil {
		return 0, err
	}
	return c.health(
		fpmath.SaturatingSub(exposure, amount),
		fpmath.SaturatingSub(a.QuoteTotal, cost),
		m.OverCollateralPercent,
		price,
	)
}

func (c *Calculator) health(exposure, quote uint64, occ uint8, price uint64) (uint64, error) {
	if exposure == 0 {
		return HealthyThreshold, nil
	}
	unhealthy, err := c.checkPrice(price)
	if err != nil {
		return 0, err
	}
	if unhealthy {
		return 0, nil
	}
	num := fpmath.Product(10_000, price, quote)
	den := fpmath.Product(exposure, 100+halfBuffer(occ))
	return fpmath.Divide(num, den, fpmath.RoundDown)
}

// LiquidationCost is the quote debited for unwinding amount base at price:
// round(ceil(amount/P) * 1.03).
func LiquidationCost(amount, price uint64) (uint64, error) {
	if price == 0 {
		return 0, fmt.Errorf("%w: quote price is zero", ledger.ErrOracleUnavailable)
	}
	base, err := fpmath.CeilDiv(amount, price)
	if err != nil {
		return 0, err
	}
	return fpmath.PremiumCost(base, LiquidationPremiumPercent), nil
}

// Status is the coarse health bucket of an account.
type Status int

const (
	StatusHealthy Status = iota
	StatusAtRisk         // healthy, but exposure exceeds origination capacity
	StatusLiquidatable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusAtRisk:
		return "AtRisk"
	case StatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Report bundles every risk figure for one account at one instant.
type Report struct {
	TotalOpenDebt  uint64 `json:"total_open_debt"`
	TotalExposure  uint64 `json:"total_exposure"`
	MaxBorrowQty   uint64 `json:"max_borrow_qty"`
	MaxWithdrawQty uint64 `json:"max_withdraw_qty"`
	HealthFactor   uint64 `json:"health_factor"`
	Status         Status `json:"status"`
}

// Assess computes a full Report.
func (c *Calculator) Assess(a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (Report, error) {
	var r Report
	var err error

	r.TotalOpenDebt = TotalOpenDebt(a, m, now)
	r.TotalExposure = fpmath.SaturatingAdd(a.BaseOpenBorrow, r.TotalOpenDebt)

	if r.HealthFactor, err = c.HealthFactor(a, m, price, now); err != nil {
		return Report{}, err
	}
	if r.MaxWithdrawQty, err = c.MaxWithdrawQty(a, m, price, now); err != nil {
		return Report{}, err
	}
	capacity, err := c.CollateralCapacity(a, m, price)
	if err != nil && r.TotalExposure > 0 {
		return Report{}, err
	}
	r.MaxBorrowQty = fpmath.SaturatingSub(capacity, r.TotalExposure)

	switch {
	case r.HealthFactor < HealthyThreshold:
		r.Status = StatusLiquidatable
	case r.TotalExposure > capacity:
		r.Status = StatusAtRisk
	default:
		r.Status = StatusHealthy
	}
	return r, nil
}
