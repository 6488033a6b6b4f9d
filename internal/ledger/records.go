package ledger

import (
	"fmt"
	"time"

	fpmath "TermLedger/internal/math"
)

// DebtSlots is the capacity of a market's debt array.
const DebtSlots = 256

// DefaultOverCollateralPercent is applied to markets created without one.
const DefaultOverCollateralPercent = 50

// OracleType tags how a market's price reference is read.
type OracleType uint8

const (
	OracleStub OracleType = iota
	OracleExternalFeed
)

func (t OracleType) String() string {
	switch t {
	case OracleStub:
		return "stub"
	case OracleExternalFeed:
		return "external_feed"
	default:
		return fmt.Sprintf("oracle(%d)", uint8(t))
	}
}

func (t OracleType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OracleType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stub":
		*t = OracleStub
	case "external_feed":
		*t = OracleExternalFeed
	default:
		return fmt.Errorf("%w: unknown oracle type %q", ErrInvalidAccountData, b)
	}
	return nil
}

// Debt is one lender to borrower term loan. A zero Qty marks a free slot.
type Debt struct {
	Lender       Key    `json:"lender"`
	Borrower     Key    `json:"borrower"`
	Timestamp    int64  `json:"timestamp"`     // unix seconds at origination
	InterestRate uint64 `json:"interest_rate"` // fp32, per accrual period
	Qty          uint64 `json:"qty"`
	LiquidQty    uint64 `json:"liquid_qty"`
}

// Live reports whether the slot holds an open loan.
func (d *Debt) Live() bool { return d.Qty > 0 }

// Owed is the amount the borrower must repay at now:
// round(qty * (1 + rate*dt/period)) - liquid_qty.
func (d *Debt) Owed(now time.Time) uint64 {
	if !d.Live() {
		return 0
	}
	accrued := fpmath.AccruedAmount(d.Qty, d.InterestRate, now.Unix()-d.Timestamp)
	return fpmath.SaturatingSub(accrued, d.LiquidQty)
}

// Unliquidated is qty - liquid_qty.
func (d *Debt) Unliquidated() uint64 {
	return fpmath.SaturatingSub(d.Qty, d.LiquidQty)
}

// Market is the per-pair record. It exclusively owns its debt array.
type Market struct {
	ID                    Key             `json:"id"`
	BaseMint              Key             `json:"base_mint"`
	QuoteMint             Key             `json:"quote_mint"`
	BaseVault             Key             `json:"base_vault"`
	QuoteVault            Key             `json:"quote_vault"`
	PriceOracle           Key             `json:"price_oracle"`
	OracleType            OracleType      `json:"oracle_type"`
	Orderbook             Key             `json:"orderbook"`
	Admin                 Key             `json:"admin"`
	OverCollateralPercent uint8           `json:"over_collateral_percent"`
	SignerNonce           uint8           `json:"signer_nonce"`
	Debts                 [DebtSlots]Debt `json:"debts"`
}

// Debt returns the slot at id.
func (m *Market) Debt(id uint16) (*Debt, error) {
	if int(id) >= DebtSlots {
		return nil, fmt.Errorf("%w: debt id %d out of range", ErrInvalidAccountData, id)
	}
	return &m.Debts[id], nil
}

// LiveDebt returns the slot at id, failing if it is free.
func (m *Market) LiveDebt(id uint16) (*Debt, error) {
	d, err := m.Debt(id)
	if err != nil {
		return nil, err
	}
	if !d.Live() {
		return nil, fmt.Errorf("%w: debt %d is not open", ErrBusinessRule, id)
	}
	return d, nil
}

// FreeSlot finds the first slot with zero quantity.
func (m *Market) FreeSlot() (uint16, error) {
	for i := range m.Debts {
		if !m.Debts[i].Live() {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("%w: market debt array at capacity %d", ErrCapacityExceeded, DebtSlots)
}

// Borrowers lists distinct borrowers holding a live debt, sorted.
func (m *Market) Borrowers() []Key {
	var out []Key
	for i := range m.Debts {
		if m.Debts[i].Live() {
			out = append(out, m.Debts[i].Borrower)
		}
	}
	return SortKeys(out)
}

// LiveDebtCount counts occupied slots.
func (m *Market) LiveDebtCount() int {
	n := 0
	for i := range m.Debts {
		if m.Debts[i].Live() {
			n++
		}
	}
	return n
}

// MarginAccount is the per (market, owner) balance record.
type MarginAccount struct {
	Owner          Key      `json:"owner"`
	Market         Key      `json:"market"`
	BaseFree       uint64   `json:"base_free"`
	BaseLocked     uint64   `json:"base_locked"`
	BaseOpenLend   uint64   `json:"base_open_lend"`
	BaseOpenBorrow uint64   `json:"base_open_borrow"`
	QuoteTotal     uint64   `json:"quote_total"`
	OpenOrders     OrderSet `json:"open_orders"`
	OpenDebts      DebtSet  `json:"open_debts"`
}

// NewMarginAccount returns an empty account for owner on market.
func NewMarginAccount(market, owner Key) *MarginAccount {
	return &MarginAccount{Owner: owner, Market: market}
}

// BorrowedDebts returns the account's open debt ids where it is the borrower.
func (a *MarginAccount) BorrowedDebts(m *Market) []uint16 {
	var out []uint16
	for _, id := range a.OpenDebts.IDs() {
		if int(id) < DebtSlots && m.Debts[id].Live() && m.Debts[id].Borrower == a.Owner {
			out = append(out, id)
		}
	}
	return out
}
