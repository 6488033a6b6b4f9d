package query

import (
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/risk"
)

// Role is an account's side of a debt.
type Role string

const (
	RoleLender   Role = "lender"
	RoleBorrower Role = "borrower"
)

// DebtView is one live debt slot valued at AsOf.
type DebtView struct {
	DebtID       uint16     `json:"debt_id"`
	Role         Role       `json:"role,omitempty"` // set on account views
	Lender       ledger.Key `json:"lender"`
	Borrower     ledger.Key `json:"borrower"`
	Qty          uint64     `json:"qty"`
	LiquidQty    uint64     `json:"liquid_qty"`
	Unliquidated uint64     `json:"unliquidated"`
	Owed         uint64     `json:"owed"`
	InterestRate uint64     `json:"interest_rate"`
	OpenedAt     time.Time  `json:"opened_at"`
}

// AccountView is a margin account with its derived risk figures.
type AccountView struct {
	Market ledger.Key `json:"market"`
	Owner  ledger.Key `json:"owner"`

	// Ledger balances
	BaseFree       uint64 `json:"base_free"`
	BaseLocked     uint64 `json:"base_locked"`
	BaseOpenLend   uint64 `json:"base_open_lend"`
	BaseOpenBorrow uint64 `json:"base_open_borrow"`
	QuoteTotal     uint64 `json:"quote_total"`

	OpenOrders []orderbook.OrderID `json:"open_orders"`
	Debts      []DebtView          `json:"debts"`

	// Derived at query time. Risk is nil when no usable price exists;
	// PriceError then says why.
	Price      uint64       `json:"price,omitempty"`
	Risk       *risk.Report `json:"risk,omitempty"`
	PriceError string       `json:"price_error,omitempty"`

	AsOf time.Time `json:"as_of"`
}

// MarketView summarizes a market's configuration and debt book.
type MarketView struct {
	ID                    ledger.Key        `json:"id"`
	BaseVault             ledger.Key        `json:"base_vault"`
	QuoteVault            ledger.Key        `json:"quote_vault"`
	PriceOracle           ledger.Key        `json:"price_oracle"`
	OracleType            ledger.OracleType `json:"oracle_type"`
	Orderbook             ledger.Key        `json:"orderbook"`
	OverCollateralPercent uint8             `json:"over_collateral_percent"`

	LiveDebts  int        `json:"live_debts"`
	FreeSlots  int        `json:"free_slots"`
	TotalOpen  uint64     `json:"total_open"` // sum of unliquidated qty
	TotalOwed  uint64     `json:"total_owed"`
	Debts      []DebtView `json:"debts"`
	QueueDepth int        `json:"queue_depth"`
	Price      uint64     `json:"price,omitempty"`
	PriceError string     `json:"price_error,omitempty"`
	AsOf       time.Time  `json:"as_of"`
}
