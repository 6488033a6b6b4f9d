package query_test

import (
	"context"
	"errors"
	"testing"

	"TermLedger/internal/ledger"
	"TermLedger/internal/query"
	"TermLedger/internal/risk"
	"TermLedger/internal/testutil"
)

// ============================================================================
// Test: GetAccount
// ============================================================================

func TestGetAccount_DerivesRisk(t *testing.T) {
	f := testutil.NewFixture(t)
	f.SetPrice(t, 10)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	id := f.OpenDebt(t, lender, borrower, 8000, 0)

	qs := query.NewQueryService(f.Processor)
	v, err := qs.GetAccount(context.Background(), f.Market, borrower)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if v.Risk == nil {
		t.Fatalf("risk missing: %s", v.PriceError)
	}
	if v.Risk.HealthFactor != 99 || v.Risk.Status != risk.StatusLiquidatable {
		t.Errorf("risk: %+v", v.Risk)
	}
	if v.Risk.TotalOpenDebt != 8000 {
		t.Errorf("total open debt: got %d, want 8000", v.Risk.TotalOpenDebt)
	}
	if len(v.Debts) != 1 || v.Debts[0].DebtID != id || v.Debts[0].Role != query.RoleBorrower || v.Debts[0].Owed != 8000 {
		t.Errorf("debts: %+v", v.Debts)
	}

	lv, err := qs.GetAccount(context.Background(), f.Market, lender)
	if err != nil {
		t.Fatalf("get lender: %v", err)
	}
	if len(lv.Debts) != 1 || lv.Debts[0].Role != query.RoleLender {
		t.Errorf("lender debts: %+v", lv.Debts)
	}
	if lv.Risk.HealthFactor != 100 {
		t.Errorf("lender health: got %d, want 100", lv.Risk.HealthFactor)
	}
}

func TestGetAccount_NoPriceLeavesRiskEmpty(t *testing.T) {
	f := testutil.NewFixture(t)
	owner := f.AddAccount(t, "owner", func(a *ledger.MarginAccount) { a.QuoteTotal = 5 })

	v, err := query.NewQueryService(f.Processor).GetAccount(context.Background(), f.Market, owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if v.Risk != nil || v.PriceError == "" {
		t.Errorf("expected price error, got risk=%+v", v.Risk)
	}
	if v.QuoteTotal != 5 {
		t.Errorf("quote_total: got %d, want 5", v.QuoteTotal)
	}
}

func TestGetAccount_Missing(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := query.NewQueryService(f.Processor).GetAccount(context.Background(), f.Market, testutil.KeyOf("nobody"))
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

// ============================================================================
// Test: GetMarket / GetDebt
// ============================================================================

func TestGetMarket_SummarizesDebtBook(t *testing.T) {
	f := testutil.NewFixture(t)
	f.SetPrice(t, 10)
	a := f.AddAccount(t, "a", nil)
	b := f.AddAccount(t, "b", nil)
	c := f.AddAccount(t, "c", nil)
	f.OpenDebt(t, a, b, 300, 0)
	f.OpenDebt(t, a, c, 200, 0)

	v, err := query.NewQueryService(f.Processor).GetMarket(context.Background(), f.Market)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if v.LiveDebts != 2 || v.FreeSlots != ledger.DebtSlots-2 {
		t.Errorf("slots: live=%d free=%d", v.LiveDebts, v.FreeSlots)
	}
	if v.TotalOpen != 500 || v.TotalOwed != 500 {
		t.Errorf("totals: open=%d owed=%d", v.TotalOpen, v.TotalOwed)
	}
	if v.Price != 10 || v.OverCollateralPercent != 50 {
		t.Errorf("market: price=%d occ=%d", v.Price, v.OverCollateralPercent)
	}
}

func TestGetDebt_FreeSlotRejected(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := query.NewQueryService(f.Processor).GetDebt(context.Background(), f.Market, 3)
	if !errors.Is(err, ledger.ErrBusinessRule) {
		t.Fatalf("got %v, want ErrBusinessRule", err)
	}
}
