package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"
	"TermLedger/internal/testutil"
)

// ============================================================================
// Test: SettleDebt
// ============================================================================

func TestSettle_RoundTripRestoresExposure(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	f.SetPrice(t, 10)
	lender := f.AddAccount(t, "lender", func(a *ledger.MarginAccount) { a.BaseFree = 1000 })
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	lenderBefore := *f.Account(t, lender)
	borrowerBefore := *f.Account(t, borrower)

	ask, err := f.Processor.NewOrder(ctx, core.OrderRequest{Market: f.Market, Owner: lender, Side: orderbook.Ask, Rate: 0, Qty: 500})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	bid, err := f.Processor.NewOrder(ctx, core.OrderRequest{Market: f.Market, Owner: borrower, Side: orderbook.Bid, Rate: 0, Qty: 500})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	f.Append(t,
		testutil.FillEvent(1, orderbook.Bid, *ask.PostedOrderID, 500, lender, borrower),
		testutil.OutEvent(2, *ask.PostedOrderID, 0, true, lender),
		testutil.OutEvent(3, *bid.PostedOrderID, 0, true, borrower),
	)
	res, err := f.Processor.ConsumeOrderEvents(ctx, f.Market, 10, []ledger.Key{lender, borrower})
	if err != nil || res.Applied != 3 {
		t.Fatalf("consume: applied=%d err=%v", res.Applied, err)
	}

	repaid, err := f.Processor.SettleDebt(ctx, core.SettleRequest{Market: f.Market, Borrower: borrower, Lender: lender, DebtID: res.DebtIDs[0]})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if repaid != 500 {
		t.Errorf("repaid: got %d, want 500", repaid)
	}

	l, b := f.Account(t, lender), f.Account(t, borrower)
	if l.BaseFree != lenderBefore.BaseFree || l.BaseLocked != 0 || l.BaseOpenLend != 0 || l.OpenDebts.Len() != 0 {
		t.Errorf("lender: %+v", l)
	}
	if b.BaseFree != borrowerBefore.BaseFree || b.BaseOpenBorrow != 0 || b.OpenDebts.Len() != 0 {
		t.Errorf("borrower: %+v", b)
	}
	if f.MarketRecord(t).LiveDebtCount() != 0 {
		t.Error("slot not freed")
	}
}

func TestSettle_AccruedInterest(t *testing.T) {
	f := testutil.NewFixture(t)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", nil)
	// 100% per period
	id := f.OpenDebt(t, lender, borrower, 500, 1<<fpmath.RateFractionBits)
	f.Clock.Advance(time.Hour)

	req := core.SettleRequest{Market: f.Market, Borrower: borrower, Lender: lender, DebtID: id}
	if _, err := f.Processor.SettleDebt(context.Background(), req); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("settle with 500 free: got %v, want ErrInsufficientFunds", err)
	}

	err := f.Store.Update(context.Background(), f.Market, func(tx store.Tx) error {
		a, err := tx.Account(borrower)
		if err != nil {
			return err
		}
		a.BaseFree += 500
		return nil
	})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}

	repaid, err := f.Processor.SettleDebt(context.Background(), req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if repaid != 1000 {
		t.Errorf("repaid: got %d, want 1000", repaid)
	}
	if l := f.Account(t, lender); l.BaseFree != 1000 || l.BaseLocked != 0 {
		t.Errorf("lender: free=%d locked=%d, want 1000/0", l.BaseFree, l.BaseLocked)
	}
}

func TestSettle_WrongParties(t *testing.T) {
	f := testutil.NewFixture(t)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", nil)
	id := f.OpenDebt(t, lender, borrower, 10, 0)

	_, err := f.Processor.SettleDebt(context.Background(), core.SettleRequest{Market: f.Market, Borrower: lender, Lender: borrower, DebtID: id})
	if !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("err: got %v, want ErrInvalidAccountData", err)
	}
}

func TestSettle_FreeSlot(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := f.Processor.SettleDebt(context.Background(), core.SettleRequest{Market: f.Market, DebtID: 3})
	if !errors.Is(err, ledger.ErrBusinessRule) {
		t.Errorf("err: got %v, want ErrBusinessRule", err)
	}
}

// ============================================================================
// Test: LiquidateDebts
// ============================================================================

type liquidationSetup struct {
	f        *testutil.Fixture
	lender   ledger.Key
	borrower ledger.Key
	debt     uint16
	req      core.LiquidationRequest
}

// newLiquidation plants one debt of qty against 1000 quote at price 10 and
// funds a liquidator.
func newLiquidation(t *testing.T, qty uint64, opts ...func(*core.Options)) *liquidationSetup {
	t.Helper()
	f := testutil.NewFixture(t, opts...)
	f.SetPrice(t, 10)
	m := f.MarketRecord(t)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	debt := f.OpenDebt(t, lender, borrower, qty, 0)

	source := testutil.KeyOf("liquidator-base")
	f.Custody.Mint(source, 100_000)
	f.Custody.Mint(m.QuoteVault, 1000)

	return &liquidationSetup{
		f: f, lender: lender, borrower: borrower, debt: debt,
		req: core.LiquidationRequest{
			Market:           f.Market,
			Liquidator:       testutil.KeyOf("liquidator"),
			Borrower:         borrower,
			Lenders:          []ledger.Key{lender},
			BaseSource:       source,
			QuoteDestination: testutil.KeyOf("liquidator-quote"),
		},
	}
}

func (s *liquidationSetup) assertUnchanged(t *testing.T, qty uint64) {
	t.Helper()
	if b := s.f.Account(t, s.borrower); b.QuoteTotal != 1000 {
		t.Errorf("borrower quote: got %d, want 1000", b.QuoteTotal)
	}
	if l := s.f.Account(t, s.lender); l.BaseLocked != qty || l.BaseFree != 0 {
		t.Errorf("lender: locked=%d free=%d, want %d/0", l.BaseLocked, l.BaseFree, qty)
	}
	if d := s.f.MarketRecord(t).Debts[s.debt]; d.LiquidQty != 0 {
		t.Errorf("liquid_qty: got %d, want 0", d.LiquidQty)
	}
	if got := s.f.Custody.Balance(s.req.QuoteDestination); got != 0 {
		t.Errorf("liquidator paid %d quote", got)
	}
}

func TestLiquidate_RestoresHealth(t *testing.T) {
	s := newLiquidation(t, 8000)
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 400}}

	receipt, err := s.f.Processor.LiquidateDebts(context.Background(), s.req)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// before floor(100000*1000/(8000*126)) = 99; cost round(40*1.03) = 41
	if receipt.HealthBefore != 99 || receipt.HealthAfter != 100 || receipt.TotalQuote != 41 || receipt.TotalBase != 400 {
		t.Errorf("receipt: %+v", receipt)
	}

	if b := s.f.Account(t, s.borrower); b.QuoteTotal != 959 {
		t.Errorf("borrower quote: got %d, want 959", b.QuoteTotal)
	}
	if l := s.f.Account(t, s.lender); l.BaseLocked != 7600 || l.BaseFree != 400 {
		t.Errorf("lender: locked=%d free=%d, want 7600/400", l.BaseLocked, l.BaseFree)
	}
	if d := s.f.MarketRecord(t).Debts[s.debt]; d.LiquidQty != 400 || d.Qty != 8000 {
		t.Errorf("debt: %+v", d)
	}
	m := s.f.MarketRecord(t)
	if got := s.f.Custody.Balance(m.BaseVault); got != 400 {
		t.Errorf("base vault: got %d, want 400", got)
	}
	if got := s.f.Custody.Balance(s.req.QuoteDestination); got != 41 {
		t.Errorf("liquidator quote: got %d, want 41", got)
	}
}

func TestLiquidate_UnderLiquidationRejected(t *testing.T) {
	// before 94; liquidating 100 leaves 95
	s := newLiquidation(t, 8360)
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 100}}

	_, err := s.f.Processor.LiquidateDebts(context.Background(), s.req)
	if !errors.Is(err, ledger.ErrBusinessRule) {
		t.Fatalf("err: got %v, want ErrBusinessRule", err)
	}
	s.assertUnchanged(t, 8360)
}

func TestLiquidate_HealthyBorrowerRejected(t *testing.T) {
	s := newLiquidation(t, 5000)
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 100}}

	_, err := s.f.Processor.LiquidateDebts(context.Background(), s.req)
	if !errors.Is(err, ledger.ErrBusinessRule) {
		t.Fatalf("err: got %v, want ErrBusinessRule", err)
	}
	s.assertUnchanged(t, 5000)
}

func TestLiquidate_OpenBidRejected(t *testing.T) {
	s := newLiquidation(t, 8000)
	err := s.f.Store.Update(context.Background(), s.f.Market, func(tx store.Tx) error {
		a, err := tx.Account(s.borrower)
		if err != nil {
			return err
		}
		return a.OpenOrders.Add(orderbook.NewOrderID(orderbook.Bid, 1, 1))
	})
	if err != nil {
		t.Fatalf("plant bid: %v", err)
	}
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 400}}

	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); !errors.Is(err, ledger.ErrBusinessRule) {
		t.Fatalf("err: got %v, want ErrBusinessRule", err)
	}
}

func TestLiquidate_CustodyFailureRollsBack(t *testing.T) {
	s := newLiquidation(t, 8000)
	s.req.BaseSource = testutil.KeyOf("empty")
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 400}}

	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); err == nil {
		t.Fatal("expected custody failure")
	}
	s.assertUnchanged(t, 8000)
}

func TestLiquidate_CommitFailureKeepsTokens(t *testing.T) {
	s := newLiquidation(t, 8000)
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 400}}
	s.f.FailCommits(1)

	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); !errors.Is(err, testutil.ErrCommitFailed) {
		t.Fatalf("err: got %v, want ErrCommitFailed", err)
	}
	s.assertUnchanged(t, 8000)
	if got := s.f.Custody.Balance(s.req.BaseSource); got != 100_000 {
		t.Errorf("base source: got %d, want 100000", got)
	}
	if got := s.f.Custody.Balance(s.f.MarketRecord(t).BaseVault); got != 0 {
		t.Errorf("base vault: got %d, want 0", got)
	}

	// the retry settles exactly once
	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := s.f.Custody.Balance(s.req.QuoteDestination); got != 41 {
		t.Errorf("liquidator quote: got %d, want 41", got)
	}
}

func TestLiquidate_CapEnforced(t *testing.T) {
	s := newLiquidation(t, 8000, func(o *core.Options) {
		o.Cap = core.LiquidationCap{Enforced: true, Percent: 5}
	})

	// ceil(8000*5/100) = 400
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 401}}
	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); !errors.Is(err, ledger.ErrBusinessRule) {
		t.Fatalf("401: got %v, want ErrBusinessRule", err)
	}
	s.req.Debts = []core.DebtAmount{{DebtID: s.debt, Amount: 400}}
	if _, err := s.f.Processor.LiquidateDebts(context.Background(), s.req); err != nil {
		t.Fatalf("400: %v", err)
	}
}

func TestLiquidate_RequestValidation(t *testing.T) {
	s := newLiquidation(t, 8000)
	ctx := context.Background()

	tests := []struct {
		name  string
		debts []core.DebtAmount
		lend  []ledger.Key
		want  error
	}{
		{"empty", nil, s.req.Lenders, ledger.ErrBusinessRule},
		{"duplicate", []core.DebtAmount{{DebtID: s.debt, Amount: 100}, {DebtID: s.debt, Amount: 100}}, s.req.Lenders, ledger.ErrInvalidAccountData},
		{"zero amount", []core.DebtAmount{{DebtID: s.debt, Amount: 0}}, s.req.Lenders, ledger.ErrBusinessRule},
		{"free slot", []core.DebtAmount{{DebtID: s.debt + 1, Amount: 100}}, s.req.Lenders, ledger.ErrBusinessRule},
		{"exceeds unliquidated", []core.DebtAmount{{DebtID: s.debt, Amount: 8001}}, s.req.Lenders, ledger.ErrBusinessRule},
		{"lender missing", []core.DebtAmount{{DebtID: s.debt, Amount: 400}}, nil, ledger.ErrInvalidAccountData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := s.req
			req.Debts = tt.debts
			req.Lenders = tt.lend
			if _, err := s.f.Processor.LiquidateDebts(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("err: got %v, want %v", err, tt.want)
			}
		})
	}
	s.assertUnchanged(t, 8000)
}

func TestLiquidationCap_Limit(t *testing.T) {
	if got := core.DefaultLiquidationCap().Limit(1000); got != ^uint64(0) {
		t.Errorf("disabled: got %d, want unbounded", got)
	}
	c := core.LiquidationCap{Enforced: true, Percent: 50}
	if got := c.Limit(999); got != 500 {
		t.Errorf("enforced: got %d, want 500", got)
	}
	if err := (core.LiquidationCap{Percent: 0}).Validate(); err == nil {
		t.Error("percent 0 accepted")
	}
}
