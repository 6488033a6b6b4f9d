package core_test

import (
	"context"
	"errors"
	"testing"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	"TermLedger/internal/testutil"
)

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_CreditsVaultSide(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	m := f.MarketRecord(t)
	owner := f.AddAccount(t, "alice", nil)
	wallet := testutil.KeyOf("alice-wallet")
	f.Custody.Mint(wallet, 5000)

	if err := f.Processor.Deposit(ctx, core.TransferRequest{
		Market: f.Market, Owner: owner, Vault: m.BaseVault, Counterparty: wallet, Amount: 1200,
	}); err != nil {
		t.Fatalf("deposit base: %v", err)
	}
	if err := f.Processor.Deposit(ctx, core.TransferRequest{
		Market: f.Market, Owner: owner, Vault: m.QuoteVault, Counterparty: wallet, Amount: 300,
	}); err != nil {
		t.Fatalf("deposit quote: %v", err)
	}

	a := f.Account(t, owner)
	if a.BaseFree != 1200 || a.QuoteTotal != 300 {
		t.Errorf("balances: base_free=%d quote_total=%d, want 1200/300", a.BaseFree, a.QuoteTotal)
	}
	if got := f.Custody.Balance(wallet); got != 3500 {
		t.Errorf("wallet: got %d, want 3500", got)
	}
	if got := f.Custody.Balance(m.BaseVault); got != 1200 {
		t.Errorf("base vault: got %d, want 1200", got)
	}
}

func TestDeposit_WrongVault(t *testing.T) {
	f := testutil.NewFixture(t)
	owner := f.AddAccount(t, "alice", nil)
	wallet := testutil.KeyOf("alice-wallet")
	f.Custody.Mint(wallet, 100)

	err := f.Processor.Deposit(context.Background(), core.TransferRequest{
		Market: f.Market, Owner: owner, Vault: testutil.KeyOf("elsewhere"), Counterparty: wallet, Amount: 10,
	})
	if !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Fatalf("err: got %v, want ErrInvalidAccountData", err)
	}
	if got := f.Custody.Balance(wallet); got != 100 {
		t.Errorf("wallet debited on failed deposit: %d", got)
	}
}

func TestDeposit_CustodyFailureLeavesAccount(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.MarketRecord(t)
	owner := f.AddAccount(t, "alice", nil)

	err := f.Processor.Deposit(context.Background(), core.TransferRequest{
		Market: f.Market, Owner: owner, Vault: m.BaseVault, Counterparty: testutil.KeyOf("empty"), Amount: 10,
	})
	if err == nil {
		t.Fatal("expected custody failure")
	}
	if a := f.Account(t, owner); a.BaseFree != 0 {
		t.Errorf("base_free: got %d, want 0", a.BaseFree)
	}
}

func TestDeposit_ZeroAmount(t *testing.T) {
	f := testutil.NewFixture(t)
	owner := f.AddAccount(t, "alice", nil)
	err := f.Processor.Deposit(context.Background(), core.TransferRequest{Market: f.Market, Owner: owner})
	if !errors.Is(err, ledger.ErrBusinessRule) {
		t.Errorf("err: got %v, want ErrBusinessRule", err)
	}
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestWithdraw_QuoteWithoutExposureNeedsNoPrice(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.MarketRecord(t)
	owner := f.AddAccount(t, "alice", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	f.Custody.Mint(m.QuoteVault, 1000)
	wallet := testutil.KeyOf("alice-wallet")

	req := core.TransferRequest{Market: f.Market, Owner: owner, Vault: m.QuoteVault, Counterparty: wallet, Amount: 1000}
	if err := f.Processor.Withdraw(context.Background(), req); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if a := f.Account(t, owner); a.QuoteTotal != 0 {
		t.Errorf("quote_total: got %d, want 0", a.QuoteTotal)
	}
	if got := f.Custody.Balance(wallet); got != 1000 {
		t.Errorf("wallet: got %d, want 1000", got)
	}
}

func TestWithdraw_CommitFailureKeepsTokens(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.MarketRecord(t)
	owner := f.AddAccount(t, "alice", func(a *ledger.MarginAccount) { a.BaseFree = 300 })
	f.Custody.Mint(m.BaseVault, 300)
	wallet := testutil.KeyOf("alice-wallet")
	req := core.TransferRequest{Market: f.Market, Owner: owner, Vault: m.BaseVault, Counterparty: wallet, Amount: 300}

	f.FailCommits(1)
	if err := f.Processor.Withdraw(context.Background(), req); !errors.Is(err, testutil.ErrCommitFailed) {
		t.Fatalf("err: got %v, want ErrCommitFailed", err)
	}
	if got := f.Custody.Balance(wallet); got != 0 {
		t.Errorf("wallet after failed commit: got %d, want 0", got)
	}
	if got := f.Custody.Balance(m.BaseVault); got != 300 {
		t.Errorf("vault after failed commit: got %d, want 300", got)
	}

	if err := f.Processor.Withdraw(context.Background(), req); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := f.Processor.Withdraw(context.Background(), req); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("second withdraw: got %v, want ErrInsufficientFunds", err)
	}
	if got := f.Custody.Balance(wallet); got != 300 {
		t.Errorf("wallet: got %d, want 300", got)
	}
}

func TestWithdraw_QuoteBoundedByExposure(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	m := f.MarketRecord(t)
	f.SetPrice(t, 10)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	f.OpenDebt(t, lender, borrower, 5000, 0)
	f.Custody.Mint(m.QuoteVault, 1000)
	wallet := testutil.KeyOf("borrower-wallet")

	// 1000 - ceil(5000*150/(100*10)) = 250
	over := core.TransferRequest{Market: f.Market, Owner: borrower, Vault: m.QuoteVault, Counterparty: wallet, Amount: 251}
	if err := f.Processor.Withdraw(ctx, over); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("withdraw 251: got %v, want ErrInsufficientFunds", err)
	}

	ok := over
	ok.Amount = 250
	if err := f.Processor.Withdraw(ctx, ok); err != nil {
		t.Fatalf("withdraw 250: %v", err)
	}
	if a := f.Account(t, borrower); a.QuoteTotal != 750 {
		t.Errorf("quote_total: got %d, want 750", a.QuoteTotal)
	}
}

func TestWithdraw_QuoteWithExposureNeedsPrice(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.MarketRecord(t)
	lender := f.AddAccount(t, "lender", nil)
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.QuoteTotal = 1000 })
	f.OpenDebt(t, lender, borrower, 100, 0)

	err := f.Processor.Withdraw(context.Background(), core.TransferRequest{
		Market: f.Market, Owner: borrower, Vault: m.QuoteVault, Counterparty: testutil.KeyOf("w"), Amount: 1,
	})
	if !errors.Is(err, ledger.ErrOracleUnavailable) {
		t.Errorf("err: got %v, want ErrOracleUnavailable", err)
	}
}

func TestWithdraw_BaseBoundedByFree(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.MarketRecord(t)
	owner := f.AddAccount(t, "alice", func(a *ledger.MarginAccount) {
		a.BaseFree = 100
		a.BaseLocked = 900
	})
	f.Custody.Mint(m.BaseVault, 1000)

	err := f.Processor.Withdraw(context.Background(), core.TransferRequest{
		Market: f.Market, Owner: owner, Vault: m.BaseVault, Counterparty: testutil.KeyOf("w"), Amount: 101,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("err: got %v, want ErrInsufficientFunds", err)
	}
}

// ============================================================================
// Test: Stub price administration
// ============================================================================

func TestSetStubPrice_AdminOnly(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	err := f.Processor.SetStubPrice(ctx, core.StubPriceRequest{Market: f.Market, Admin: testutil.KeyOf("mallory"), Price: 7})
	if !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Fatalf("non-admin: got %v, want ErrInvalidAccountData", err)
	}

	if err := f.Processor.SetStubPrice(ctx, core.StubPriceRequest{Market: f.Market, Admin: testutil.KeyOf("admin"), Price: 7, Confidence: 1}); err != nil {
		t.Fatalf("admin: %v", err)
	}
	price, err := f.Processor.QuotePrice(ctx, f.Market)
	if err != nil || price != 7 {
		t.Errorf("price: got %d (%v), want 7", price, err)
	}
}
