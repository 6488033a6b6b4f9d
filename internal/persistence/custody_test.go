package persistence_test

import (
	"context"
	"errors"
	"testing"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/persistence"
	"TermLedger/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
)

var (
	wallet = ledger.Key{0x01}
	vault  = ledger.Key{0x02}
)

// ============================================================================
// Test: PostgresCustody
// ============================================================================

func TestPostgresCustody_TransferWritesTouchedBalances(t *testing.T) {
	db, mock := newMock(t)
	c := persistence.NewPostgresCustody(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT account, amount FROM lending.token_balances`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"account", "amount"}).AddRow(wallet.String(), "100"))
	mock.ExpectExec(`INSERT INTO lending.token_balances`).
		WithArgs(wallet.String(), "70").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO lending.token_balances`).
		WithArgs(vault.String(), "30").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := c.Transfer(context.Background(), custody.Leg{From: wallet, To: vault, Amount: 30}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

func TestPostgresCustody_InsufficientBalanceRollsBack(t *testing.T) {
	db, mock := newMock(t)
	c := persistence.NewPostgresCustody(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT account, amount FROM lending.token_balances`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"account", "amount"}).AddRow(wallet.String(), "10"))
	mock.ExpectRollback()

	err := c.Transfer(context.Background(), custody.Leg{From: wallet, To: vault, Amount: 30})
	if !errors.Is(err, custody.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPostgresCustody_MintAndBalance(t *testing.T) {
	db, mock := newMock(t)
	c := persistence.NewPostgresCustody(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO lending.token_balances`).
		WithArgs(wallet.String(), "18446744073709551615").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT amount FROM lending.token_balances WHERE account = \$1`).
		WithArgs(wallet.String()).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("18446744073709551615"))
	mock.ExpectQuery(`SELECT amount FROM lending.token_balances WHERE account = \$1`).
		WithArgs(vault.String()).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))

	if err := c.Mint(ctx, wallet, ^uint64(0)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, err := c.Balance(ctx, wallet)
	if err != nil || got != ^uint64(0) {
		t.Fatalf("balance: got %d, %v", got, err)
	}
	if got, err := c.Balance(ctx, vault); err != nil || got != 0 {
		t.Fatalf("unknown account: got %d, %v", got, err)
	}
}

// ============================================================================
// Test: Transfers inside a unit of work
// ============================================================================

func TestPostgresStore_TransferJoinsUnitTransaction(t *testing.T) {
	db, mock := newMock(t)

	// one BEGIN: the balances are written on the unit's own transaction
	mock.ExpectBegin()
	expectMarket(t, mock, true)
	mock.ExpectQuery(`SELECT account, amount FROM lending.token_balances .* FOR UPDATE`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"account", "amount"}).AddRow(wallet.String(), "100"))
	mock.ExpectExec(`INSERT INTO lending.token_balances`).
		WithArgs(wallet.String(), "70").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO lending.token_balances`).
		WithArgs(vault.String(), "30").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE lending.markets SET record`).
		WithArgs(market.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := persistence.NewPostgresStore(db).Update(context.Background(), market, func(tx store.Tx) error {
		return tx.Transfer(custody.Leg{From: wallet, To: vault, Amount: 30})
	})
	if err == nil {
		t.Fatal("expected commit failure")
	}
}

func TestPostgresStore_TransferFailureAbortsUnit(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	expectMarket(t, mock, true)
	mock.ExpectQuery(`SELECT account, amount FROM lending.token_balances`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"account", "amount"}).AddRow(wallet.String(), "10"))
	mock.ExpectRollback()

	err := persistence.NewPostgresStore(db).Update(context.Background(), market, func(tx store.Tx) error {
		return tx.Transfer(custody.Leg{From: wallet, To: vault, Amount: 30})
	})
	if !errors.Is(err, custody.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}
