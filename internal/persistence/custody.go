package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresCustody is a custody.Transferrer over lending.token_balances for
// movements outside a ledger unit of work. A transfer locks every touched
// row in key order, so concurrent transfers over overlapping accounts cannot
// deadlock. Ledger operations transfer through store.Tx instead, on the
// same database transaction as their records.
type PostgresCustody struct {
	db *sql.DB
}

var _ custody.Transferrer = (*PostgresCustody)(nil)

func NewPostgresCustody(db *sql.DB) *PostgresCustody {
	return &PostgresCustody{db: db}
}

func (c *PostgresCustody) Transfer(ctx context.Context, legs ...custody.Leg) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	if err := transferTx(ctx, tx, legs, true); err != nil {
		return err
	}
	return tx.Commit()
}

// transferTx stages legs over the balances visible to tx. With write set
// the touched rows are locked in key order and the new balances written;
// otherwise legs are only checked.
func transferTx(ctx context.Context, tx *sql.Tx, legs []custody.Leg, write bool) error {
	touched := custody.Touched(legs)
	ids := make([]string, len(touched))
	for i, k := range touched {
		ids[i] = k.String()
	}

	query := `
		SELECT account, amount FROM lending.token_balances
		WHERE account = ANY($1)
		ORDER BY account`
	if write {
		query += `
		FOR UPDATE`
	}
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}
	current := make(map[ledger.Key]uint64, len(touched))
	for rows.Next() {
		var (
			id     string
			amount decimal.Decimal
		)
		if err := rows.Scan(&id, &amount); err != nil {
			rows.Close()
			return fmt.Errorf("scan balance: %w", err)
		}
		k, err := ledger.ParseKey(id)
		if err != nil {
			rows.Close()
			return fmt.Errorf("balance key %q: %w", id, err)
		}
		if current[k], err = toUint64(amount); err != nil {
			rows.Close()
			return fmt.Errorf("balance %s: %w", k.Short(), err)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	staged, err := custody.Stage(func(k ledger.Key) uint64 { return current[k] }, legs)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	for _, k := range touched {
		v, ok := staged[k]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.token_balances (account, amount, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
			k.String(), fromUint64(v).String(),
		); err != nil {
			return fmt.Errorf("write balance %s: %w", k.Short(), err)
		}
	}
	return nil
}

// Mint credits amount to account, creating its row when absent.
func (c *PostgresCustody) Mint(ctx context.Context, account ledger.Key, amount uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO lending.token_balances (account, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE
		SET amount = lending.token_balances.amount + EXCLUDED.amount, updated_at = NOW()`,
		account.String(), fromUint64(amount).String(),
	)
	if err != nil {
		return fmt.Errorf("mint %s: %w", account.Short(), err)
	}
	return nil
}

// Balance returns the account's tokens; an unknown account holds zero.
func (c *PostgresCustody) Balance(ctx context.Context, account ledger.Key) (uint64, error) {
	var amount decimal.Decimal
	err := c.db.QueryRowContext(ctx,
		`SELECT amount FROM lending.token_balances WHERE account = $1`, account.String(),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance %s: %w", account.Short(), err)
	}
	return toUint64(amount)
}
