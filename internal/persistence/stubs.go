package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/oracle"

	"github.com/shopspring/decimal"
)

// PostgresStubs is the durable oracle.StubBackend. Prices are NUMERIC(20,0)
// so the full uint64 range round-trips.
type PostgresStubs struct {
	db *sql.DB
}

func NewPostgresStubs(db *sql.DB) *PostgresStubs {
	return &PostgresStubs{db: db}
}

func (s *PostgresStubs) GetStubPrice(ctx context.Context, ref ledger.Key) (oracle.StubPrice, bool, error) {
	var (
		price, conf decimal.Decimal
		updatedAt   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT price, confidence, updated_at FROM lending.stub_prices WHERE ref = $1`, ref.String(),
	).Scan(&price, &conf, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oracle.StubPrice{}, false, nil
	}
	if err != nil {
		return oracle.StubPrice{}, false, fmt.Errorf("select stub price: %w", err)
	}

	p, err := toUint64(price)
	if err != nil {
		return oracle.StubPrice{}, false, fmt.Errorf("stub price %s: %w", ref.Short(), err)
	}
	c, err := toUint64(conf)
	if err != nil {
		return oracle.StubPrice{}, false, fmt.Errorf("stub confidence %s: %w", ref.Short(), err)
	}
	return oracle.StubPrice{Price: p, Confidence: c, UpdatedAt: updatedAt.UTC()}, true, nil
}

func (s *PostgresStubs) PutStubPrice(ctx context.Context, ref ledger.Key, p oracle.StubPrice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lending.stub_prices (ref, price, confidence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ref) DO UPDATE
		SET price = EXCLUDED.price, confidence = EXCLUDED.confidence, updated_at = EXCLUDED.updated_at`,
		ref.String(), fromUint64(p.Price).String(), fromUint64(p.Confidence).String(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stub price: %w", err)
	}
	return nil
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s is not a whole non-negative number", d)
	}
	b := d.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("%s overflows uint64", d)
	}
	return b.Uint64(), nil
}
