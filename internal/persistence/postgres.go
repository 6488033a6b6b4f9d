package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the store maps onto ledger errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresStore is the durable Store. A unit of work is one database
// transaction; the market row is taken FOR UPDATE first, which serializes
// units of work on the same market.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *ledger.Market) error {
	record, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal market: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lending.markets (id, record) VALUES ($1, $2)`,
		m.ID.String(), record,
	)
	if pqCode(err) == pqUniqueViolation {
		return fmt.Errorf("%w: market %s already exists", ledger.ErrInvalidAccountData, m.ID.Short())
	}
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID.Short(), err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *ledger.MarginAccount) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lending.margin_accounts (market, owner, record) VALUES ($1, $2, $3)`,
		a.Market.String(), a.Owner.String(), record,
	)
	switch pqCode(err) {
	case pqUniqueViolation:
		return fmt.Errorf("%w: account %s already exists", ledger.ErrInvalidAccountData, a.Owner.Short())
	case pqForeignKeyViolation:
		return fmt.Errorf("market %s: %w", a.Market.Short(), ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.Owner.Short(), err)
	}
	return nil
}

// AppendEvents inserts events and advances the market's high-water
// sequence in one transaction. Re-appending a sequence already stored is a
// no-op.
func (s *PostgresStore) AppendEvents(ctx context.Context, market ledger.Key, events []orderbook.Event) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, 1+len(events)*2)
	args = append(args, market.String())
	var last uint64
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", e.Seq, err)
		}
		base := 2 + i*2
		values = append(values, fmt.Sprintf("($1, $%d, $%d)", base, base+1))
		args = append(args, int64(e.Seq), payload)
		if e.Seq > last {
			last = e.Seq
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lending.order_events (market, seq, payload) VALUES `+strings.Join(values, ", ")+
			` ON CONFLICT (market, seq) DO NOTHING`,
		args...,
	)
	if pqCode(err) == pqForeignKeyViolation {
		return fmt.Errorf("market %s: %w", market.Short(), ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lending.event_sequences (market, last_seq) VALUES ($1, $2)
		ON CONFLICT (market) DO UPDATE
		SET last_seq = GREATEST(lending.event_sequences.last_seq, EXCLUDED.last_seq)`,
		market.String(), int64(last),
	); err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) LastEventSeq(ctx context.Context, market ledger.Key) (uint64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM lending.event_sequences WHERE market = $1`, market.String(),
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last event seq %s: %w", market.Short(), err)
	}
	return uint64(last), nil
}

func (s *PostgresStore) Update(ctx context.Context, market ledger.Key, fn func(store.Tx) error) error {
	return s.run(ctx, market, fn, true)
}

func (s *PostgresStore) View(ctx context.Context, market ledger.Key, fn func(store.Tx) error) error {
	return s.run(ctx, market, fn, false)
}

func (s *PostgresStore) run(ctx context.Context, market ledger.Key, fn func(store.Tx) error, commit bool) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !commit})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT record FROM lending.markets WHERE id = $1`
	if commit {
		query += ` FOR UPDATE`
	}
	var record []byte
	err = tx.QueryRowContext(ctx, query, market.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("market %s: %w", market.Short(), ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load market %s: %w", market.Short(), err)
	}
	m := new(ledger.Market)
	if err := json.Unmarshal(record, m); err != nil {
		return fmt.Errorf("decode market %s: %w", market.Short(), err)
	}

	ptx := &pgTx{
		ctx:    ctx,
		tx:     tx,
		lock:   commit,
		market: m,
		loaded: make(map[ledger.Key]*ledger.MarginAccount),
	}
	if err := fn(ptx); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := ptx.flush(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", market.Short(), err)
	}
	return nil
}

// pgTx satisfies store.Tx. Reads it serves are cached for the duration of
// the unit of work so repeated loads hand back the same copy.
type pgTx struct {
	ctx    context.Context
	tx     *sql.Tx
	lock   bool
	market *ledger.Market
	loaded map[ledger.Key]*ledger.MarginAccount
	popped int
}

func (t *pgTx) Market() *ledger.Market { return t.market }

func (t *pgTx) forUpdate() string {
	if t.lock {
		return ` FOR UPDATE`
	}
	return ""
}

func (t *pgTx) Account(owner ledger.Key) (*ledger.MarginAccount, error) {
	if a, ok := t.loaded[owner]; ok {
		return a, nil
	}
	var record []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT record FROM lending.margin_accounts WHERE market = $1 AND owner = $2`+t.forUpdate(),
		t.market.ID.String(), owner.String(),
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", owner.Short(), ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", owner.Short(), err)
	}
	a := new(ledger.MarginAccount)
	if err := json.Unmarshal(record, a); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", owner.Short(), err)
	}
	t.loaded[owner] = a
	return a, nil
}

func (t *pgTx) Accounts(owners []ledger.Key) (map[ledger.Key]*ledger.MarginAccount, error) {
	out := make(map[ledger.Key]*ledger.MarginAccount, len(owners))
	var missing []string
	for _, owner := range owners {
		if a, ok := t.loaded[owner]; ok {
			out[owner] = a
			continue
		}
		missing = append(missing, owner.String())
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT owner, record FROM lending.margin_accounts
		WHERE market = $1 AND owner = ANY($2)
		ORDER BY owner`+t.forUpdate(),
		t.market.ID.String(), pq.Array(missing),
	)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hexOwner string
			record   []byte
		)
		if err := rows.Scan(&hexOwner, &record); err != nil {
			return nil, err
		}
		owner, err := ledger.ParseKey(hexOwner)
		if err != nil {
			return nil, fmt.Errorf("decode owner: %w", err)
		}
		a := new(ledger.MarginAccount)
		if err := json.Unmarshal(record, a); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", owner.Short(), err)
		}
		t.loaded[owner] = a
		out[owner] = a
	}
	return out, rows.Err()
}

func (t *pgTx) PeekEvents(n int) ([]orderbook.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT payload FROM lending.order_events WHERE market = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		t.market.ID.String(), n, t.popped,
	)
	if err != nil {
		return nil, fmt.Errorf("peek events: %w", err)
	}
	defer rows.Close()

	var out []orderbook.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e orderbook.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) PopEvents(n int) error {
	queued, err := t.QueueLen()
	if err != nil {
		return err
	}
	if n < 0 || n > queued {
		return fmt.Errorf("pop %d events: queue holds %d", n, queued)
	}
	t.popped += n
	return nil
}

func (t *pgTx) QueueLen() (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx,
		`SELECT count(*) FROM lending.order_events WHERE market = $1`, t.market.ID.String(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n - t.popped, nil
}

// Transfer runs the legs on the unit's own transaction, so balances and
// ledger records commit or roll back together. Inside View the legs are
// only checked.
func (t *pgTx) Transfer(legs ...custody.Leg) error {
	return transferTx(t.ctx, t.tx, legs, t.lock)
}

// flush writes back the market, every loaded account and the popped head.
func (t *pgTx) flush() error {
	record, err := json.Marshal(t.market)
	if err != nil {
		return fmt.Errorf("marshal market: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE lending.markets SET record = $2, updated_at = NOW() WHERE id = $1`,
		t.market.ID.String(), record,
	); err != nil {
		return fmt.Errorf("write market: %w", err)
	}

	owners := make([]ledger.Key, 0, len(t.loaded))
	for owner := range t.loaded {
		owners = append(owners, owner)
	}
	for _, owner := range ledger.SortKeys(owners) {
		record, err := json.Marshal(t.loaded[owner])
		if err != nil {
			return fmt.Errorf("marshal account %s: %w", owner.Short(), err)
		}
		if _, err := t.tx.ExecContext(t.ctx,
			`UPDATE lending.margin_accounts SET record = $3, updated_at = NOW() WHERE market = $1 AND owner = $2`,
			t.market.ID.String(), owner.String(), record,
		); err != nil {
			return fmt.Errorf("write account %s: %w", owner.Short(), err)
		}
	}

	if t.popped > 0 {
		if _, err := t.tx.ExecContext(t.ctx, `
			DELETE FROM lending.order_events
			WHERE market = $1 AND seq IN (
				SELECT seq FROM lending.order_events WHERE market = $1 ORDER BY seq LIMIT $2
			)`,
			t.market.ID.String(), t.popped,
		); err != nil {
			return fmt.Errorf("pop events: %w", err)
		}
	}
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
