// Package projection maintains the ledger history read model: every
// committed notification, queryable per market. The table is eventually
// consistent with the ledger; a dropped notification is counted, not retried.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize  = 50
	DefaultFlushEvery = 10 * time.Millisecond
	DefaultLimit      = 100
	MaxLimit          = 1000
)

// Entry is one recorded notification.
type Entry struct {
	ID        uuid.UUID             `json:"id"`
	Type      core.NotificationType `json:"type"`
	Market    ledger.Key            `json:"market"`
	Payload   json.RawMessage       `json:"payload"`
	Timestamp time.Time             `json:"timestamp"`
}

// HistoryWorker is a core.Notifier that batches notifications into
// lending.ledger_history. Notify never blocks.
type HistoryWorker struct {
	db         *sql.DB
	ch         chan core.Notification
	batchSize  int
	flushEvery time.Duration
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewHistoryWorker(db *sql.DB, buffer int, metrics *observability.Metrics, log zerolog.Logger) *HistoryWorker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &HistoryWorker{
		db:         db,
		ch:         make(chan core.Notification, buffer),
		batchSize:  DefaultBatchSize,
		flushEvery: DefaultFlushEvery,
		metrics:    metrics,
		log:        log.With().Str("worker", "history").Logger(),
	}
}

func (w *HistoryWorker) Notify(n core.Notification) {
	select {
	case w.ch <- n:
	default:
		if w.metrics != nil {
			w.metrics.HistoryDrops.Inc()
		}
		w.log.Warn().Str("type", string(n.Type)).Str("id", n.ID.String()).Msg("history buffer full, dropping notification")
	}
}

// Run writes batches until ctx is cancelled, then flushes what it holds.
func (w *HistoryWorker) Run(ctx context.Context) error {
	batch := make([]core.Notification, 0, w.batchSize)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.write(ctx, batch); err != nil {
			if w.metrics != nil {
				w.metrics.HistoryFailures.Inc()
			}
			w.log.Warn().Err(err).Int("batch", len(batch)).Msg("history write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutCtx)
			cancel()
			return ctx.Err()

		case n := <-w.ch:
			batch = append(batch, n)
			if len(batch) >= w.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (w *HistoryWorker) write(ctx context.Context, batch []core.Notification) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, n := range batch {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.ledger_history (id, market, type, payload, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			n.ID, n.Market.String(), string(n.Type), payload, n.Timestamp,
		); err != nil {
			return fmt.Errorf("insert %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if w.metrics != nil {
		for _, n := range batch {
			w.metrics.HistoryWritten.WithLabelValues(string(n.Type)).Inc()
		}
	}
	return nil
}

// HistoryReader queries the history table.
type HistoryReader struct {
	db *sql.DB
}

func NewHistoryReader(db *sql.DB) *HistoryReader {
	return &HistoryReader{db: db}
}

// Recent returns the market's newest entries first. An empty typ matches
// every type; limit is clamped to (0, MaxLimit].
func (r *HistoryReader) Recent(ctx context.Context, market ledger.Key, typ core.NotificationType, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, payload, recorded_at FROM lending.ledger_history
		WHERE market = $1 AND ($2 = '' OR type = $2)
		ORDER BY recorded_at DESC, id
		LIMIT $3`,
		market.String(), string(typ), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e := Entry{Market: market}
		var (
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &kind, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Type = core.NotificationType(kind)
		e.Payload = json.RawMessage(payload)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
