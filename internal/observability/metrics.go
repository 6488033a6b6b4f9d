package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TermLedger.
type Metrics struct {
	// --- Ledger operations ---
	OpsTotal    *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	DebtsOpened prometheus.Counter
	DebtsClosed prometheus.Counter
	LiveDebts   *prometheus.GaugeVec

	OrderCompensations *prometheus.CounterVec

	// --- Event consumption ---
	EventsApplied   *prometheus.CounterVec
	PartialBatches  prometheus.Counter
	EventQueueDepth *prometheus.GaugeVec

	// --- Crank ---
	CrankCycles   *prometheus.CounterVec
	CrankAccounts prometheus.Histogram

	// --- Liquidation controller ---
	LiquidatorCycles      *prometheus.CounterVec
	LiquidatorUnhealthy   prometheus.Gauge
	LiquidatorCancels     *prometheus.CounterVec
	LiquidatorSubmissions *prometheus.CounterVec
	LiquidatedBase        prometheus.Counter
	SearchIterations      prometheus.Histogram

	// --- Ingestion & publishing ---
	IngestAppended   *prometheus.CounterVec
	IngestRejected   *prometheus.CounterVec
	PublishDrops     prometheus.Counter
	PricesReceived   *prometheus.CounterVec
	DedupLRUSize     prometheus.Gauge
	DedupLRUEviction prometheus.Counter

	// --- History projection ---
	HistoryWritten  *prometheus.CounterVec
	HistoryDrops    prometheus.Counter
	HistoryFailures prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers every metric on reg. Pass prometheus.DefaultRegisterer
// in processes and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		OpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_ledger_ops_total",
			Help: "Ledger operations by op and result kind",
		}, []string{"op", "result"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_ledger_op_duration_seconds",
			Help:    "Duration of one ledger unit of work",
			Buckets: opBuckets,
		}, []string{"op"}),

		DebtsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "term_ledger_debts_opened_total",
			Help: "Debts created from fills",
		}),

		DebtsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "term_ledger_debts_closed_total",
			Help: "Debts fully settled",
		}),

		LiveDebts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_ledger_live_debts",
			Help: "Occupied debt slots per market",
		}, []string{"market"}),

		OrderCompensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_ledger_order_compensations_total",
			Help: "Matching-engine calls undone after their unit of work failed, by op and result",
		}, []string{"op", "result"}),

		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_consume_events_applied_total",
			Help: "Matching-engine events applied by kind",
		}, []string{"kind"}),

		PartialBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "term_consume_partial_batches_total",
			Help: "Consume calls that stopped before the end of the batch",
		}),

		EventQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_consume_queue_depth",
			Help: "Events waiting in the queue after a consume call",
		}, []string{"market"}),

		CrankCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_crank_cycles_total",
			Help: "Crank polling cycles by outcome",
		}, []string{"outcome"}),

		CrankAccounts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_crank_accounts_per_call",
			Help:    "Accounts supplied per consume call",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),

		LiquidatorCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_liquidator_cycles_total",
			Help: "Liquidation controller cycles by outcome",
		}, []string{"outcome"}),

		LiquidatorUnhealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_liquidator_unhealthy_borrowers",
			Help: "Borrowers found with health factor below 100 in the last cycle",
		}),

		LiquidatorCancels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_liquidator_risky_cancels_total",
			Help: "Risky bid cancellations submitted by result",
		}, []string{"result"}),

		LiquidatorSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_liquidator_submissions_total",
			Help: "Liquidation submissions by result",
		}, []string{"result"}),

		LiquidatedBase: f.NewCounter(prometheus.CounterOpts{
			Name: "term_liquidator_liquidated_base_total",
			Help: "Base quantity liquidated by accepted submissions",
		}),

		SearchIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_liquidator_search_iterations",
			Help:    "Binary search iterations per liquidation amount",
			Buckets: prometheus.LinearBuckets(0, 4, 17),
		}),

		IngestAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_ingest_events_appended_total",
			Help: "Matching-engine events appended to the queue",
		}, []string{"market"}),

		IngestRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_ingest_events_rejected_total",
			Help: "Inbound events rejected (duplicate, gap, parse)",
		}, []string{"reason"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "term_publish_drops_total",
			Help: "Notifications dropped because the publish channel was full",
		}),

		PricesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_oracle_prices_received_total",
			Help: "External feed aggregates received by status",
		}, []string{"status"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_ingest_dedup_lru_size",
			Help: "Entries held by the inbound dedup LRU",
		}),

		DedupLRUEviction: f.NewCounter(prometheus.CounterOpts{
			Name: "term_ingest_dedup_lru_evictions_total",
			Help: "Inbound dedup LRU evictions",
		}),

		HistoryWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_history_written_total",
			Help: "Ledger notifications recorded in the history table by type",
		}, []string{"type"}),

		HistoryDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "term_history_drops_total",
			Help: "Notifications dropped because the history channel was full",
		}),

		HistoryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "term_history_write_failures_total",
			Help: "History batches that failed to write",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_api_requests_total",
			Help: "API requests by route and status",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: opBuckets,
		}, []string{"route"}),
	}
}
