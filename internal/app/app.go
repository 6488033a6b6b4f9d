// Package app assembles the ledger runtime shared by the daemon, crank and
// liquidator processes.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"TermLedger/internal/config"
	"TermLedger/internal/core"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/persistence"
	"TermLedger/internal/projection"
	"TermLedger/internal/risk"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Runtime is a connected ledger: storage, messaging, price feeds and the
// processor that executes operations over them.
type Runtime struct {
	Config    config.Config
	Log       zerolog.Logger
	DB        *sql.DB
	NATS      *nats.Conn
	JetStream jetstream.JetStream
	Store     *persistence.PostgresStore
	Custody   *persistence.PostgresCustody
	Feed      *oracle.FeedCache
	Publisher *ingestion.OutboundPublisher
	History   *projection.HistoryWorker
	Processor *core.Processor
	Metrics   *observability.Metrics
	Health    *observability.HealthChecker

	closers []io.Closer
}

// Open connects Postgres and NATS and builds the processor. The caller
// owns Close.
func Open(ctx context.Context, cfg config.Config, component string) (*Runtime, error) {
	log, logCloser := observability.NewConfiguredLogger(component, cfg.Log)
	rt := &Runtime{
		Config:  cfg,
		Log:     log,
		Metrics: observability.NewMetrics(prometheus.DefaultRegisterer),
		Health:  observability.NewHealthChecker(observability.ComponentStore, observability.ComponentNATS, observability.ComponentMarket),
		Feed:    oracle.NewFeedCache(),
		closers: []io.Closer{logCloser},
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	rt.DB = db
	rt.closers = append(rt.closers, db)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")
	rt.Health.Set(observability.ComponentStore, true, "")

	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.NATS, rt.JetStream = nc, js
	rt.closers = append(rt.closers, closerFunc(func() error { nc.Close(); return nil }))
	log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	rt.Health.Set(observability.ComponentNATS, true, "")

	rt.Store = persistence.NewPostgresStore(db)
	rt.Custody = persistence.NewPostgresCustody(db)
	rt.Publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, rt.Metrics, log)
	rt.History = projection.NewHistoryWorker(db, cfg.NATS.PublishBuffer, rt.Metrics, log)

	stubs := oracle.NewStubStore(persistence.NewPostgresStubs(db))
	feed := oracle.NewFeedNormalizer(rt.Feed, cfg.Oracle.TargetExpo, cfg.Oracle.MaxAge)
	rt.Processor = core.NewProcessor(
		rt.Store,
		oracle.NewRouter(stubs, feed),
		ingestion.NewBookClient(nc, 2*time.Second),
		core.Options{
			Calculator: risk.NewCalculator(cfg.ZeroPricePolicy()),
			Cap:        cfg.Risk.Cap,
			Notifier:   core.Notifiers{rt.Publisher, rt.History},
			Metrics:    rt.Metrics,
			Logger:     log,
			Stubs:      stubs,
		},
	)
	return rt, nil
}

// StartWorkers runs the notification publisher and the history writer,
// reporting their exits on errChan, and keeps the store and NATS readiness
// components current.
func (rt *Runtime) StartWorkers(ctx context.Context, errChan chan<- error) {
	go func() { errChan <- rt.Publisher.Run(ctx) }()
	go func() { errChan <- rt.History.Run(ctx) }()
	go rt.Health.Watch(ctx, observability.ComponentStore, healthInterval, rt.DB.PingContext)
	go rt.Health.Watch(ctx, observability.ComponentNATS, healthInterval, func(context.Context) error {
		if !rt.NATS.IsConnected() {
			return fmt.Errorf("nats %s", rt.NATS.Status())
		}
		return nil
	})
}

// MarketLoaded marks the market readiness component.
func (rt *Runtime) MarketLoaded(detail string) {
	rt.Health.Set(observability.ComponentMarket, true, detail)
}

// SubscribePrices starts a durable price consumer feeding the feed cache.
func (rt *Runtime) SubscribePrices(ctx context.Context, consumer string) (*ingestion.NATSSubscriber, error) {
	sub := ingestion.NewNATSSubscriber(rt.JetStream, rt.Log)
	err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      ingestion.PriceSubjectPrefix + ".>",
		ConsumerName: consumer,
		StreamName:   ingestion.PriceStream,
		Handler:      ingestion.NewPriceBridge(rt.Feed, rt.Metrics, rt.Log),
	}})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ServeMetrics serves /metrics and the health endpoints on addr until ctx
// is done.
func (rt *Runtime) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", rt.Health.LivenessHandler)
	mux.HandleFunc("/readyz", rt.Health.ReadinessHandler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	rt.Log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("close")
		}
	}
	rt.closers = nil
}

const healthInterval = 5 * time.Second

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
