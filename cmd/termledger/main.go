package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"TermLedger/internal/app"
	"TermLedger/internal/config"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/observability"
	"TermLedger/internal/persistence"
	"TermLedger/internal/projection"
	"TermLedger/internal/query"
	"TermLedger/internal/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $TERM_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	rt, err := app.Open(ctx, cfg, "termledger")
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Log

	// --- Schema ---
	if err := persistence.NewMigrator(rt.DB, cfg.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if cfg.Market != "" {
		market, err := cfg.RequireMarket()
		if err != nil {
			return err
		}
		if _, err := rt.Processor.Market(ctx, market); err != nil {
			return fmt.Errorf("load market %s: %w", market.Short(), err)
		}
		log.Info().Str("market", market.Short()).Msg("market loaded")
		rt.MarketLoaded(market.Short())
	} else {
		rt.MarketLoaded("any")
	}

	// --- Streams and inbound bridges ---
	if err := ingestion.EnsureStreams(ctx, rt.JetStream, log); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	seq := ingestion.NewSequencer(rt.Store, cfg.NATS.DedupCapacity, rt.Metrics)
	book := ingestion.NewBookBridge(rt.Store, seq, rt.Metrics, log)
	prices := ingestion.NewPriceBridge(rt.Feed, rt.Metrics, log)

	sub := ingestion.NewNATSSubscriber(rt.JetStream, log)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects(book, prices)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Stop()

	// --- API ---
	rt.Health.Register(observability.ComponentAPI)
	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Ledger:        rt.Processor,
		Query:         query.NewQueryService(rt.Processor),
		History:       projection.NewHistoryReader(rt.DB),
		HealthChecker: rt.Health,
		Metrics:       rt.Metrics,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	errChan := make(chan error, 5)
	rt.StartWorkers(ctx, errChan)
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()
	go func() { errChan <- rt.ServeMetrics(ctx, cfg.Server.MetricsAddr) }()

	srv.SetServing(true)
	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("TermLedger ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("component failed, shutting down")
			srv.SetServing(false)
			return err
		}
	}
	srv.SetServing(false)
	log.Info().Msg("TermLedger shutdown complete")
	return nil
}
