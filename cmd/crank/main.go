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
	"TermLedger/internal/crank"
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
	market, err := cfg.RequireMarket()
	if err != nil {
		return err
	}

	rt, err := app.Open(ctx, cfg, "crank")
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Processor.Market(ctx, market); err != nil {
		return fmt.Errorf("load market %s: %w", market.Short(), err)
	}
	rt.MarketLoaded(market.Short())

	c := crank.New(rt.Processor, crank.Config{
		Market:        market,
		Interval:      cfg.Crank.Interval,
		MaxIterations: cfg.Crank.MaxIterations,
		MaxAccounts:   cfg.Crank.MaxAccounts,
	}, rt.Metrics, rt.Log)

	errChan := make(chan error, 4)
	rt.StartWorkers(ctx, errChan)
	go func() { errChan <- rt.ServeMetrics(ctx, cfg.Server.MetricsAddr) }()
	go func() { errChan <- c.Run(ctx) }()

	select {
	case <-ctx.Done():
		rt.Log.Info().Msg("shutdown signal received")
		return nil
	case err := <-errChan:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}
