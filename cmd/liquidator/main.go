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
	"TermLedger/internal/liquidation"
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
	identity, baseSource, quoteDestination, err := cfg.RequireLiquidator()
	if err != nil {
		return err
	}

	rt, err := app.Open(ctx, cfg, "liquidator")
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Processor.Market(ctx, market); err != nil {
		return fmt.Errorf("load market %s: %w", market.Short(), err)
	}
	rt.MarketLoaded(market.Short())

	funds, err := rt.Custody.Balance(ctx, baseSource)
	if err != nil {
		return fmt.Errorf("read base source: %w", err)
	}
	if funds == 0 {
		rt.Log.Warn().Str("base_source", baseSource.Short()).Msg("base source is empty; liquidations will fail until it is funded")
	} else {
		rt.Log.Info().Str("base_source", baseSource.Short()).Uint64("balance", funds).Msg("base source balance")
	}

	// ExternalFeed markets are priced from the feed cache this consumer fills.
	sub, err := rt.SubscribePrices(ctx, "liquidator-prices-"+market.Short())
	if err != nil {
		return fmt.Errorf("subscribe prices: %w", err)
	}
	defer sub.Stop()

	ctrl := liquidation.NewController(rt.Processor, liquidation.Config{
		Market:           market,
		Interval:         cfg.Liquidator.Interval,
		Liquidator:       identity,
		BaseSource:       baseSource,
		QuoteDestination: quoteDestination,
		SweepPercent:     cfg.Liquidator.SweepPercent,
		Cap:              cfg.Risk.Cap,
	}, rt.Metrics, rt.Log)

	errChan := make(chan error, 4)
	rt.StartWorkers(ctx, errChan)
	go func() { errChan <- rt.ServeMetrics(ctx, cfg.Server.MetricsAddr) }()
	go func() { errChan <- ctrl.Run(ctx) }()

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
