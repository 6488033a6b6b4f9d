package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/risk"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval     = time.Second
	DefaultSweepPercent = 50
)

// Ledger is what the controller reads and submits against.
type Ledger interface {
	Snapshot(ctx context.Context, market ledger.Key, owners []ledger.Key, peek int) (*core.Snapshot, error)
	QuotePrice(ctx context.Context, market ledger.Key) (uint64, error)
	CancelRiskyOrder(ctx context.Context, market, owner ledger.Key, id orderbook.OrderID) (orderbook.Summary, error)
	LiquidateDebts(ctx context.Context, req core.LiquidationRequest) (core.LiquidationReceipt, error)
	Calculator() *risk.Calculator
	Now() time.Time
}

type Config struct {
	Market           ledger.Key
	Interval         time.Duration
	Liquidator       ledger.Key
	BaseSource       ledger.Key
	QuoteDestination ledger.Key
	SweepPercent     uint64
	Cap              core.LiquidationCap
}

// Report summarizes one controller cycle.
type Report struct {
	Borrowers   int
	Unhealthy   int
	Cancels     int
	Submissions int
	Liquidated  uint64
	Skipped     int
}

// Controller scans a market's borrowers and unwinds unhealthy ones. Every
// submission is optimistic: a rejection means the read was stale and the
// borrower is retried next cycle.
type Controller struct {
	ledger  Ledger
	cfg     Config
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewController(l Ledger, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepPercent == 0 {
		cfg.SweepPercent = DefaultSweepPercent
	}
	return &Controller{
		ledger:  l,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("market", cfg.Market.Short()).Logger(),
	}
}

// Run polls until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info().
		Dur("interval", c.cfg.Interval).
		Str("liquidator", c.cfg.Liquidator.Short()).
		Bool("cap_enforced", c.cfg.Cap.Enforced).
		Msg("liquidation controller started")

	for {
		report, err := c.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.log.Error().Err(err).Msg("liquidation cycle failed")
		case report.Unhealthy > 0:
			c.log.Info().
				Int("borrowers", report.Borrowers).
				Int("unhealthy", report.Unhealthy).
				Int("cancels", report.Cancels).
				Int("submissions", report.Submissions).
				Uint64("liquidated", report.Liquidated).
				Msg("liquidation cycle")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Interval):
		}
	}
}

// RunOnce scans every borrower once. Per-borrower failures are logged and
// skipped; only failing to read the market or its price fails the cycle.
func (c *Controller) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	snap, err := c.ledger.Snapshot(ctx, c.cfg.Market, nil, 0)
	if err != nil {
		c.count("error")
		return report, err
	}
	price, err := c.ledger.QuotePrice(ctx, c.cfg.Market)
	if err != nil {
		c.count("no_price")
		return report, err
	}

	calc := c.ledger.Calculator()
	now := c.ledger.Now()
	m := snap.Market

	borrowers := m.Borrowers()
	report.Borrowers = len(borrowers)
	for _, b := range borrowers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		a, ok := snap.Accounts[b]
		if !ok {
			report.Skipped++
			c.log.Warn().Str("borrower", b.Short()).Msg("borrower account missing from snapshot")
			continue
		}

		hf, err := calc.HealthFactor(a, m, price, now)
		if err != nil {
			report.Skipped++
			c.log.Warn().Err(err).Str("borrower", b.Short()).Msg("health factor")
			continue
		}
		if hf >= risk.HealthyThreshold {
			continue
		}
		report.Unhealthy++

		if bid, ok := firstBid(a); ok {
			c.cancelRisky(ctx, b, bid, &report)
			continue
		}

		receipt, err := c.liquidate(ctx, calc, a, m, price, now)
		if err != nil {
			report.Skipped++
			c.log.Warn().Err(err).Str("borrower", b.Short()).Uint64("health", hf).Msg("liquidation skipped")
			continue
		}
		report.Submissions++
		report.Liquidated += receipt.TotalBase
		c.log.Info().
			Str("borrower", b.Short()).
			Uint64("base", receipt.TotalBase).
			Uint64("quote", receipt.TotalQuote).
			Uint64("health_before", receipt.HealthBefore).
			Uint64("health_after", receipt.HealthAfter).
			Int("debts", len(receipt.Debts)).
			Msg("liquidated")
	}

	if c.metrics != nil {
		c.metrics.LiquidatorUnhealthy.Set(float64(report.Unhealthy))
	}
	c.count("ok")
	return report, nil
}

// cancelRisky cancels one bid and leaves the borrower for the next cycle.
func (c *Controller) cancelRisky(ctx context.Context, borrower ledger.Key, id orderbook.OrderID, report *Report) {
	_, err := c.ledger.CancelRiskyOrder(ctx, c.cfg.Market, borrower, id)
	result := "ok"
	if err != nil {
		result = string(ledger.Classify(err))
		c.log.Warn().Err(err).Str("borrower", borrower.Short()).Str("order", id.String()).Msg("risky cancel rejected")
	} else {
		report.Cancels++
		c.log.Info().Str("borrower", borrower.Short()).Str("order", id.String()).Msg("risky bid cancelled")
	}
	if c.metrics != nil {
		c.metrics.LiquidatorCancels.WithLabelValues(result).Inc()
	}
}

func (c *Controller) liquidate(ctx context.Context, calc *risk.Calculator, a *ledger.MarginAccount, m *ledger.Market, price uint64, now time.Time) (core.LiquidationReceipt, error) {
	if a.BaseOpenBorrow > 0 {
		return core.LiquidationReceipt{}, fmt.Errorf("%w: open borrow %d without a resting bid", ledger.ErrBusinessRule, a.BaseOpenBorrow)
	}

	s, err := FindLiquidationAmount(calc, a, m, price, now)
	if c.metrics != nil {
		c.metrics.SearchIterations.Observe(float64(s.Iterations))
	}
	if err != nil {
		return core.LiquidationReceipt{}, err
	}
	if s.Amount == 0 {
		return core.LiquidationReceipt{}, errors.New("already healthy under liquidation objective")
	}

	legs, err := AllocateLiquidation(m, a, s.Amount, c.cfg.SweepPercent, c.cfg.Cap, now)
	if err != nil {
		return core.LiquidationReceipt{}, err
	}

	receipt, err := c.ledger.LiquidateDebts(ctx, core.LiquidationRequest{
		Market:           m.ID,
		Liquidator:       c.cfg.Liquidator,
		Borrower:         a.Owner,
		Debts:            legs,
		Lenders:          lendersOf(m, legs),
		BaseSource:       c.cfg.BaseSource,
		QuoteDestination: c.cfg.QuoteDestination,
	})
	result := "ok"
	if err != nil {
		result = string(ledger.Classify(err))
	}
	if c.metrics != nil {
		c.metrics.LiquidatorSubmissions.WithLabelValues(result).Inc()
		if err == nil {
			c.metrics.LiquidatedBase.Add(float64(receipt.TotalBase))
		}
	}
	if err != nil {
		return core.LiquidationReceipt{}, fmt.Errorf("submit liquidation: %w", err)
	}
	return receipt, nil
}

func (c *Controller) count(outcome string) {
	if c.metrics != nil {
		c.metrics.LiquidatorCycles.WithLabelValues(outcome).Inc()
	}
}

func firstBid(a *ledger.MarginAccount) (orderbook.OrderID, bool) {
	for _, id := range a.OpenOrders.IDs() {
		if id.Side() == orderbook.Bid {
			return id, true
		}
	}
	return orderbook.OrderID{}, false
}
