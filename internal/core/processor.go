package core

import (
	"context"
	"fmt"
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/risk"
	"TermLedger/internal/store"

	"github.com/rs/zerolog"
)

// Options carries the collaborators and policies that have defaults.
type Options struct {
	Calculator *risk.Calculator
	Cap        LiquidationCap
	Clock      func() time.Time
	Notifier   Notifier
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// Stubs administers stub prices; nil disables SetStubPrice.
	Stubs *oracle.StubStore
}

// Processor executes the ledger's transactional operations. Each exported
// mutating method is one unit of work on the store: it either commits fully
// or leaves every record unchanged. Custody transfers are staged on the
// unit's Tx and settle with it. Matching-engine calls cannot join the unit,
// so a unit that fails after one is compensated (see orders.go).
type Processor struct {
	store     store.Store
	prices    oracle.Source
	book      orderbook.Engine
	stubs     *oracle.StubStore
	calc      *risk.Calculator
	cap       LiquidationCap
	validator *ledger.InvariantValidator
	clock     func() time.Time
	notifier  Notifier
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProcessor(
	st store.Store,
	prices oracle.Source,
	book orderbook.Engine,
	opts Options,
) *Processor {
	if opts.Calculator == nil {
		opts.Calculator = risk.NewCalculator(risk.RejectZeroPrice)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = discard{}
	}
	return &Processor{
		store:     st,
		prices:    prices,
		book:      book,
		stubs:     opts.Stubs,
		calc:      opts.Calculator,
		cap:       opts.Cap,
		validator: ledger.NewInvariantValidator(),
		clock:     opts.Clock,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// Calculator exposes the risk calculator the processor admits against.
func (p *Processor) Calculator() *risk.Calculator { return p.calc }

// Now is the processor clock.
func (p *Processor) Now() time.Time { return p.clock() }

// update runs one unit of work and records its outcome. Notifications
// collected by fn are emitted only after commit.
func (p *Processor) update(ctx context.Context, op string, market ledger.Key, fn func(tx store.Tx, out *[]Notification) error) error {
	start := time.Now()
	var pending []Notification

	err := p.store.Update(ctx, market, func(tx store.Tx) error {
		pending = pending[:0]
		return fn(tx, &pending)
	})

	p.observe(op, start, err)
	if err != nil {
		p.log.Debug().Err(err).Str("op", op).Str("market", market.Short()).Msg("unit of work aborted")
		return err
	}
	for _, n := range pending {
		p.notifier.Notify(n)
	}
	return nil
}

func (p *Processor) observe(op string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	result := string(ledger.Classify(err))
	if result == "" {
		result = "ok"
	}
	p.metrics.OpsTotal.WithLabelValues(op, result).Inc()
	p.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// quotePrice reads the market oracle. A zero price from a source is treated
// as unavailable regardless of policy, except that the policy may ask risk
// math to value collateral at zero instead.
func (p *Processor) quotePrice(ctx context.Context, m *ledger.Market) (uint64, error) {
	price, err := p.prices.QuotePrice(ctx, m.OracleType, m.PriceOracle)
	if err != nil {
		return 0, err
	}
	if price == 0 && p.calc.Policy() == risk.RejectZeroPrice {
		return 0, fmt.Errorf("%w: oracle %s returned zero", ledger.ErrOracleUnavailable, m.PriceOracle.Short())
	}
	return price, nil
}

// validate runs the record invariants over the market and the given accounts.
func (p *Processor) validate(m *ledger.Market, accounts ...*ledger.MarginAccount) error {
	if err := p.validator.ValidateMarket(m); err != nil {
		return err
	}
	for _, a := range accounts {
		if err := p.validator.ValidateAccount(m, a); err != nil {
			return err
		}
	}
	return nil
}

func requirePositive(amount uint64, what string) error {
	if amount == 0 {
		return fmt.Errorf("%w: %s must be positive", ledger.ErrBusinessRule, what)
	}
	return nil
}

// signer is the authority that moves tokens out of a market vault.
func signer(m *ledger.Market) ledger.Key { return m.ID }
