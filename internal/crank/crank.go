package crank

import (
	"context"
	"errors"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval      = time.Second
	DefaultMaxIterations = 10
	DefaultMaxAccounts   = 20
)

// Ledger is the part of the processor the crank drives.
type Ledger interface {
	Snapshot(ctx context.Context, market ledger.Key, owners []ledger.Key, peek int) (*core.Snapshot, error)
	ConsumeOrderEvents(ctx context.Context, market ledger.Key, maxIterations int, accounts []ledger.Key) (core.ConsumeResult, error)
}

type Config struct {
	Market        ledger.Key
	Interval      time.Duration
	MaxIterations int
	MaxAccounts   int
}

// Crank drains a market's event queue: poll, consume, sleep. Each cycle
// reads the queue head, collects the owners the events name and submits one
// consume call with them.
type Crank struct {
	ledger  Ledger
	cfg     Config
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(l Ledger, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Crank {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = DefaultMaxAccounts
	}
	return &Crank{
		ledger:  l,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("market", cfg.Market.Short()).Logger(),
	}
}

// Run polls until ctx is cancelled. Cycle failures are logged and retried
// on the next poll.
func (c *Crank) Run(ctx context.Context) error {
	c.log.Info().
		Dur("interval", c.cfg.Interval).
		Int("max_iterations", c.cfg.MaxIterations).
		Int("max_accounts", c.cfg.MaxAccounts).
		Msg("crank started")

	for {
		res, err := c.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.log.Error().Err(err).Msg("crank cycle failed")
		case res.Applied > 0:
			ev := c.log.Info()
			if res.Partial {
				ev = c.log.Warn().AnErr("stop", res.StopErr)
			}
			ev.Int("applied", res.Applied).Int("remaining", res.Remaining).Msg("events consumed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Interval):
		}
	}
}

// RunOnce performs one cycle. An empty queue is not an error and returns a
// zero result.
func (c *Crank) RunOnce(ctx context.Context) (core.ConsumeResult, error) {
	snap, err := c.ledger.Snapshot(ctx, c.cfg.Market, []ledger.Key{}, c.cfg.MaxIterations)
	if err != nil {
		c.count("error")
		return core.ConsumeResult{}, err
	}
	if len(snap.Events) == 0 {
		c.count("idle")
		return core.ConsumeResult{}, nil
	}

	accounts, covered := CollectAccounts(snap, c.cfg.MaxAccounts)
	if c.metrics != nil {
		c.metrics.CrankAccounts.Observe(float64(len(accounts)))
	}
	if covered < len(snap.Events) {
		c.log.Debug().Int("covered", covered).Int("peeked", len(snap.Events)).Msg("account limit shortens batch")
	}

	res, err := c.ledger.ConsumeOrderEvents(ctx, c.cfg.Market, covered, accounts)
	if err != nil {
		if errors.Is(err, core.ErrNothingApplied) {
			c.count("stuck")
		} else {
			c.count("error")
		}
		return core.ConsumeResult{}, err
	}
	if res.Partial {
		c.count("partial")
	} else {
		c.count("applied")
	}
	return res, nil
}

func (c *Crank) count(outcome string) {
	if c.metrics != nil {
		c.metrics.CrankCycles.WithLabelValues(outcome).Inc()
	}
}

// CollectAccounts walks the snapshot's events in queue order and gathers
// the owners they name until taking the next event would exceed limit. It
// returns those owners sorted and deduplicated, with the number of events
// from the head whose owners are all included. The head event is always
// covered. Payloads that are not account keys are skipped; the consumer
// rejects their events itself.
func CollectAccounts(snap *core.Snapshot, limit int) ([]ledger.Key, int) {
	seen := make(map[ledger.Key]struct{})
	var owners []ledger.Key
	covered := 0
	for _, e := range snap.Events {
		var fresh []ledger.Key
		for _, info := range e.CallbackInfos() {
			k, err := ledger.KeyFromBytes(info)
			if err != nil {
				continue
			}
			if _, ok := seen[k]; ok || containsKey(fresh, k) {
				continue
			}
			fresh = append(fresh, k)
		}
		if covered > 0 && limit > 0 && len(owners)+len(fresh) > limit {
			break
		}
		for _, k := range fresh {
			seen[k] = struct{}{}
		}
		owners = append(owners, fresh...)
		covered++
	}
	return ledger.SortKeys(owners), covered
}

func containsKey(keys []ledger.Key, k ledger.Key) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}
