package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TermLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// FeedStatus is the publisher-reported state of an aggregate.
type FeedStatus uint8

const (
	FeedUnknown FeedStatus = iota
	FeedTrading
	FeedHalted
	FeedAuction
)

func (s FeedStatus) String() string {
	switch s {
	case FeedTrading:
		return "trading"
	case FeedHalted:
		return "halted"
	case FeedAuction:
		return "auction"
	default:
		return "unknown"
	}
}

// Aggregate is a signed external price: Price * 10^Expo quote per base.
type Aggregate struct {
	Price       int64      `json:"price"`
	Expo        int32      `json:"expo"`
	Conf        uint64     `json:"conf"`
	Status      FeedStatus `json:"status"`
	PublishTime time.Time  `json:"publish_time"`
}

// Decimal returns the aggregate price as an exact decimal.
func (a Aggregate) Decimal() decimal.Decimal {
	return decimal.New(a.Price, a.Expo)
}

// FeedReader yields the latest aggregate for a feed reference.
type FeedReader interface {
	LatestAggregate(ctx context.Context, ref ledger.Key) (Aggregate, error)
}

// FeedNormalizer converts external aggregates into the market's integer
// price scale, 10^TargetExpo quote units per base unit.
type FeedNormalizer struct {
	reader     FeedReader
	targetExpo int32
	maxAge     time.Duration
	now        func() time.Time
}

// NewFeedNormalizer builds a normalizer. maxAge of zero disables the
// staleness check.
func NewFeedNormalizer(reader FeedReader, targetExpo int32, maxAge time.Duration) *FeedNormalizer {
	return &FeedNormalizer{
		reader:     reader,
		targetExpo: targetExpo,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

func (f *FeedNormalizer) QuotePrice(ctx context.Context, ref ledger.Key) (uint64, error) {
	agg, err := f.reader.LatestAggregate(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("%w: feed %s: %v", ledger.ErrOracleUnavailable, ref.Short(), err)
	}
	return f.Normalize(agg)
}

// Normalize applies the status, staleness and sign checks and rescales.
// Prices that round to zero at the target scale are unavailable.
func (f *FeedNormalizer) Normalize(agg Aggregate) (uint64, error) {
	if agg.Status != FeedTrading {
		return 0, fmt.Errorf("%w: feed status %s", ledger.ErrOracleUnavailable, agg.Status)
	}
	if f.maxAge > 0 && !agg.PublishTime.IsZero() && f.now().Sub(agg.PublishTime) > f.maxAge {
		return 0, fmt.Errorf("%w: feed stale since %s", ledger.ErrOracleUnavailable, agg.PublishTime.Format(time.RFC3339))
	}
	if agg.Price <= 0 {
		return 0, fmt.Errorf("%w: feed price %d not positive", ledger.ErrOracleUnavailable, agg.Price)
	}

	scaled := agg.Decimal().Shift(-f.targetExpo).Round(0)
	if scaled.Sign() <= 0 {
		return 0, fmt.Errorf("%w: feed price %s below target scale", ledger.ErrOracleUnavailable, agg.Decimal())
	}
	if !scaled.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: feed price %s overflows", ledger.ErrInvalidAccountData, agg.Decimal())
	}
	return scaled.BigInt().Uint64(), nil
}

// FeedCache holds the latest aggregate per reference. It is the FeedReader
// fed by the price subscription.
type FeedCache struct {
	mu     sync.RWMutex
	latest map[ledger.Key]Aggregate
}

func NewFeedCache() *FeedCache {
	return &FeedCache{latest: make(map[ledger.Key]Aggregate)}
}

// Update stores agg unless a newer aggregate is already held.
func (c *FeedCache) Update(ref ledger.Key, agg Aggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.latest[ref]; ok && agg.PublishTime.Before(cur.PublishTime) {
		return
	}
	c.latest[ref] = agg
}

func (c *FeedCache) LatestAggregate(_ context.Context, ref ledger.Key) (Aggregate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agg, ok := c.latest[ref]
	if !ok {
		return Aggregate{}, fmt.Errorf("no aggregate for %s", ref.Short())
	}
	return agg, nil
}
