package oracle

import (
	"context"
	"fmt"

	"TermLedger/internal/ledger"
)

// Source answers "current quote price" for a market's oracle reference.
// A missing or unusable price is ErrOracleUnavailable, never zero.
type Source interface {
	QuotePrice(ctx context.Context, kind ledger.OracleType, ref ledger.Key) (uint64, error)
}

// Router dispatches on the oracle type tag.
type Router struct {
	stub *StubStore
	feed *FeedNormalizer
}

func NewRouter(stub *StubStore, feed *FeedNormalizer) *Router {
	return &Router{stub: stub, feed: feed}
}

func (r *Router) QuotePrice(ctx context.Context, kind ledger.OracleType, ref ledger.Key) (uint64, error) {
	switch kind {
	case ledger.OracleStub:
		if r.stub == nil {
			return 0, fmt.Errorf("%w: no stub oracle configured", ledger.ErrOracleUnavailable)
		}
		return r.stub.QuotePrice(ctx, ref)
	case ledger.OracleExternalFeed:
		if r.feed == nil {
			return 0, fmt.Errorf("%w: no external feed configured", ledger.ErrOracleUnavailable)
		}
		return r.feed.QuotePrice(ctx, ref)
	default:
		return 0, fmt.Errorf("%w: unknown oracle type %s", ledger.ErrInvalidAccountData, kind)
	}
}
