package core

import (
	"context"
	"errors"
	"fmt"

	"TermLedger/internal/ledger"
	"TermLedger/internal/store"
)

// ErrStubsDisabled is returned by SetStubPrice when no stub store is wired.
var ErrStubsDisabled = errors.New("stub price administration disabled")

// StubPriceRequest sets the manual quote of a stub-oracle market.
type StubPriceRequest struct {
	Market     ledger.Key `json:"market"`
	Admin      ledger.Key `json:"admin"`
	Price      uint64     `json:"price"`
	Confidence uint64     `json:"confidence"`
}

// SetStubPrice is admin-only and only applies to markets priced by a stub.
func (p *Processor) SetStubPrice(ctx context.Context, req StubPriceRequest) error {
	if p.stubs == nil {
		return ErrStubsDisabled
	}
	var ref ledger.Key
	err := p.store.View(ctx, req.Market, func(tx store.Tx) error {
		m := tx.Market()
		if m.Admin != req.Admin {
			return fmt.Errorf("%w: %s is not the admin of market %s", ledger.ErrInvalidAccountData, req.Admin.Short(), m.ID.Short())
		}
		if m.OracleType != ledger.OracleStub {
			return fmt.Errorf("%w: market %s is priced by %s", ledger.ErrInvalidAccountData, m.ID.Short(), m.OracleType)
		}
		ref = m.PriceOracle
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.stubs.SetStubPrice(ctx, ref, req.Price, req.Confidence); err != nil {
		return err
	}
	p.log.Info().Str("market", req.Market.Short()).Uint64("price", req.Price).Uint64("confidence", req.Confidence).Msg("stub price set")
	return nil
}
