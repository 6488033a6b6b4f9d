package core

import (
	"context"
	"fmt"

	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/risk"
	"TermLedger/internal/store"
)

// OrderRequest posts lend (ask) or borrow (bid) liquidity at a rate.
type OrderRequest struct {
	Market ledger.Key     `json:"market"`
	Owner  ledger.Key     `json:"owner"`
	Side   orderbook.Side `json:"side"`
	Rate   uint64         `json:"rate"` // fp32 per accrual period
	Qty    uint64         `json:"qty"`
}

// OrderChange is the payload of order notifications.
type OrderChange struct {
	Owner   ledger.Key         `json:"owner"`
	Side    orderbook.Side     `json:"side"`
	Rate    uint64             `json:"rate,omitempty"`
	Summary orderbook.Summary  `json:"summary"`
	OrderID *orderbook.OrderID `json:"order_id,omitempty"`
}

// NewOrder admits the order against free balance (ask) or borrowing power
// (bid), forwards it to the matching engine, and books the returned summary
// as open exposure. Every admission check runs before the engine is called.
// If the unit still fails afterwards, the posted remainder is cancelled.
func (p *Processor) NewOrder(ctx context.Context, req OrderRequest) (orderbook.Summary, error) {
	if err := requirePositive(req.Qty, "order quantity"); err != nil {
		return orderbook.Summary{}, err
	}
	if req.Side != orderbook.Bid && req.Side != orderbook.Ask {
		return orderbook.Summary{}, fmt.Errorf("%w: unknown side %d", ledger.ErrInvalidAccountData, req.Side)
	}

	var (
		summary orderbook.Summary
		placed  bool
		book    [32]byte
	)
	err := p.update(ctx, "new_order", req.Market, func(tx store.Tx, out *[]Notification) error {
		placed = false
		m := tx.Market()
		a, err := tx.Account(req.Owner)
		if err != nil {
			return err
		}

		// Checked before placing even though only a posted remainder needs a
		// slot: a match cannot be withdrawn once the engine has made it.
		if a.OpenOrders.Full() {
			return fmt.Errorf("%w: open orders at capacity %d", ledger.ErrCapacityExceeded, ledger.OpenOrdersCapacity)
		}

		switch req.Side {
		case orderbook.Ask:
			if req.Qty > a.BaseFree {
				return fmt.Errorf("%w: lend %d, %d free", ledger.ErrInsufficientFunds, req.Qty, a.BaseFree)
			}
		case orderbook.Bid:
			price, err := p.quotePrice(ctx, m)
			if err != nil {
				return err
			}
			limit, err := p.calc.MaxBorrowQty(a, m, price, p.clock())
			if err != nil {
				return err
			}
			if req.Qty > limit {
				return fmt.Errorf("%w: borrow %d, limit %d", ledger.ErrInsufficientFunds, req.Qty, limit)
			}
		}

		summary, err = p.book.Place(ctx, m.Orderbook, orderbook.PlaceParams{
			Side:         req.Side,
			LimitPrice:   req.Rate,
			MaxBaseQty:   req.Qty,
			CallbackInfo: req.Owner.Bytes(),
		})
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		placed, book = true, m.Orderbook
		if summary.TotalBaseQty > req.Qty {
			return fmt.Errorf("%w: matching engine booked %d, requested %d", ledger.ErrInvalidAccountData, summary.TotalBaseQty, req.Qty)
		}

		if summary.PostedOrderID != nil {
			if err := a.OpenOrders.Add(*summary.PostedOrderID); err != nil {
				return err
			}
		}

		switch req.Side {
		case orderbook.Ask:
			a.BaseFree -= summary.TotalBaseQty
			a.BaseOpenLend += summary.TotalBaseQty
		case orderbook.Bid:
			a.BaseOpenBorrow += summary.TotalBaseQty
		}

		*out = append(*out, newNotification(NotifyOrderPlaced, m.ID, p.clock(), OrderChange{
			Owner: req.Owner, Side: req.Side, Rate: req.Rate, Summary: summary, OrderID: summary.PostedOrderID,
		}))
		return p.validate(m, a)
	})
	if err != nil {
		if placed {
			p.withdrawPlaced(ctx, req.Market, book, summary)
		}
		return orderbook.Summary{}, err
	}
	return summary, nil
}

// CancelMyOrder cancels one of the owner's own open orders.
func (p *Processor) CancelMyOrder(ctx context.Context, market, owner ledger.Key, id orderbook.OrderID) (orderbook.Summary, error) {
	return p.cancel(ctx, "cancel_my_order", market, owner, id, false)
}

// CancelRiskyOrder lets anyone cancel a bid of an unhealthy account. Asks
// never add exposure and are not cancellable this way.
func (p *Processor) CancelRiskyOrder(ctx context.Context, market, owner ledger.Key, id orderbook.OrderID) (orderbook.Summary, error) {
	if id.Side() != orderbook.Bid {
		return orderbook.Summary{}, fmt.Errorf("%w: order %s is not a bid", ledger.ErrBusinessRule, id)
	}
	return p.cancel(ctx, "cancel_risky_order", market, owner, id, true)
}

// cancel pulls the order from the engine and releases its remainder. If the
// unit fails after the engine cancelled, the remainder is placed again and
// the account's open set is pointed at the new order.
func (p *Processor) cancel(ctx context.Context, op string, market, owner ledger.Key, id orderbook.OrderID, requireUnhealthy bool) (orderbook.Summary, error) {
	var (
		summary   orderbook.Summary
		cancelled bool
		book      [32]byte
	)
	err := p.update(ctx, op, market, func(tx store.Tx, out *[]Notification) error {
		cancelled = false
		m := tx.Market()
		a, err := tx.Account(owner)
		if err != nil {
			return err
		}

		if !a.OpenOrders.Contains(id) {
			return fmt.Errorf("%w: order %s is not open for %s", ledger.ErrInvalidAccountData, id, owner.Short())
		}

		if requireUnhealthy {
			price, err := p.quotePrice(ctx, m)
			if err != nil {
				return err
			}
			hf, err := p.calc.HealthFactor(a, m, price, p.clock())
			if err != nil {
				return err
			}
			if hf >= risk.HealthyThreshold {
				return fmt.Errorf("%w: account %s is healthy (%d)", ledger.ErrBusinessRule, owner.Short(), hf)
			}
		}

		summary, err = p.book.Cancel(ctx, m.Orderbook, id)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		cancelled, book = true, m.Orderbook

		if err := a.OpenOrders.Remove(id); err != nil {
			return err
		}
		releaseExposure(a, id.Side(), summary.TotalBaseQty)

		*out = append(*out, newNotification(NotifyOrderCanceled, m.ID, p.clock(), OrderChange{
			Owner: owner, Side: id.Side(), Summary: summary, OrderID: &id,
		}))
		return p.validate(m, a)
	})
	if err != nil {
		if cancelled {
			p.restoreCancelled(ctx, op, market, owner, book, id, summary.TotalBaseQty)
		}
		return orderbook.Summary{}, err
	}
	return summary, nil
}

// withdrawPlaced cancels what a failed new_order left resting on the book.
// Quantity the engine already matched stays matched.
func (p *Processor) withdrawPlaced(ctx context.Context, market ledger.Key, book [32]byte, placed orderbook.Summary) {
	log := p.log.With().Str("op", "new_order").Str("market", market.Short()).Logger()
	if placed.PostedOrderID == nil {
		if placed.TotalBaseQty > 0 {
			log.Error().Uint64("matched", placed.TotalBaseQty).Msg("unit failed after a full match; nothing to cancel")
		}
		p.countCompensation("new_order", "unposted")
		return
	}
	id := *placed.PostedOrderID
	rest, err := p.book.Cancel(ctx, book, id)
	if err != nil {
		log.Error().Err(err).Str("order", id.String()).Msg("compensating cancel failed; order left on book")
		p.countCompensation("new_order", "failed")
		return
	}
	if matched := placed.TotalBaseQty - min(rest.TotalBaseQty, placed.TotalBaseQty); matched > 0 {
		log.Warn().Str("order", id.String()).Uint64("matched", matched).Msg("order withdrawn after partial match")
	}
	log.Info().Str("order", id.String()).Uint64("cancelled", rest.TotalBaseQty).Msg("posted order withdrawn")
	p.countCompensation("new_order", "ok")
}

// restoreCancelled puts a cancelled remainder back on the book at the old
// order's side and rate, then swaps the account's open order for the new one.
// Nothing matched by the re-placed order is released: its fills arrive as
// events against the exposure the account still carries.
func (p *Processor) restoreCancelled(ctx context.Context, op string, market, owner ledger.Key, book [32]byte, id orderbook.OrderID, remainder uint64) {
	log := p.log.With().Str("op", op).Str("market", market.Short()).Str("order", id.String()).Logger()

	var placed orderbook.Summary
	if remainder > 0 {
		var err error
		placed, err = p.book.Place(ctx, book, orderbook.PlaceParams{
			Side:         id.Side(),
			LimitPrice:   id.Price(),
			MaxBaseQty:   remainder,
			CallbackInfo: owner.Bytes(),
		})
		if err != nil {
			log.Error().Err(err).Uint64("remainder", remainder).Msg("compensating place failed; account still lists the cancelled order")
			p.countCompensation(op, "failed")
			return
		}
	}

	err := p.store.Update(ctx, market, func(tx store.Tx) error {
		a, err := tx.Account(owner)
		if err != nil {
			return err
		}
		if !a.OpenOrders.Contains(id) {
			return nil
		}
		if err := a.OpenOrders.Remove(id); err != nil {
			return err
		}
		if placed.PostedOrderID != nil {
			if err := a.OpenOrders.Add(*placed.PostedOrderID); err != nil {
				return err
			}
		}
		releaseExposure(a, id.Side(), remainder-min(placed.TotalBaseQty, remainder))
		return p.validate(tx.Market(), a)
	})
	if err != nil {
		log.Error().Err(err).Msg("compensating order swap failed")
		p.countCompensation(op, "failed")
		return
	}
	ev := log.Info().Uint64("remainder", remainder)
	if placed.PostedOrderID != nil {
		ev = ev.Str("replaced_by", placed.PostedOrderID.String())
	}
	ev.Msg("cancelled order restored")
	p.countCompensation(op, "ok")
}

func (p *Processor) countCompensation(op, result string) {
	if p.metrics != nil {
		p.metrics.OrderCompensations.WithLabelValues(op, result).Inc()
	}
}

// releaseExposure returns an unmatched remainder. Ask remainders go back to
// base_free; bid remainders simply stop counting as exposure.
func releaseExposure(a *ledger.MarginAccount, side orderbook.Side, qty uint64) uint64 {
	switch side {
	case orderbook.Ask:
		released := min(qty, a.BaseOpenLend)
		a.BaseOpenLend -= released
		a.BaseFree += released
		return released
	default:
		released := min(qty, a.BaseOpenBorrow)
		a.BaseOpenBorrow -= released
		return released
	}
}
