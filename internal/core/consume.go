package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"
)

// ErrNothingApplied is returned when a consume call applies zero events,
// either because the queue is empty or the head event cannot be applied.
var ErrNothingApplied = errors.New("no events applied")

// ConsumeResult reports a consume call. A call that applied some but not all
// of the peeked batch is a degraded success: Partial is set and StopErr says
// why the batch stopped.
type ConsumeResult struct {
	Applied   int      `json:"applied"`
	Peeked    int      `json:"peeked"`
	Remaining int      `json:"remaining"`
	Partial   bool     `json:"partial"`
	StopErr   error    `json:"-"`
	DebtIDs   []uint16 `json:"debt_ids,omitempty"`
}

// DebtCreated is the payload of debt_created notifications.
type DebtCreated struct {
	DebtID   uint16     `json:"debt_id"`
	Lender   ledger.Key `json:"lender"`
	Borrower ledger.Key `json:"borrower"`
	Qty      uint64     `json:"qty"`
	Rate     uint64     `json:"rate"`
}

// ConsumeOrderEvents applies up to maxIterations events from the head of
// the market's queue, resolving owners among the supplied accounts. Events
// apply one at a time; the first failure stops the batch and everything
// applied before it is kept and acknowledged. Exactly the applied count is
// popped from the queue.
func (p *Processor) ConsumeOrderEvents(ctx context.Context, market ledger.Key, maxIterations int, accounts []ledger.Key) (ConsumeResult, error) {
	if maxIterations <= 0 {
		return ConsumeResult{}, fmt.Errorf("%w: max iterations must be positive", ledger.ErrBusinessRule)
	}

	var (
		res  ConsumeResult
		live int
	)
	err := p.update(ctx, "consume_order_events", market, func(tx store.Tx, out *[]Notification) error {
		res = ConsumeResult{}
		m := tx.Market()
		now := p.clock()

		supplied, err := tx.Accounts(accounts)
		if err != nil {
			return err
		}

		events, err := tx.PeekEvents(maxIterations)
		if err != nil {
			return err
		}
		res.Peeked = len(events)
		if len(events) == 0 {
			return fmt.Errorf("%w: event queue is empty", ErrNothingApplied)
		}

		var created []Notification
		for _, e := range events {
			debtID, applied, err := p.applyEvent(m, supplied, e, now)
			if err != nil {
				res.StopErr = fmt.Errorf("event %d: %w", e.Seq, err)
				break
			}
			if applied {
				res.DebtIDs = append(res.DebtIDs, debtID)
				d := m.Debts[debtID]
				created = append(created, newNotification(NotifyDebtCreated, m.ID, now, DebtCreated{
					DebtID: debtID, Lender: d.Lender, Borrower: d.Borrower, Qty: d.Qty, Rate: d.InterestRate,
				}))
			}
			res.Applied++
			if p.metrics != nil {
				p.metrics.EventsApplied.WithLabelValues(e.Kind.String()).Inc()
			}
		}

		if res.Applied == 0 {
			return fmt.Errorf("%w: %w", ErrNothingApplied, res.StopErr)
		}

		touched := make([]*ledger.MarginAccount, 0, len(supplied))
		for _, a := range supplied {
			touched = append(touched, a)
		}
		if err := p.validate(m, touched...); err != nil {
			return err
		}

		// QueueLen reflects the pop
		if err := tx.PopEvents(res.Applied); err != nil {
			return err
		}
		remaining, err := tx.QueueLen()
		if err != nil {
			return err
		}
		res.Remaining = remaining
		res.Partial = res.Applied < res.Peeked
		live = m.LiveDebtCount()

		*out = append(*out, created...)
		*out = append(*out, newNotification(NotifyEventsConsumed, m.ID, now, res))
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}

	if p.metrics != nil {
		p.metrics.EventQueueDepth.WithLabelValues(market.String()).Set(float64(res.Remaining))
		p.metrics.DebtsOpened.Add(float64(len(res.DebtIDs)))
		p.metrics.LiveDebts.WithLabelValues(market.String()).Set(float64(live))
		if res.Partial {
			p.metrics.PartialBatches.Inc()
		}
	}
	if res.Partial {
		p.log.Warn().Err(res.StopErr).
			Str("market", market.Short()).
			Int("applied", res.Applied).
			Int("peeked", res.Peeked).
			Msg("partial batch")
	}
	return res, nil
}

// applyEvent validates one event completely before mutating anything, so a
// failed event leaves the records as they were. applied reports whether a
// debt was created, with its slot id.
func (p *Processor) applyEvent(m *ledger.Market, accounts map[ledger.Key]*ledger.MarginAccount, e orderbook.Event, now time.Time) (debtID uint16, applied bool, err error) {
	if err := e.Validate(); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ledger.ErrInvalidAccountData, err)
	}
	switch e.Kind {
	case orderbook.EventFill:
		return p.applyFill(m, accounts, e.Fill, now)
	default:
		return 0, false, p.applyOut(accounts, e.Out)
	}
}

func resolveOwner(accounts map[ledger.Key]*ledger.MarginAccount, info []byte) (*ledger.MarginAccount, error) {
	owner, err := ledger.KeyFromBytes(info)
	if err != nil {
		return nil, err
	}
	a, ok := accounts[owner]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not supplied", ledger.ErrInvalidAccountData, owner.Short())
	}
	return a, nil
}

func (p *Processor) applyFill(m *ledger.Market, accounts map[ledger.Key]*ledger.MarginAccount, f *orderbook.Fill, now time.Time) (uint16, bool, error) {
	maker, err := resolveOwner(accounts, f.MakerCallbackInfo)
	if err != nil {
		return 0, false, fmt.Errorf("maker: %w", err)
	}
	taker, err := resolveOwner(accounts, f.TakerCallbackInfo)
	if err != nil {
		return 0, false, fmt.Errorf("taker: %w", err)
	}

	lender, borrower := maker, taker
	if f.TakerSide == orderbook.Ask {
		lender, borrower = taker, maker
	}
	if lender.Owner == borrower.Owner {
		return 0, false, fmt.Errorf("%w: self-matched fill for %s", ledger.ErrInvalidAccountData, lender.Owner.Short())
	}
	if f.BaseSize == 0 {
		return 0, false, nil
	}

	slot, err := m.FreeSlot()
	if err != nil {
		return 0, false, err
	}
	for _, a := range []*ledger.MarginAccount{lender, borrower} {
		if a.OpenDebts.Full() {
			return 0, false, fmt.Errorf("%w: open debts of %s at capacity %d", ledger.ErrCapacityExceeded, a.Owner.Short(), ledger.OpenDebtsCapacity)
		}
		if a.OpenDebts.Contains(slot) {
			return 0, false, fmt.Errorf("%w: %s already references free slot %d", ledger.ErrInvalidAccountData, a.Owner.Short(), slot)
		}
	}

	if borrower.BaseOpenBorrow < f.BaseSize || lender.BaseOpenLend < f.BaseSize {
		p.log.Warn().
			Str("lender", lender.Owner.Short()).
			Str("borrower", borrower.Owner.Short()).
			Uint64("base_size", f.BaseSize).
			Uint64("open_borrow", borrower.BaseOpenBorrow).
			Uint64("open_lend", lender.BaseOpenLend).
			Msg("fill exceeds booked exposure; clamping")
	}

	m.Debts[slot] = ledger.Debt{
		Lender:       lender.Owner,
		Borrower:     borrower.Owner,
		Timestamp:    now.Unix(),
		InterestRate: f.MakerOrderID.Price(),
		Qty:          f.BaseSize,
	}

	borrower.BaseOpenBorrow = fpmath.SaturatingSub(borrower.BaseOpenBorrow, f.BaseSize)
	borrower.BaseFree += f.BaseSize
	lender.BaseOpenLend = fpmath.SaturatingSub(lender.BaseOpenLend, f.BaseSize)
	lender.BaseLocked += f.BaseSize

	// capacity and duplicates were checked above
	_ = lender.OpenDebts.Add(slot)
	_ = borrower.OpenDebts.Add(slot)

	return slot, true, nil
}

func (p *Processor) applyOut(accounts map[ledger.Key]*ledger.MarginAccount, o *orderbook.Out) error {
	a, err := resolveOwner(accounts, o.CallbackInfo)
	if err != nil {
		return err
	}

	releaseExposure(a, o.Side, o.BaseSize)

	if o.Delete && a.OpenOrders.Contains(o.OrderID) {
		_ = a.OpenOrders.Remove(o.OrderID)
	}
	return nil
}
