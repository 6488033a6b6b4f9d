package testutil

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/oracle"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"

	"github.com/rs/zerolog"
)

// KeyOf derives a stable 32-byte key from a readable name.
func KeyOf(name string) ledger.Key {
	return ledger.Key(sha256.Sum256([]byte(name)))
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type bookOrder struct {
	book      [32]byte
	remaining uint64
}

// FakeBook is an orderbook.Engine that rests every order in full and hands
// out sequential ids.
type FakeBook struct {
	mu     sync.Mutex
	seq    uint64
	orders map[orderbook.OrderID]bookOrder

	// PlaceErr and CancelErr, when set, fail the next calls.
	PlaceErr  error
	CancelErr error
	// Unposted makes Place book the quantity without resting an order.
	Unposted bool
	// Overbook is added to the quantity Place reports as booked.
	Overbook uint64
}

func NewFakeBook() *FakeBook {
	return &FakeBook{orders: make(map[orderbook.OrderID]bookOrder)}
}

func (b *FakeBook) Place(_ context.Context, book [32]byte, p orderbook.PlaceParams) (orderbook.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PlaceErr != nil {
		return orderbook.Summary{}, b.PlaceErr
	}
	b.seq++
	s := orderbook.Summary{TotalBaseQty: p.MaxBaseQty + b.Overbook, TotalQuoteQty: p.MaxBaseQty}
	if !b.Unposted {
		id := orderbook.NewOrderID(p.Side, p.LimitPrice, b.seq)
		b.orders[id] = bookOrder{book: book, remaining: p.MaxBaseQty}
		s.PostedOrderID = &id
	}
	return s, nil
}

func (b *FakeBook) Cancel(_ context.Context, _ [32]byte, id orderbook.OrderID) (orderbook.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CancelErr != nil {
		return orderbook.Summary{}, b.CancelErr
	}
	o, ok := b.orders[id]
	if !ok {
		return orderbook.Summary{}, fmt.Errorf("order %s not on book", id)
	}
	delete(b.orders, id)
	return orderbook.Summary{TotalBaseQty: o.remaining}, nil
}

// Fill reduces a resting order as a match would.
func (b *FakeBook) Fill(id orderbook.OrderID, qty uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.orders[id]
	o.remaining -= min(qty, o.remaining)
	b.orders[id] = o
}

// Resting reports how many orders are on the book.
func (b *FakeBook) Resting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// ErrCommitFailed is what a unit of work armed by FailCommits returns.
var ErrCommitFailed = errors.New("testutil: commit failed")

// commitFailer runs armed units of work to completion as views, so every
// effect is discarded, then reports ErrCommitFailed.
type commitFailer struct {
	*store.Memory
	mu      sync.Mutex
	pending int
}

func (s *commitFailer) Update(ctx context.Context, market ledger.Key, fn func(store.Tx) error) error {
	s.mu.Lock()
	fail := s.pending > 0
	if fail {
		s.pending--
	}
	s.mu.Unlock()

	if !fail {
		return s.Memory.Update(ctx, market, fn)
	}
	if err := s.Memory.View(ctx, market, fn); err != nil {
		return err
	}
	return ErrCommitFailed
}

// Recorder collects notifications.
type Recorder struct {
	mu    sync.Mutex
	notes []core.Notification
}

func (r *Recorder) Notify(n core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// Types lists the recorded notification types in order.
func (r *Recorder) Types() []core.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.NotificationType, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Type
	}
	return out
}

// Fixture wires a processor over in-memory collaborators with one market.
// Custody is the store's token ledger.
type Fixture struct {
	Store     *store.Memory
	Custody   *custody.Memory
	Stubs     *oracle.StubStore
	Book      *FakeBook
	Clock     *Clock
	Notes     *Recorder
	Market    ledger.Key
	Processor *core.Processor

	commits *commitFailer
}

// NewFixture creates market "market" with a stub oracle and 50%
// over-collateralization. opts adjust the processor options.
func NewFixture(t *testing.T, opts ...func(*core.Options)) *Fixture {
	t.Helper()

	st := store.NewMemory()
	f := &Fixture{
		Store:   st,
		Custody: st.Tokens(),
		commits: &commitFailer{Memory: st},
		Stubs:   oracle.NewStubStore(oracle.NewMemoryStubs()),
		Book:    NewFakeBook(),
		Clock:   NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Notes:   &Recorder{},
		Market:  KeyOf("market"),
	}

	m := &ledger.Market{
		ID:                    f.Market,
		BaseMint:              KeyOf("base-mint"),
		QuoteMint:             KeyOf("quote-mint"),
		BaseVault:             KeyOf("base-vault"),
		QuoteVault:            KeyOf("quote-vault"),
		PriceOracle:           KeyOf("oracle"),
		OracleType:            ledger.OracleStub,
		Orderbook:             KeyOf("book"),
		Admin:                 KeyOf("admin"),
		OverCollateralPercent: ledger.DefaultOverCollateralPercent,
	}
	if err := f.Store.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}

	o := core.Options{
		Cap:      core.DefaultLiquidationCap(),
		Clock:    f.Clock.Now,
		Notifier: f.Notes,
		Logger:   zerolog.Nop(),
		Stubs:    f.Stubs,
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.Processor = core.NewProcessor(f.commits, oracle.NewRouter(f.Stubs, nil), f.Book, o)
	return f
}

// FailCommits makes the processor's next n units of work run and then fail
// to commit.
func (f *Fixture) FailCommits(n int) {
	f.commits.mu.Lock()
	defer f.commits.mu.Unlock()
	f.commits.pending = n
}

// MarketRecord reads the market record.
func (f *Fixture) MarketRecord(t *testing.T) *ledger.Market {
	t.Helper()
	m, err := f.Processor.Market(context.Background(), f.Market)
	if err != nil {
		t.Fatalf("read market: %v", err)
	}
	return m
}

// SetPrice sets the stub quote price.
func (f *Fixture) SetPrice(t *testing.T, price uint64) {
	t.Helper()
	if err := f.Stubs.SetStubPrice(context.Background(), KeyOf("oracle"), price, 0); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

// AddAccount creates a margin account for name and applies fn to it first.
func (f *Fixture) AddAccount(t *testing.T, name string, fn func(a *ledger.MarginAccount)) ledger.Key {
	t.Helper()
	owner := KeyOf(name)
	a := ledger.NewMarginAccount(f.Market, owner)
	if fn != nil {
		fn(a)
	}
	if err := f.Store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return owner
}

// Account reads an account.
func (f *Fixture) Account(t *testing.T, owner ledger.Key) *ledger.MarginAccount {
	t.Helper()
	a, err := f.Processor.Account(context.Background(), f.Market, owner)
	if err != nil {
		t.Fatalf("read account %s: %v", owner.Short(), err)
	}
	return a
}

// OpenDebt plants a live debt between two existing accounts as if a fill
// had been consumed, returning its slot id.
func (f *Fixture) OpenDebt(t *testing.T, lender, borrower ledger.Key, qty, rate uint64) uint16 {
	t.Helper()
	var slot uint16
	err := f.Store.Update(context.Background(), f.Market, func(tx store.Tx) error {
		m := tx.Market()
		var err error
		if slot, err = m.FreeSlot(); err != nil {
			return err
		}
		l, err := tx.Account(lender)
		if err != nil {
			return err
		}
		b, err := tx.Account(borrower)
		if err != nil {
			return err
		}
		m.Debts[slot] = ledger.Debt{
			Lender:       lender,
			Borrower:     borrower,
			Timestamp:    f.Clock.Now().Unix(),
			InterestRate: rate,
			Qty:          qty,
		}
		l.BaseLocked += qty
		b.BaseFree += qty
		if err := l.OpenDebts.Add(slot); err != nil {
			return err
		}
		return b.OpenDebts.Add(slot)
	})
	if err != nil {
		t.Fatalf("open debt: %v", err)
	}
	return slot
}

// Append enqueues events on the market queue.
func (f *Fixture) Append(t *testing.T, events ...orderbook.Event) {
	t.Helper()
	if err := f.Store.AppendEvents(context.Background(), f.Market, events); err != nil {
		t.Fatalf("append events: %v", err)
	}
}

// FillEvent builds a Fill between maker and taker owners.
func FillEvent(seq uint64, takerSide orderbook.Side, makerID orderbook.OrderID, base uint64, maker, taker ledger.Key) orderbook.Event {
	return orderbook.Event{
		Seq:  seq,
		Kind: orderbook.EventFill,
		Fill: &orderbook.Fill{
			TakerSide:         takerSide,
			MakerOrderID:      makerID,
			QuoteSize:         base,
			BaseSize:          base,
			MakerCallbackInfo: maker.Bytes(),
			TakerCallbackInfo: taker.Bytes(),
		},
	}
}

// OutEvent builds an Out for owner.
func OutEvent(seq uint64, id orderbook.OrderID, base uint64, del bool, owner ledger.Key) orderbook.Event {
	return orderbook.Event{
		Seq:  seq,
		Kind: orderbook.EventOut,
		Out: &orderbook.Out{
			Side:         id.Side(),
			OrderID:      id,
			BaseSize:     base,
			Delete:       del,
			CallbackInfo: owner.Bytes(),
		},
	}
}
