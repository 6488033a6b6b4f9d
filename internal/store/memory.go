package store

import (
	"context"
	"fmt"
	"sync"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
)

type accountKey struct {
	market ledger.Key
	owner  ledger.Key
}

// Memory is an in-process Store. Every unit of work takes the store lock,
// so units are serializable. Token transfers settle on the store's own
// custody.Memory.
type Memory struct {
	mu       sync.Mutex
	markets  map[ledger.Key]*ledger.Market
	accounts map[accountKey]*ledger.MarginAccount
	queues   map[ledger.Key][]orderbook.Event
	lastSeq  map[ledger.Key]uint64
	tokens   *custody.Memory
}

func NewMemory() *Memory {
	return &Memory{
		markets:  make(map[ledger.Key]*ledger.Market),
		accounts: make(map[accountKey]*ledger.MarginAccount),
		queues:   make(map[ledger.Key][]orderbook.Event),
		lastSeq:  make(map[ledger.Key]uint64),
		tokens:   custody.NewMemory(),
	}
}

// Tokens is the token ledger units of work transfer on.
func (s *Memory) Tokens() *custody.Memory { return s.tokens }

func (s *Memory) CreateMarket(_ context.Context, m *ledger.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", ledger.ErrInvalidAccountData, m.ID.Short())
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *Memory) CreateAccount(_ context.Context, a *ledger.MarginAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[a.Market]; !ok {
		return fmt.Errorf("market %s: %w", a.Market.Short(), ledger.ErrNotFound)
	}
	k := accountKey{a.Market, a.Owner}
	if _, ok := s.accounts[k]; ok {
		return fmt.Errorf("%w: account %s already exists", ledger.ErrInvalidAccountData, a.Owner.Short())
	}
	cp := *a
	s.accounts[k] = &cp
	return nil
}

func (s *Memory) AppendEvents(_ context.Context, market ledger.Key, events []orderbook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[market]; !ok {
		return fmt.Errorf("market %s: %w", market.Short(), ledger.ErrNotFound)
	}
	s.queues[market] = append(s.queues[market], events...)
	for _, e := range events {
		if e.Seq > s.lastSeq[market] {
			s.lastSeq[market] = e.Seq
		}
	}
	return nil
}

func (s *Memory) LastEventSeq(_ context.Context, market ledger.Key) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[market], nil
}

func (s *Memory) Update(ctx context.Context, market ledger.Key, fn func(Tx) error) error {
	return s.run(ctx, market, fn, true)
}

func (s *Memory) View(ctx context.Context, market ledger.Key, fn func(Tx) error) error {
	return s.run(ctx, market, fn, false)
}

func (s *Memory) run(ctx context.Context, market ledger.Key, fn func(Tx) error, commit bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[market]
	if !ok {
		return fmt.Errorf("market %s: %w", market.Short(), ledger.ErrNotFound)
	}

	mcopy := *m
	tx := &memoryTx{
		store:  s,
		market: &mcopy,
		loaded: make(map[ledger.Key]*ledger.MarginAccount),
	}

	if err := fn(tx); err != nil {
		return err
	}
	if !commit {
		return nil
	}

	// legs were staged against current balances; settle them before any
	// record is written so a failure leaves the store untouched
	if len(tx.legs) > 0 {
		if err := s.tokens.Transfer(ctx, tx.legs...); err != nil {
			return fmt.Errorf("settle transfers: %w", err)
		}
	}
	s.markets[market] = tx.market
	for owner, a := range tx.loaded {
		s.accounts[accountKey{market, owner}] = a
	}
	if tx.popped > 0 {
		q := s.queues[market]
		s.queues[market] = append([]orderbook.Event(nil), q[tx.popped:]...)
	}
	return nil
}

type memoryTx struct {
	store  *Memory
	market *ledger.Market
	loaded map[ledger.Key]*ledger.MarginAccount
	popped int
	legs   []custody.Leg
	staged map[ledger.Key]uint64
}

func (t *memoryTx) Market() *ledger.Market { return t.market }

func (t *memoryTx) Account(owner ledger.Key) (*ledger.MarginAccount, error) {
	if a, ok := t.loaded[owner]; ok {
		return a, nil
	}
	a, ok := t.store.accounts[accountKey{t.market.ID, owner}]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", owner.Short(), ledger.ErrNotFound)
	}
	cp := *a
	t.loaded[owner] = &cp
	return &cp, nil
}

func (t *memoryTx) Accounts(owners []ledger.Key) (map[ledger.Key]*ledger.MarginAccount, error) {
	out := make(map[ledger.Key]*ledger.MarginAccount, len(owners))
	for _, owner := range owners {
		a, err := t.Account(owner)
		if err != nil {
			continue
		}
		out[owner] = a
	}
	return out, nil
}

func (t *memoryTx) queue() []orderbook.Event {
	return t.store.queues[t.market.ID][t.popped:]
}

func (t *memoryTx) PeekEvents(n int) ([]orderbook.Event, error) {
	q := t.queue()
	if n > len(q) {
		n = len(q)
	}
	out := make([]orderbook.Event, n)
	copy(out, q[:n])
	return out, nil
}

func (t *memoryTx) PopEvents(n int) error {
	if n < 0 || n > len(t.queue()) {
		return fmt.Errorf("pop %d events: queue holds %d", n, len(t.queue()))
	}
	t.popped += n
	return nil
}

func (t *memoryTx) QueueLen() (int, error) {
	return len(t.queue()), nil
}

func (t *memoryTx) Transfer(legs ...custody.Leg) error {
	staged, err := custody.Stage(func(k ledger.Key) uint64 {
		if v, ok := t.staged[k]; ok {
			return v
		}
		return t.store.tokens.Balance(k)
	}, legs)
	if err != nil {
		return err
	}
	if t.staged == nil {
		t.staged = make(map[ledger.Key]uint64, len(staged))
	}
	for k, v := range staged {
		t.staged[k] = v
	}
	t.legs = append(t.legs, legs...)
	return nil
}
