package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TermLedger/internal/ledger"
)

// StubPrice is a manually administered (price, confidence) pair.
type StubPrice struct {
	Price      uint64    `json:"price"`
	Confidence uint64    `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StubBackend persists stub prices. Get reports ok=false when none is set.
type StubBackend interface {
	GetStubPrice(ctx context.Context, ref ledger.Key) (StubPrice, bool, error)
	PutStubPrice(ctx context.Context, ref ledger.Key, p StubPrice) error
}

// StubStore serves stub prices from a backend.
type StubStore struct {
	backend StubBackend
	now     func() time.Time
}

func NewStubStore(backend StubBackend) *StubStore {
	return &StubStore{backend: backend, now: time.Now}
}

// SetStubPrice records a new stub price. A zero price is rejected; clearing
// a quote is not expressible.
func (s *StubStore) SetStubPrice(ctx context.Context, ref ledger.Key, price, confidence uint64) error {
	if price == 0 {
		return fmt.Errorf("%w: stub price must be positive", ledger.ErrInvalidAccountData)
	}
	return s.backend.PutStubPrice(ctx, ref, StubPrice{
		Price:      price,
		Confidence: confidence,
		UpdatedAt:  s.now().UTC(),
	})
}

// Get returns the full stub record.
func (s *StubStore) Get(ctx context.Context, ref ledger.Key) (StubPrice, error) {
	p, ok, err := s.backend.GetStubPrice(ctx, ref)
	if err != nil {
		return StubPrice{}, fmt.Errorf("%w: read stub %s: %v", ledger.ErrOracleUnavailable, ref.Short(), err)
	}
	if !ok || p.Price == 0 {
		return StubPrice{}, fmt.Errorf("%w: no stub price for %s", ledger.ErrOracleUnavailable, ref.Short())
	}
	return p, nil
}

func (s *StubStore) QuotePrice(ctx context.Context, ref ledger.Key) (uint64, error) {
	p, err := s.Get(ctx, ref)
	if err != nil {
		return 0, err
	}
	return p.Price, nil
}

// MemoryStubs is an in-process StubBackend.
type MemoryStubs struct {
	mu     sync.RWMutex
	prices map[ledger.Key]StubPrice
}

func NewMemoryStubs() *MemoryStubs {
	return &MemoryStubs{prices: make(map[ledger.Key]StubPrice)}
}

func (m *MemoryStubs) GetStubPrice(_ context.Context, ref ledger.Key) (StubPrice, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[ref]
	return p, ok, nil
}

func (m *MemoryStubs) PutStubPrice(_ context.Context, ref ledger.Key, p StubPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[ref] = p
	return nil
}
