package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"TermLedger/internal/ledger"
)

// ErrInsufficientBalance is returned when a leg's source cannot cover it.
var ErrInsufficientBalance = errors.New("custody: insufficient token balance")

// Leg moves Amount tokens between two token accounts. Authority signs for
// the source; for market vaults it is the market signer.
type Leg struct {
	From      ledger.Key `json:"from"`
	To        ledger.Key `json:"to"`
	Amount    uint64     `json:"amount"`
	Authority ledger.Key `json:"authority"`
}

// Transferrer executes token movements. A call with several legs is
// all-or-nothing: either every leg settles or none does.
type Transferrer interface {
	Transfer(ctx context.Context, legs ...Leg) error
}

// Memory is an in-process token ledger keyed by token account.
type Memory struct {
	mu       sync.Mutex
	balances map[ledger.Key]uint64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[ledger.Key]uint64)}
}

// Mint credits amount to account.
func (m *Memory) Mint(account ledger.Key, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

func (m *Memory) Balance(account ledger.Key) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

func (m *Memory) Transfer(ctx context.Context, legs ...Leg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged, err := Stage(func(k ledger.Key) uint64 { return m.balances[k] }, legs)
	if err != nil {
		return err
	}
	for k, v := range staged {
		m.balances[k] = v
	}
	return nil
}

// Touched lists the distinct accounts legs read or write, sorted.
func Touched(legs []Leg) []ledger.Key {
	keys := make([]ledger.Key, 0, 2*len(legs))
	for _, leg := range legs {
		keys = append(keys, leg.From, leg.To)
	}
	return ledger.SortKeys(keys)
}

// Stage applies legs in order over the balances read through current and
// returns the resulting balance of every touched account. Nothing is staged
// when any leg fails.
func Stage(current func(ledger.Key) uint64, legs []Leg) (map[ledger.Key]uint64, error) {
	staged := make(map[ledger.Key]uint64)
	get := func(k ledger.Key) uint64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return current(k)
	}

	for i, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		if leg.From == leg.To {
			return nil, fmt.Errorf("leg %d: source and destination are the same account", i)
		}
		from := get(leg.From)
		if from < leg.Amount {
			return nil, fmt.Errorf("leg %d: %w: %s holds %d, needs %d", i, ErrInsufficientBalance, leg.From.Short(), from, leg.Amount)
		}
		to := get(leg.To)
		if to+leg.Amount < to {
			return nil, fmt.Errorf("leg %d: destination %s overflows", i, leg.To.Short())
		}
		staged[leg.From] = from - leg.Amount
		staged[leg.To] = to + leg.Amount
	}
	return staged, nil
}
