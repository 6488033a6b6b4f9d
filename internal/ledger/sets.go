package ledger

import (
	"encoding/json"
	"fmt"

	"TermLedger/internal/orderbook"
)

const (
	// OpenOrdersCapacity bounds the open-order set of a margin account.
	OpenOrdersCapacity = 16
	// OpenDebtsCapacity bounds the open-debt set of a margin account.
	OpenDebtsCapacity = 16
)

// OrderSet is a bounded, duplicate-free set of open order ids. Removal swaps
// the last element into the hole, so element order carries no meaning.
type OrderSet struct {
	ids [OpenOrdersCapacity]orderbook.OrderID
	n   int
}

func (s *OrderSet) Len() int { return s.n }

func (s *OrderSet) Full() bool { return s.n == OpenOrdersCapacity }

func (s *OrderSet) Contains(id orderbook.OrderID) bool {
	return s.index(id) >= 0
}

func (s *OrderSet) index(id orderbook.OrderID) int {
	for i := 0; i < s.n; i++ {
		if s.ids[i] == id {
			return i
		}
	}
	return -1
}

// Add appends id. A full set yields ErrCapacityExceeded, a duplicate yields
// ErrInvalidAccountData.
func (s *OrderSet) Add(id orderbook.OrderID) error {
	if s.Contains(id) {
		return fmt.Errorf("%w: order %s already open", ErrInvalidAccountData, id)
	}
	if s.Full() {
		return fmt.Errorf("%w: open orders at capacity %d", ErrCapacityExceeded, OpenOrdersCapacity)
	}
	s.ids[s.n] = id
	s.n++
	return nil
}

// Remove deletes id by swap-with-last and truncate.
func (s *OrderSet) Remove(id orderbook.OrderID) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: order %s is not open", ErrInvalidAccountData, id)
	}
	s.n--
	s.ids[i] = s.ids[s.n]
	s.ids[s.n] = orderbook.OrderID{}
	return nil
}

// IDs returns a copy of the live ids.
func (s *OrderSet) IDs() []orderbook.OrderID {
	out := make([]orderbook.OrderID, s.n)
	copy(out, s.ids[:s.n])
	return out
}

func (s OrderSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *OrderSet) UnmarshalJSON(b []byte) error {
	var ids []orderbook.OrderID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = OrderSet{}
	for _, id := range ids {
		if err := s.Add(id); err != nil {
			return err
		}
	}
	return nil
}

// DebtSet is a bounded, duplicate-free set of market debt slot indices.
type DebtSet struct {
	ids [OpenDebtsCapacity]uint16
	n   int
}

func (s *DebtSet) Len() int { return s.n }

func (s *DebtSet) Full() bool { return s.n == OpenDebtsCapacity }

func (s *DebtSet) Contains(id uint16) bool {
	return s.index(id) >= 0
}

func (s *DebtSet) index(id uint16) int {
	for i := 0; i < s.n; i++ {
		if s.ids[i] == id {
			return i
		}
	}
	return -1
}

func (s *DebtSet) Add(id uint16) error {
	if s.Contains(id) {
		return fmt.Errorf("%w: debt %d already open", ErrInvalidAccountData, id)
	}
	if s.Full() {
		return fmt.Errorf("%w: open debts at capacity %d", ErrCapacityExceeded, OpenDebtsCapacity)
	}
	s.ids[s.n] = id
	s.n++
	return nil
}

func (s *DebtSet) Remove(id uint16) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: debt %d is not open", ErrInvalidAccountData, id)
	}
	s.n--
	s.ids[i] = s.ids[s.n]
	s.ids[s.n] = 0
	return nil
}

func (s *DebtSet) IDs() []uint16 {
	out := make([]uint16, s.n)
	copy(out, s.ids[:s.n])
	return out
}

func (s DebtSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *DebtSet) UnmarshalJSON(b []byte) error {
	var ids []uint16
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = DebtSet{}
	for _, id := range ids {
		if err := s.Add(id); err != nil {
			return err
		}
	}
	return nil
}
