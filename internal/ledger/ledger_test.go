package ledger_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"TermLedger/internal/ledger"
	fpmath "TermLedger/internal/math"
	"TermLedger/internal/orderbook"
)

func key(b byte) ledger.Key {
	var k ledger.Key
	k[0] = b
	return k
}

// ============================================================================
// Test: Key
// ============================================================================

func TestKey_ParseRoundTrip(t *testing.T) {
	k := key(0xab)
	parsed, err := ledger.ParseKey(k.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != k {
		t.Errorf("got %s, want %s", parsed, k)
	}
}

func TestKeyFromBytes_WrongLength(t *testing.T) {
	_, err := ledger.KeyFromBytes([]byte{1, 2, 3})
	if !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("err: got %v, want ErrInvalidAccountData", err)
	}
}

func TestSortKeys_Dedups(t *testing.T) {
	got := ledger.SortKeys([]ledger.Key{key(3), key(1), key(3), key(2), key(1)})
	want := []ledger.Key{key(1), key(2), key(3)}
	if len(got) != len(want) {
		t.Fatalf("len: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %s, want %s", i, got[i].Short(), want[i].Short())
		}
	}
}

// ============================================================================
// Test: Bounded sets
// ============================================================================

func TestOrderSet_CapacityAndDuplicates(t *testing.T) {
	var s ledger.OrderSet
	for i := 0; i < ledger.OpenOrdersCapacity; i++ {
		if err := s.Add(orderbook.NewOrderID(orderbook.Ask, 1, uint64(i))); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	err := s.Add(orderbook.NewOrderID(orderbook.Ask, 1, 999))
	if !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Errorf("17th add: got %v, want ErrCapacityExceeded", err)
	}

	err = s.Add(orderbook.NewOrderID(orderbook.Ask, 1, 0))
	if !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("duplicate add: got %v, want ErrInvalidAccountData", err)
	}
}

func TestOrderSet_RemoveSwapsLast(t *testing.T) {
	var s ledger.OrderSet
	a := orderbook.NewOrderID(orderbook.Bid, 1, 1)
	b := orderbook.NewOrderID(orderbook.Bid, 1, 2)
	c := orderbook.NewOrderID(orderbook.Bid, 1, 3)
	for _, id := range []orderbook.OrderID{a, b, c} {
		if err := s.Add(id); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Remove(a); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ids := s.IDs()
	if len(ids) != 2 || ids[0] != c || ids[1] != b {
		t.Errorf("after remove: got %v, want [c b]", ids)
	}
	if err := s.Remove(a); !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("second remove: got %v, want ErrInvalidAccountData", err)
	}
}

func TestDebtSet_JSONRoundTrip(t *testing.T) {
	var s ledger.DebtSet
	for _, id := range []uint16{7, 3, 255} {
		if err := s.Add(id); err != nil {
			t.Fatal(err)
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[7,3,255]" {
		t.Errorf("json: got %s, want [7,3,255]", data)
	}

	var back ledger.DebtSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Len() != 3 || !back.Contains(255) {
		t.Errorf("round trip: got %v", back.IDs())
	}

	over := make([]uint16, ledger.OpenDebtsCapacity+1)
	for i := range over {
		over[i] = uint16(i)
	}
	data, _ = json.Marshal(over)
	if err := json.Unmarshal(data, &back); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Errorf("oversized set: got %v, want ErrCapacityExceeded", err)
	}
}

// ============================================================================
// Test: Debt
// ============================================================================

func TestDebt_Owed(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	d := ledger.Debt{
		Timestamp:    origin.Unix(),
		InterestRate: fpmath.RateFromBasisPoints(100), // 1% per hour
		Qty:          1000,
		LiquidQty:    200,
	}

	if got := d.Owed(origin); got != 800 {
		t.Errorf("owed at origin: got %d, want 800", got)
	}
	if got := d.Owed(origin.Add(time.Hour)); got != 810 {
		t.Errorf("owed after 1h: got %d, want 810", got)
	}

	var free ledger.Debt
	if got := free.Owed(origin); got != 0 {
		t.Errorf("free slot owed: got %d, want 0", got)
	}
}

// ============================================================================
// Test: Market
// ============================================================================

func TestMarket_FreeSlot(t *testing.T) {
	var m ledger.Market
	m.Debts[0].Qty = 1
	m.Debts[1].Qty = 1

	id, err := m.FreeSlot()
	if err != nil {
		t.Fatalf("free slot: %v", err)
	}
	if id != 2 {
		t.Errorf("got %d, want 2", id)
	}

	for i := range m.Debts {
		m.Debts[i].Qty = 1
	}
	if _, err := m.FreeSlot(); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Errorf("full market: got %v, want ErrCapacityExceeded", err)
	}
}

func TestMarket_Borrowers(t *testing.T) {
	var m ledger.Market
	m.Debts[4] = ledger.Debt{Borrower: key(2), Qty: 10}
	m.Debts[9] = ledger.Debt{Borrower: key(1), Qty: 10}
	m.Debts[11] = ledger.Debt{Borrower: key(2), Qty: 5}
	m.Debts[12] = ledger.Debt{Borrower: key(3), Qty: 0}

	got := m.Borrowers()
	if len(got) != 2 || got[0] != key(1) || got[1] != key(2) {
		t.Errorf("borrowers: got %v", got)
	}
}

func TestMarket_DebtOutOfRange(t *testing.T) {
	var m ledger.Market
	if _, err := m.Debt(ledger.DebtSlots); !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("got %v, want ErrInvalidAccountData", err)
	}
	if _, err := m.LiveDebt(0); !errors.Is(err, ledger.ErrBusinessRule) {
		t.Errorf("free slot: got %v, want ErrBusinessRule", err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_LiquidExceedsQty(t *testing.T) {
	v := ledger.NewInvariantValidator()
	var m ledger.Market
	m.Debts[3] = ledger.Debt{Qty: 10, LiquidQty: 11}

	if err := v.ValidateMarket(&m); !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("got %v, want ErrInvalidAccountData", err)
	}
}

func TestValidator_AccountReferences(t *testing.T) {
	v := ledger.NewInvariantValidator()
	m := ledger.Market{ID: key(9)}
	m.Debts[1] = ledger.Debt{Lender: key(1), Borrower: key(2), Qty: 10}

	borrower := ledger.NewMarginAccount(m.ID, key(2))
	if err := borrower.OpenDebts.Add(1); err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateAccount(&m, borrower); err != nil {
		t.Errorf("valid account rejected: %v", err)
	}

	stranger := ledger.NewMarginAccount(m.ID, key(5))
	stranger.OpenDebts.Add(1)
	if err := v.ValidateAccount(&m, stranger); !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("stranger: got %v, want ErrInvalidAccountData", err)
	}

	other := ledger.NewMarginAccount(key(8), key(2))
	if err := v.ValidateAccount(&m, other); !errors.Is(err, ledger.ErrInvalidAccountData) {
		t.Errorf("wrong market: got %v, want ErrInvalidAccountData", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ledger.Kind
	}{
		{nil, ledger.KindNone},
		{fmt.Errorf("withdraw: %w", ledger.ErrInsufficientFunds), ledger.KindInsufficientFunds},
		{fmt.Errorf("x: %w", ledger.ErrOracleUnavailable), ledger.KindOracleUnavailable},
		{errors.New("boom"), ledger.KindInternal},
	}
	for _, tt := range tests {
		if got := ledger.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}
