package crank_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/crank"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newCrank(f *testutil.Fixture) *crank.Crank {
	return crank.New(f.Processor, crank.Config{Market: f.Market, Interval: time.Millisecond},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
}

// ============================================================================
// Test: RunOnce
// ============================================================================

func TestRunOnce_ConsumesWithCollectedAccounts(t *testing.T) {
	f := testutil.NewFixture(t)
	lender := f.AddAccount(t, "lender", func(a *ledger.MarginAccount) {
		a.BaseFree = 500
		a.BaseOpenLend = 500
	})
	borrower := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.BaseOpenBorrow = 500 })
	ask := orderbook.NewOrderID(orderbook.Ask, 3, 1)
	f.Append(t,
		testutil.FillEvent(1, orderbook.Bid, ask, 200, lender, borrower),
		testutil.OutEvent(2, ask, 300, true, lender),
	)

	res, err := newCrank(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Applied != 2 || res.Remaining != 0 {
		t.Errorf("result: %+v", res)
	}
	if b := f.Account(t, borrower); b.BaseFree != 200 || b.BaseOpenBorrow != 300 {
		t.Errorf("borrower: free=%d open_borrow=%d, want 200/300", b.BaseFree, b.BaseOpenBorrow)
	}
}

func TestRunOnce_IdleQueue(t *testing.T) {
	f := testutil.NewFixture(t)
	res, err := newCrank(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("applied: got %d, want 0", res.Applied)
	}
}

func TestRunOnce_StuckHead(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Append(t, testutil.OutEvent(1, orderbook.NewOrderID(orderbook.Bid, 1, 1), 1, false, testutil.KeyOf("ghost")))

	_, err := newCrank(f).RunOnce(context.Background())
	if !errors.Is(err, core.ErrNothingApplied) {
		t.Errorf("err: got %v, want ErrNothingApplied", err)
	}
}

// ============================================================================
// Test: CollectAccounts
// ============================================================================

func TestCollectAccounts_StopsAtLimitInQueueOrder(t *testing.T) {
	var events []orderbook.Event
	for i := 0; i < 25; i++ {
		owner := testutil.KeyOf(fmt.Sprintf("owner-%d", i))
		id := orderbook.NewOrderID(orderbook.Bid, 1, uint64(i))
		events = append(events, testutil.OutEvent(uint64(2*i), id, 1, false, owner))
		events = append(events, testutil.OutEvent(uint64(2*i+1), id, 1, false, owner))
	}

	got, covered := crank.CollectAccounts(&core.Snapshot{Events: events}, crank.DefaultMaxAccounts)
	if len(got) != crank.DefaultMaxAccounts {
		t.Fatalf("len: got %d, want %d", len(got), crank.DefaultMaxAccounts)
	}
	if covered != 2*crank.DefaultMaxAccounts {
		t.Errorf("covered: got %d, want %d", covered, 2*crank.DefaultMaxAccounts)
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Less(got[i]) {
			t.Fatalf("not strictly sorted at %d", i)
		}
	}
	want := make(map[ledger.Key]bool)
	for i := 0; i < crank.DefaultMaxAccounts; i++ {
		want[testutil.KeyOf(fmt.Sprintf("owner-%d", i))] = true
	}
	for _, k := range got {
		if !want[k] {
			t.Errorf("owner %s is not among the first %d in the queue", k.Short(), crank.DefaultMaxAccounts)
		}
	}
}

func TestCollectAccounts_FillCountsBothOwners(t *testing.T) {
	a, b, c := testutil.KeyOf("a"), testutil.KeyOf("b"), testutil.KeyOf("c")
	ask := orderbook.NewOrderID(orderbook.Ask, 3, 1)
	events := []orderbook.Event{
		testutil.OutEvent(1, orderbook.NewOrderID(orderbook.Bid, 1, 2), 1, false, a),
		testutil.FillEvent(2, orderbook.Bid, ask, 1, b, c),
		testutil.OutEvent(3, ask, 1, true, b),
	}

	got, covered := crank.CollectAccounts(&core.Snapshot{Events: events}, 2)
	if covered != 1 || len(got) != 1 || got[0] != a {
		t.Errorf("limit 2: covered=%d owners=%d, want the head alone", covered, len(got))
	}
	got, covered = crank.CollectAccounts(&core.Snapshot{Events: events}, 3)
	if covered != 3 || len(got) != 3 {
		t.Errorf("limit 3: covered=%d owners=%d, want 3/3", covered, len(got))
	}
}

func TestCollectAccounts_SkipsForeignPayloads(t *testing.T) {
	owner := testutil.KeyOf("owner")
	events := []orderbook.Event{
		{Seq: 1, Kind: orderbook.EventOut, Out: &orderbook.Out{CallbackInfo: []byte("short")}},
		testutil.OutEvent(2, orderbook.NewOrderID(orderbook.Bid, 1, 1), 1, false, owner),
	}
	got, covered := crank.CollectAccounts(&core.Snapshot{Events: events}, 2)
	if covered != 2 || len(got) != 1 || got[0] != owner {
		t.Errorf("covered=%d owners=%d, want 2/1", covered, len(got))
	}
}

func TestRunOnce_HeadOwnerSortingLastIsConsumed(t *testing.T) {
	f := testutil.NewFixture(t)
	names := []string{"w", "x", "y", "z"}
	keys := make([]ledger.Key, len(names))
	for i, n := range names {
		keys[i] = f.AddAccount(t, n, func(a *ledger.MarginAccount) { a.BaseOpenBorrow = 1 })
	}
	byKey := append([]ledger.Key(nil), keys...)
	ledger.SortKeys(byKey)
	// Queue the owner with the greatest key first.
	order := []ledger.Key{byKey[3], byKey[0], byKey[1], byKey[2]}
	for i, owner := range order {
		f.Append(t, testutil.OutEvent(uint64(i+1), orderbook.NewOrderID(orderbook.Bid, 1, uint64(i+1)), 1, false, owner))
	}

	c := crank.New(f.Processor, crank.Config{Market: f.Market, Interval: time.Millisecond, MaxIterations: 4, MaxAccounts: 3},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Applied != 3 || res.Remaining != 1 {
		t.Errorf("first run: %+v, want 3 applied 1 remaining", res)
	}
	if got := f.Account(t, order[0]).BaseOpenBorrow; got != 0 {
		t.Errorf("head owner open borrow: got %d, want 0", got)
	}

	res, err = c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Applied != 1 || res.Remaining != 0 {
		t.Errorf("second run: %+v, want 1 applied 0 remaining", res)
	}
	for _, k := range order {
		if got := f.Account(t, k).BaseOpenBorrow; got != 0 {
			t.Errorf("%s open borrow: got %d, want 0", k.Short(), got)
		}
	}
}

// ============================================================================
// Test: Run
// ============================================================================

func TestRun_StopsOnCancel(t *testing.T) {
	f := testutil.NewFixture(t)
	owner := f.AddAccount(t, "borrower", func(a *ledger.MarginAccount) { a.BaseOpenBorrow = 5 })
	f.Append(t, testutil.OutEvent(1, orderbook.NewOrderID(orderbook.Bid, 1, 1), 5, false, owner))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newCrank(f).Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.Account(t, owner).BaseOpenBorrow != 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not consumed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
