package ingestion_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ingestion"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/store"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newBridge(t *testing.T) (*ingestion.BookBridge, *store.Memory, ledger.Key) {
	t.Helper()
	st := store.NewMemory()
	market := ledger.Key{0x33}
	if err := st.CreateMarket(context.Background(), &ledger.Market{ID: market}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	seq := ingestion.NewSequencer(st, 16, metrics)
	return ingestion.NewBookBridge(st, seq, metrics, zerolog.Nop()), st, market
}

func outPayload(t *testing.T, seq uint64) []byte {
	t.Helper()
	return mustJSON(t, map[string]any{
		"seq":       seq,
		"kind":      "out",
		"side":      "ask",
		"order_id":  orderbook.NewOrderID(orderbook.Ask, 1, seq).String(),
		"base_size": 1,
		"callback":  hex.EncodeToString(maker.Bytes()),
	})
}

func queueLen(t *testing.T, st *store.Memory, market ledger.Key) int {
	t.Helper()
	var n int
	err := st.View(context.Background(), market, func(tx store.Tx) error {
		var err error
		n, err = tx.QueueLen()
		return err
	})
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	return n
}

// ============================================================================
// Test: BookBridge
// ============================================================================

func TestBookBridge_InOrderAppend(t *testing.T) {
	b, st, market := newBridge(t)
	ctx := context.Background()
	subject := ingestion.BookSubjectPrefix + "." + market.String()

	for seq := uint64(1); seq <= 3; seq++ {
		if got := b.Handle(ctx, subject, outPayload(t, seq)); got != ingestion.Ack {
			t.Fatalf("seq %d: got action %d, want Ack", seq, got)
		}
	}
	if n := queueLen(t, st, market); n != 3 {
		t.Errorf("queue: got %d, want 3", n)
	}
}

func TestBookBridge_DuplicateAckedNotAppended(t *testing.T) {
	b, st, market := newBridge(t)
	ctx := context.Background()
	subject := ingestion.BookSubjectPrefix + "." + market.String()

	b.Handle(ctx, subject, outPayload(t, 1))
	if got := b.Handle(ctx, subject, outPayload(t, 1)); got != ingestion.Ack {
		t.Errorf("duplicate: got %d, want Ack", got)
	}
	if n := queueLen(t, st, market); n != 1 {
		t.Errorf("queue: got %d, want 1", n)
	}
}

func TestBookBridge_GapNaked(t *testing.T) {
	b, st, market := newBridge(t)
	subject := ingestion.BookSubjectPrefix + "." + market.String()

	if got := b.Handle(context.Background(), subject, outPayload(t, 2)); got != ingestion.Nak {
		t.Errorf("gap: got %d, want Nak", got)
	}
	if n := queueLen(t, st, market); n != 0 {
		t.Errorf("queue: got %d, want 0", n)
	}
}

func TestBookBridge_RecoversSequenceFromStore(t *testing.T) {
	b, st, market := newBridge(t)
	ctx := context.Background()
	if err := st.AppendEvents(ctx, market, []orderbook.Event{{Seq: 5, Kind: orderbook.EventOut, Out: &orderbook.Out{}}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	subject := ingestion.BookSubjectPrefix + "." + market.String()

	if got := b.Handle(ctx, subject, outPayload(t, 5)); got != ingestion.Ack {
		t.Errorf("replayed 5: got %d, want Ack", got)
	}
	if got := b.Handle(ctx, subject, outPayload(t, 6)); got != ingestion.Ack {
		t.Errorf("6: got %d, want Ack", got)
	}
	if n := queueLen(t, st, market); n != 2 {
		t.Errorf("queue: got %d, want 2", n)
	}
}

func TestBookBridge_MalformedTerminated(t *testing.T) {
	b, _, market := newBridge(t)
	ctx := context.Background()

	if got := b.Handle(ctx, "lending.book.events.nothex", outPayload(t, 1)); got != ingestion.Term {
		t.Errorf("bad subject: got %d, want Term", got)
	}
	if got := b.Handle(ctx, ingestion.BookSubjectPrefix+"."+market.String(), []byte("{")); got != ingestion.Term {
		t.Errorf("bad payload: got %d, want Term", got)
	}
}

// ============================================================================
// Test: Sequencer LRU
// ============================================================================

type fixedSeq uint64

func (f fixedSeq) LastEventSeq(context.Context, ledger.Key) (uint64, error) { return uint64(f), nil }

func TestSequencer_LRUEvicts(t *testing.T) {
	s := ingestion.NewSequencer(fixedSeq(0), 2, nil)
	m := ledger.Key{1}
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		v, err := s.Check(ctx, m, seq)
		if err != nil || v != ingestion.Accept {
			t.Fatalf("seq %d: %s (%v)", seq, v, err)
		}
		s.Commit(m, seq)
	}
	// evicted from the LRU but still behind the expected sequence
	if v, _ := s.Check(ctx, m, 1); v != ingestion.Duplicate {
		t.Errorf("seq 1: got %s, want duplicate", v)
	}
	if s.Expected(m) != 4 {
		t.Errorf("expected: got %d, want 4", s.Expected(m))
	}
}

// ============================================================================
// Test: PriceBridge
// ============================================================================

func TestPriceBridge_UpdatesCache(t *testing.T) {
	cache := oracle.NewFeedCache()
	p := ingestion.NewPriceBridge(cache, nil, zerolog.Nop())
	ref := ledger.Key{0x44}
	data := mustJSON(t, map[string]any{
		"price_account":   ref.String(),
		"price":           250,
		"expo":            -1,
		"status":          "trading",
		"publish_time_us": time.Now().UnixMicro(),
	})

	if got := p.Handle(context.Background(), ingestion.PriceSubjectPrefix+".x", data); got != ingestion.Ack {
		t.Fatalf("handle: got %d, want Ack", got)
	}
	agg, err := cache.LatestAggregate(context.Background(), ref)
	if err != nil || agg.Price != 250 {
		t.Errorf("cached: %+v (%v)", agg, err)
	}
}

// ============================================================================
// Test: OutboundPublisher
// ============================================================================

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     error
}

func (c *capturePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, payload)
	return &jetstream.PubAck{}, nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}

func TestOutboundPublisher_PublishesToTypedSubject(t *testing.T) {
	pub := &capturePublisher{}
	p := ingestion.NewOutboundPublisher(pub, 4, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	market := ledger.Key{0x55}
	n := core.Notification{ID: uuid.New(), Type: core.NotifyDebtCreated, Market: market, Payload: map[string]int{"qty": 5}}
	p.Notify(n)

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification not published")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}

	want := "lending.ledger.events.debt_created." + market.String()
	if pub.subjects[0] != want {
		t.Errorf("subject: got %s, want %s", pub.subjects[0], want)
	}
	var decoded map[string]any
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded["type"] != "debt_created" || decoded["id"] != n.ID.String() {
		t.Errorf("payload: %v", decoded)
	}
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	p := ingestion.NewOutboundPublisher(&capturePublisher{}, 1, metrics, zerolog.Nop())

	// no Run loop: the second notification finds the buffer full
	p.Notify(core.Notification{ID: uuid.New(), Type: core.NotifyDeposit})
	p.Notify(core.Notification{ID: uuid.New(), Type: core.NotifyDeposit})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "term_publish_drops_total" {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("drops: got %v, want 1", got)
			}
			return
		}
	}
	t.Error("drop counter not found")
}
