package ingestion

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
)

// Verdict is the sequencer's decision for one inbound event.
type Verdict int

const (
	Accept    Verdict = iota
	Duplicate         // already appended; ack and drop
	Gap               // an earlier event is missing; nak for redelivery
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// SeqSource reports the last durably appended sequence of a market.
type SeqSource interface {
	LastEventSeq(ctx context.Context, market ledger.Key) (uint64, error)
}

// Sequencer enforces gap-free, duplicate-free delivery per market. Recent
// (market, seq) pairs sit in an LRU so redeliveries are recognized without
// a store round trip; the expected-next sequence is recovered from the
// store on first use.
type Sequencer struct {
	mu       sync.Mutex
	source   SeqSource
	lru      *dedupLRU
	expected map[ledger.Key]uint64
	metrics  *observability.Metrics
}

func NewSequencer(source SeqSource, capacity int, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		source:   source,
		lru:      newDedupLRU(capacity),
		expected: make(map[ledger.Key]uint64),
		metrics:  metrics,
	}
}

// Check classifies seq for market without recording it.
func (s *Sequencer) Check(ctx context.Context, market ledger.Key, seq uint64) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lru.Contains(dedupKey(market, seq)) {
		return Duplicate, nil
	}

	expected, ok := s.expected[market]
	if !ok {
		last, err := s.source.LastEventSeq(ctx, market)
		if err != nil {
			return Gap, fmt.Errorf("recover sequence for %s: %w", market.Short(), err)
		}
		expected = last + 1
		s.expected[market] = expected
	}

	switch {
	case seq < expected:
		return Duplicate, nil
	case seq == expected:
		return Accept, nil
	default:
		return Gap, nil
	}
}

// Commit records seq as durably appended.
func (s *Sequencer) Commit(market ledger.Key, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq+1 > s.expected[market] {
		s.expected[market] = seq + 1
	}
	evicted := s.lru.Add(dedupKey(market, seq))
	if s.metrics != nil {
		s.metrics.DedupLRUSize.Set(float64(s.lru.Size()))
		if evicted {
			s.metrics.DedupLRUEviction.Inc()
		}
	}
}

// Expected returns the next sequence the sequencer will accept for market,
// zero if it has not seen the market yet.
func (s *Sequencer) Expected(market ledger.Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected[market]
}

func dedupKey(market ledger.Key, seq uint64) string {
	return fmt.Sprintf("%s:%d", market, seq)
}

// --- LRU ---

// dedupLRU is a bounded set of recently seen keys. Callers hold the
// sequencer lock.
type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newDedupLRU(capacity int) *dedupLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (l *dedupLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key and reports whether the oldest entry was evicted.
func (l *dedupLRU) Add(key string) bool {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.cache, oldest.Value.(string))
	return true
}

func (l *dedupLRU) Size() int { return l.order.Len() }
