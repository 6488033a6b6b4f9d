package ingestion

import (
	"context"
	"fmt"
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/orderbook"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	BookSubjectPrefix  = "lending.book.events"
	PriceSubjectPrefix = "lending.prices"

	BookStream   = "LENDING_BOOK"
	PriceStream  = "LENDING_PRICES"
	LedgerStream = "LENDING_LEDGER_EVENTS"
)

// Action is what to do with a delivered message.
type Action int

const (
	Ack  Action = iota
	Nak         // transient; redeliver
	Term        // malformed; never redeliver
)

// EventSink is where accepted matching-engine events are appended.
type EventSink interface {
	SeqSource
	AppendEvents(ctx context.Context, market ledger.Key, events []orderbook.Event) error
}

// BookBridge moves matching-engine events from NATS into the market event
// queues, in order and exactly once.
type BookBridge struct {
	sink    EventSink
	seq     *Sequencer
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewBookBridge(sink EventSink, seq *Sequencer, metrics *observability.Metrics, log zerolog.Logger) *BookBridge {
	return &BookBridge{sink: sink, seq: seq, metrics: metrics, log: log}
}

// Handle processes one delivery. Acks happen only after a durable append.
func (b *BookBridge) Handle(ctx context.Context, subject string, data []byte) Action {
	market, err := MarketFromSubject(subject, BookSubjectPrefix)
	if err != nil {
		b.reject("subject")
		b.log.Warn().Err(err).Str("subject", subject).Msg("dropping book event")
		return Term
	}
	e, err := ParseBookEvent(data)
	if err != nil {
		b.reject("parse")
		b.log.Warn().Err(err).Str("market", market.Short()).Msg("dropping book event")
		return Term
	}

	verdict, err := b.seq.Check(ctx, market, e.Seq)
	if err != nil {
		b.log.Error().Err(err).Str("market", market.Short()).Msg("sequence check failed")
		return Nak
	}
	switch verdict {
	case Duplicate:
		b.reject("duplicate")
		return Ack
	case Gap:
		b.reject("gap")
		b.log.Warn().
			Str("market", market.Short()).
			Uint64("seq", e.Seq).
			Uint64("expected", b.seq.Expected(market)).
			Msg("sequence gap, awaiting redelivery")
		return Nak
	}

	if err := b.sink.AppendEvents(ctx, market, []orderbook.Event{e}); err != nil {
		b.log.Error().Err(err).Str("market", market.Short()).Uint64("seq", e.Seq).Msg("append failed")
		return Nak
	}
	b.seq.Commit(market, e.Seq)
	if b.metrics != nil {
		b.metrics.IngestAppended.WithLabelValues(market.String()).Inc()
	}
	return Ack
}

func (b *BookBridge) reject(reason string) {
	if b.metrics != nil {
		b.metrics.IngestRejected.WithLabelValues(reason).Inc()
	}
}

// PriceBridge feeds external aggregates into the feed cache.
type PriceBridge struct {
	cache   *oracle.FeedCache
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPriceBridge(cache *oracle.FeedCache, metrics *observability.Metrics, log zerolog.Logger) *PriceBridge {
	return &PriceBridge{cache: cache, metrics: metrics, log: log}
}

// Handle caches one aggregate. Status is not filtered here; the normalizer
// refuses non-trading aggregates at read time.
func (p *PriceBridge) Handle(_ context.Context, _ string, data []byte) Action {
	ref, agg, err := ParsePriceAggregate(data)
	if err != nil {
		p.log.Warn().Err(err).Msg("dropping price aggregate")
		return Term
	}
	p.cache.Update(ref, agg)
	if p.metrics != nil {
		p.metrics.PricesReceived.WithLabelValues(agg.Status.String()).Inc()
	}
	return Ack
}

// Handler is a message handler bound to a subject filter.
type Handler interface {
	Handle(ctx context.Context, subject string, data []byte) Action
}

// SubjectConfig binds a durable consumer to a handler.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	Handler      Handler
}

// NATSSubscriber runs JetStream consumers for the configured subjects.
type NATSSubscriber struct {
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, log: log}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s. Book events need
// in-order handling, so their consumers allow one message in flight.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		handler := cfg.Handler
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if ctx.Err() != nil {
				msg.Nak()
				return
			}
			switch handler.Handle(ctx, msg.Subject(), msg.Data()) {
			case Ack:
				msg.Ack()
			case Nak:
				msg.Nak()
			case Term:
				msg.Term()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// DefaultSubjects wires the book and price bridges to their streams.
func DefaultSubjects(book *BookBridge, prices *PriceBridge) []SubjectConfig {
	return []SubjectConfig{
		{Subject: BookSubjectPrefix + ".>", ConsumerName: "ledger-book-events", StreamName: BookStream, Handler: book},
		{Subject: PriceSubjectPrefix + ".>", ConsumerName: "ledger-prices", StreamName: PriceStream, Handler: prices},
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      BookStream,
			Subjects:  []string{BookSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      PriceStream,
			Subjects:  []string{PriceSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Hour,
			Replicas:  1,
		},
		{
			Name:       LedgerStream,
			Subjects:   []string{LedgerSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
