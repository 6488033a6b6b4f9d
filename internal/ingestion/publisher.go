package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"TermLedger/internal/core"
	"TermLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// LedgerSubjectPrefix roots outbound notifications:
// lending.ledger.events.{type}.{market}
const LedgerSubjectPrefix = "lending.ledger.events"

// StreamPublisher is the slice of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed ledger notifications. Notify never
// blocks the ledger: when the buffer is full the notification is dropped
// and counted.
type OutboundPublisher struct {
	js      StreamPublisher
	ch      chan core.Notification
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, buffer int, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:      js,
		ch:      make(chan core.Notification, buffer),
		metrics: metrics,
		log:     log,
	}
}

func (p *OutboundPublisher) Notify(n core.Notification) {
	select {
	case p.ch <- n:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Warn().Str("type", string(n.Type)).Str("id", n.ID.String()).Msg("publish buffer full, dropping notification")
	}
}

// Run starts the outbound publisher loop.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-p.ch:
			if err := p.publish(ctx, n); err != nil {
				// downstream consumers can read ledger state through the API
				p.log.Warn().Err(err).Str("type", string(n.Type)).Str("id", n.ID.String()).Msg("outbound publish failed")
			}
		}
	}
}

func (p *OutboundPublisher) publish(ctx context.Context, n core.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(n), data, jetstream.WithMsgID(n.ID.String()))
	return err
}

// Subject is the outbound subject of a notification.
func Subject(n core.Notification) string {
	return fmt.Sprintf("%s.%s.%s", LedgerSubjectPrefix, n.Type, n.Market)
}
