package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/oracle"
	"TermLedger/internal/orderbook"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Keys, order ids
// and callback payloads travel as hex strings.

type bookEventJSON struct {
	Seq  uint64 `json:"seq"`
	Kind string `json:"kind"` // "fill" or "out"

	// fill
	TakerSide     string `json:"taker_side,omitempty"`
	MakerOrderID  string `json:"maker_order_id,omitempty"`
	QuoteSize     uint64 `json:"quote_size,omitempty"`
	MakerCallback string `json:"maker_callback,omitempty"`
	TakerCallback string `json:"taker_callback,omitempty"`

	// out
	Side     string `json:"side,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
	Callback string `json:"callback,omitempty"`

	BaseSize uint64 `json:"base_size"`
}

// ParseBookEvent decodes one matching-engine event.
func ParseBookEvent(data []byte) (orderbook.Event, error) {
	var j bookEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return orderbook.Event{}, fmt.Errorf("parse book event: %w", err)
	}
	if j.Seq == 0 {
		return orderbook.Event{}, fmt.Errorf("parse book event: missing seq")
	}

	var (
		e   = orderbook.Event{Seq: j.Seq}
		err error
	)
	switch j.Kind {
	case "fill":
		e.Kind = orderbook.EventFill
		e.Fill, err = parseFill(j)
	case "out":
		e.Kind = orderbook.EventOut
		e.Out, err = parseOut(j)
	default:
		return orderbook.Event{}, fmt.Errorf("unknown book event kind: %q", j.Kind)
	}
	if err != nil {
		return orderbook.Event{}, fmt.Errorf("parse %s event %d: %w", j.Kind, j.Seq, err)
	}
	return e, nil
}

func parseFill(j bookEventJSON) (*orderbook.Fill, error) {
	side, err := orderbook.ParseSide(j.TakerSide)
	if err != nil {
		return nil, fmt.Errorf("taker_side: %w", err)
	}
	maker, err := orderbook.ParseOrderID(j.MakerOrderID)
	if err != nil {
		return nil, fmt.Errorf("maker_order_id: %w", err)
	}
	makerInfo, err := hex.DecodeString(j.MakerCallback)
	if err != nil {
		return nil, fmt.Errorf("maker_callback: %w", err)
	}
	takerInfo, err := hex.DecodeString(j.TakerCallback)
	if err != nil {
		return nil, fmt.Errorf("taker_callback: %w", err)
	}
	return &orderbook.Fill{
		TakerSide:         side,
		MakerOrderID:      maker,
		QuoteSize:         j.QuoteSize,
		BaseSize:          j.BaseSize,
		MakerCallbackInfo: makerInfo,
		TakerCallbackInfo: takerInfo,
	}, nil
}

func parseOut(j bookEventJSON) (*orderbook.Out, error) {
	side, err := orderbook.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("side: %w", err)
	}
	id, err := orderbook.ParseOrderID(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("order_id: %w", err)
	}
	info, err := hex.DecodeString(j.Callback)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	return &orderbook.Out{
		Side:         side,
		OrderID:      id,
		BaseSize:     j.BaseSize,
		Delete:       j.Delete,
		CallbackInfo: info,
	}, nil
}

type priceJSON struct {
	PriceAccount  string `json:"price_account"`
	Price         int64  `json:"price"`
	Expo          int32  `json:"expo"`
	Conf          uint64 `json:"conf"`
	Status        string `json:"status"`
	PublishTimeUs int64  `json:"publish_time_us"`
}

// ParsePriceAggregate decodes an external feed aggregate and the price
// account it belongs to.
func ParsePriceAggregate(data []byte) (ledger.Key, oracle.Aggregate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return ledger.Key{}, oracle.Aggregate{}, fmt.Errorf("parse price aggregate: %w", err)
	}
	ref, err := ledger.ParseKey(j.PriceAccount)
	if err != nil {
		return ledger.Key{}, oracle.Aggregate{}, fmt.Errorf("parse price_account: %w", err)
	}
	return ref, oracle.Aggregate{
		Price:       j.Price,
		Expo:        j.Expo,
		Conf:        j.Conf,
		Status:      parseFeedStatus(j.Status),
		PublishTime: time.UnixMicro(j.PublishTimeUs),
	}, nil
}

func parseFeedStatus(s string) oracle.FeedStatus {
	switch strings.ToLower(s) {
	case "trading":
		return oracle.FeedTrading
	case "halted":
		return oracle.FeedHalted
	case "auction":
		return oracle.FeedAuction
	default:
		return oracle.FeedUnknown
	}
}

// MarketFromSubject extracts the market key from "<prefix>.<market hex>".
func MarketFromSubject(subject, prefix string) (ledger.Key, error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return ledger.Key{}, fmt.Errorf("subject %q does not match %s.<market>", subject, prefix)
	}
	return ledger.ParseKey(rest)
}
