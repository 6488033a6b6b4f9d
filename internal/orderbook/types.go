package orderbook

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Side of an order. Bids borrow, asks lend.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide accepts "bid"/"ask" (case-insensitive) or "0"/"1".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "bid", "0":
		return Bid, nil
	case "ask", "1":
		return Ask, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderID is a 128-bit order identifier. The high word carries the limit
// price (for this market, the interest rate). The low word carries the
// sequence number, bit-inverted for bids so that bid ids sort by price-time.
type OrderID struct {
	Hi uint64
	Lo uint64
}

// NewOrderID builds the identifier of the seq-th order posted on side at price.
func NewOrderID(side Side, price, seq uint64) OrderID {
	if side == Bid {
		seq = ^seq
	}
	return OrderID{Hi: price, Lo: seq}
}

// Price returns the limit price component.
func (id OrderID) Price() uint64 { return id.Hi }

// Side decodes the side from the top bit of the sequence word.
func (id OrderID) Side() Side {
	if id.Lo>>63 == 1 {
		return Bid
	}
	return Ask
}

func (id OrderID) IsZero() bool { return id.Hi == 0 && id.Lo == 0 }

// String renders the id as 32 big-endian hex digits.
func (id OrderID) String() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:], id.Lo)
	return hex.EncodeToString(b[:])
}

// ParseOrderID is the inverse of String.
func ParseOrderID(s string) (OrderID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return OrderID{}, fmt.Errorf("order id: %w", err)
	}
	if len(b) != 16 {
		return OrderID{}, fmt.Errorf("order id: want 16 bytes, got %d", len(b))
	}
	return OrderID{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OrderID) UnmarshalText(b []byte) error {
	v, err := ParseOrderID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// EventKind discriminates queue entries.
type EventKind uint8

const (
	EventFill EventKind = iota + 1
	EventOut
)

func (k EventKind) String() string {
	switch k {
	case EventFill:
		return "fill"
	case EventOut:
		return "out"
	default:
		return "unknown"
	}
}

// Fill reports a match between a resting maker order and a taker.
type Fill struct {
	TakerSide         Side    `json:"taker_side"`
	MakerOrderID      OrderID `json:"maker_order_id"`
	QuoteSize         uint64  `json:"quote_size"`
	BaseSize          uint64  `json:"base_size"`
	MakerCallbackInfo []byte  `json:"maker_callback_info"`
	TakerCallbackInfo []byte  `json:"taker_callback_info"`
}

// Out reports an order reduced or removed without a match.
type Out struct {
	Side         Side    `json:"side"`
	OrderID      OrderID `json:"order_id"`
	BaseSize     uint64  `json:"base_size"`
	Delete       bool    `json:"delete"`
	CallbackInfo []byte  `json:"callback_info"`
}

// Event is one entry of the matching engine's FIFO queue. Exactly one of
// Fill and Out is set, matching Kind.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind EventKind `json:"kind"`
	Fill *Fill     `json:"fill,omitempty"`
	Out  *Out      `json:"out,omitempty"`
}

// CallbackInfos returns the opaque owner payloads the event echoes back.
func (e Event) CallbackInfos() [][]byte {
	switch {
	case e.Kind == EventFill && e.Fill != nil:
		return [][]byte{e.Fill.MakerCallbackInfo, e.Fill.TakerCallbackInfo}
	case e.Kind == EventOut && e.Out != nil:
		return [][]byte{e.Out.CallbackInfo}
	}
	return nil
}

// Validate checks the discriminator matches the payload.
func (e Event) Validate() error {
	switch e.Kind {
	case EventFill:
		if e.Fill == nil || e.Out != nil {
			return fmt.Errorf("fill event %d: malformed payload", e.Seq)
		}
	case EventOut:
		if e.Out == nil || e.Fill != nil {
			return fmt.Errorf("out event %d: malformed payload", e.Seq)
		}
	default:
		return fmt.Errorf("event %d: unknown kind %d", e.Seq, e.Kind)
	}
	return nil
}

// Summary is returned by order placement and cancellation.
type Summary struct {
	PostedOrderID *OrderID `json:"posted_order_id,omitempty"`
	TotalBaseQty  uint64   `json:"total_base_qty"`
	TotalQuoteQty uint64   `json:"total_quote_qty"`
}

// PlaceParams describes a new limit order.
type PlaceParams struct {
	Side         Side
	LimitPrice   uint64
	MaxBaseQty   uint64
	CallbackInfo []byte
}

// Engine is the matching engine collaborator. book identifies the order
// book account a market references.
type Engine interface {
	Place(ctx context.Context, book [32]byte, params PlaceParams) (Summary, error)
	Cancel(ctx context.Context, book [32]byte, id OrderID) (Summary, error)
}
