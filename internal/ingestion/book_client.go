package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"

	"github.com/nats-io/nats.go"
)

// BookRPCPrefix roots matching-engine requests:
// lending.book.rpc.{place|cancel}.{book}
const BookRPCPrefix = "lending.book.rpc"

// ErrEngineRejected wraps a refusal reported by the matching engine.
var ErrEngineRejected = errors.New("matching engine rejected request")

// Requester is the slice of *nats.Conn the book client uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// BookClient is an orderbook.Engine that forwards placements and
// cancellations to the matching engine over NATS request/reply.
type BookClient struct {
	nc      Requester
	timeout time.Duration
}

func NewBookClient(nc Requester, timeout time.Duration) *BookClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BookClient{nc: nc, timeout: timeout}
}

type placeRequest struct {
	Side         orderbook.Side `json:"side"`
	LimitPrice   uint64         `json:"limit_price"`
	MaxBaseQty   uint64         `json:"max_base_qty"`
	CallbackInfo string         `json:"callback_info"`
}

type cancelRequest struct {
	OrderID orderbook.OrderID `json:"order_id"`
}

type bookReply struct {
	Summary orderbook.Summary `json:"summary"`
	Error   string            `json:"error,omitempty"`
}

func (c *BookClient) Place(ctx context.Context, book [32]byte, p orderbook.PlaceParams) (orderbook.Summary, error) {
	return c.call(ctx, "place", book, placeRequest{
		Side:         p.Side,
		LimitPrice:   p.LimitPrice,
		MaxBaseQty:   p.MaxBaseQty,
		CallbackInfo: hex.EncodeToString(p.CallbackInfo),
	})
}

func (c *BookClient) Cancel(ctx context.Context, book [32]byte, id orderbook.OrderID) (orderbook.Summary, error) {
	return c.call(ctx, "cancel", book, cancelRequest{OrderID: id})
}

func (c *BookClient) call(ctx context.Context, op string, book [32]byte, req any) (orderbook.Summary, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return orderbook.Summary{}, fmt.Errorf("marshal %s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s.%s", BookRPCPrefix, op, ledger.Key(book))
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return orderbook.Summary{}, fmt.Errorf("book %s: %w", op, err)
	}

	var reply bookReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return orderbook.Summary{}, fmt.Errorf("book %s reply: %w", op, err)
	}
	if reply.Error != "" {
		return orderbook.Summary{}, fmt.Errorf("%w: %s: %s", ErrEngineRejected, op, reply.Error)
	}
	return reply.Summary, nil
}
