package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"TermLedger/internal/core"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/projection"
	"TermLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Ledger is the settlement surface exposed over HTTP.
type Ledger interface {
	Deposit(ctx context.Context, req core.TransferRequest) error
	Withdraw(ctx context.Context, req core.TransferRequest) error
	NewOrder(ctx context.Context, req core.OrderRequest) (orderbook.Summary, error)
	CancelMyOrder(ctx context.Context, market, owner ledger.Key, id orderbook.OrderID) (orderbook.Summary, error)
	CancelRiskyOrder(ctx context.Context, market, owner ledger.Key, id orderbook.OrderID) (orderbook.Summary, error)
	ConsumeOrderEvents(ctx context.Context, market ledger.Key, maxIterations int, accounts []ledger.Key) (core.ConsumeResult, error)
	SettleDebt(ctx context.Context, req core.SettleRequest) (uint64, error)
	LiquidateDebts(ctx context.Context, req core.LiquidationRequest) (core.LiquidationReceipt, error)
	SetStubPrice(ctx context.Context, req core.StubPriceRequest) error
}

// History serves the recorded notification log.
type History interface {
	Recent(ctx context.Context, market ledger.Key, typ core.NotificationType, limit int) ([]projection.Entry, error)
}

type route struct {
	method  string
	pattern string
	name    string
	handler runtime.HandlerFunc
}

// api binds HTTP routes to the ledger and query service.
type api struct {
	ledger  Ledger
	query   *query.QueryService
	history History
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (a *api) routes() []route {
	routes := []route{
		{"GET", "/v1/markets/{market}", "get_market", a.getMarket},
		{"GET", "/v1/markets/{market}/accounts/{owner}", "get_account", a.getAccount},
		{"GET", "/v1/markets/{market}/debts/{debt_id}", "get_debt", a.getDebt},

		{"POST", "/v1/markets/{market}/deposits", "deposit", a.deposit},
		{"POST", "/v1/markets/{market}/withdrawals", "withdraw", a.withdraw},
		{"POST", "/v1/markets/{market}/orders", "new_order", a.newOrder},
		{"DELETE", "/v1/markets/{market}/orders/{order_id}", "cancel_my_order", a.cancelMyOrder},
		{"POST", "/v1/markets/{market}/orders/{order_id}/risky-cancel", "cancel_risky_order", a.cancelRiskyOrder},
		{"POST", "/v1/markets/{market}/consume", "consume_order_events", a.consume},
		{"POST", "/v1/markets/{market}/debts/{debt_id}/settle", "settle_debt", a.settle},
		{"POST", "/v1/markets/{market}/liquidations", "liquidate_debts", a.liquidate},
		{"PUT", "/v1/markets/{market}/stub-price", "set_stub_price", a.setStubPrice},
	}
	if a.history != nil {
		routes = append(routes, route{"GET", "/v1/markets/{market}/history", "get_history", a.getHistory})
	}
	return routes
}

// register installs every route on mux, instrumented.
func (a *api) register(mux *runtime.ServeMux) error {
	for _, r := range a.routes() {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.name, r.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if a.metrics != nil {
			a.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			a.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		ev := a.log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = a.log.Error()
		}
		ev.Str("route", name).Int("status", rec.status).Dur("took", time.Since(start)).Msg("request")
	}
}

// --- Queries ---

func (a *api) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := keyParam(params, "market")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := a.query.GetMarket(r.Context(), market)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := keyParam(params, "market")
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := keyParam(params, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := a.query.GetAccount(r.Context(), market, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) getDebt(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := keyParam(params, "market")
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := debtParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := a.query.GetDebt(r.Context(), market, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := keyParam(params, "market")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, fmt.Errorf("%w: limit: %v", errBadRequest, err))
			return
		}
	}
	entries, err := a.history.Recent(r.Context(), market, core.NotificationType(r.URL.Query().Get("type")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- Settlement operations ---

func (a *api) deposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a.transfer(w, r, params, a.ledger.Deposit)
}

func (a *api) withdraw(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a.transfer(w, r, params, a.ledger.Withdraw)
}

func (a *api) transfer(w http.ResponseWriter, r *http.Request, params map[string]string, op func(context.Context, core.TransferRequest) error) {
	var req core.TransferRequest
	market, err := decodeMarketBody(r, params, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	req.Market = market
	if err := op(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) newOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req core.OrderRequest
	market, err := decodeMarketBody(r, params, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	req.Market = market
	summary, err := a.ledger.NewOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *api) cancelMyOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, id, err := orderParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := ledger.ParseKey(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: owner: %v", errBadRequest, err))
		return
	}
	summary, err := a.ledger.CancelMyOrder(r.Context(), market, owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type ownerBody struct {
	Owner ledger.Key `json:"owner"`
}

func (a *api) cancelRiskyOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, id, err := orderParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var body ownerBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	summary, err := a.ledger.CancelRiskyOrder(r.Context(), market, body.Owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type consumeBody struct {
	MaxIterations int          `json:"max_iterations"`
	Accounts      []ledger.Key `json:"accounts"`
}

type consumeResponse struct {
	core.ConsumeResult
	StopReason string `json:"stop_reason,omitempty"`
}

func (a *api) consume(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body consumeBody
	market, err := decodeMarketBody(r, params, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.ledger.ConsumeOrderEvents(r.Context(), market, body.MaxIterations, body.Accounts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := consumeResponse{ConsumeResult: res}
	if res.StopErr != nil {
		out.StopReason = res.StopErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

type settleBody struct {
	Borrower ledger.Key `json:"borrower"`
	Lender   ledger.Key `json:"lender"`
}

func (a *api) settle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body settleBody
	market, err := decodeMarketBody(r, params, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := debtParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	repaid, err := a.ledger.SettleDebt(r.Context(), core.SettleRequest{
		Market: market, Borrower: body.Borrower, Lender: body.Lender, DebtID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"debt_id": id, "repaid": repaid})
}

func (a *api) liquidate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req core.LiquidationRequest
	market, err := decodeMarketBody(r, params, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	req.Market = market
	receipt, err := a.ledger.LiquidateDebts(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *api) setStubPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req core.StubPriceRequest
	market, err := decodeMarketBody(r, params, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	req.Market = market
	if err := a.ledger.SetStubPrice(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Helpers ---

func keyParam(params map[string]string, name string) (ledger.Key, error) {
	k, err := ledger.ParseKey(params[name])
	if err != nil {
		return ledger.Key{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return k, nil
}

func debtParam(params map[string]string) (uint16, error) {
	id, err := strconv.ParseUint(params["debt_id"], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: debt_id: %v", errBadRequest, err)
	}
	return uint16(id), nil
}

func orderParams(params map[string]string) (ledger.Key, orderbook.OrderID, error) {
	market, err := keyParam(params, "market")
	if err != nil {
		return ledger.Key{}, orderbook.OrderID{}, err
	}
	id, err := orderbook.ParseOrderID(params["order_id"])
	if err != nil {
		return ledger.Key{}, orderbook.OrderID{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return market, id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func decodeMarketBody(r *http.Request, params map[string]string, v any) (ledger.Key, error) {
	market, err := keyParam(params, "market")
	if err != nil {
		return ledger.Key{}, err
	}
	return market, decodeBody(r, v)
}
