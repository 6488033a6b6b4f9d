package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"TermLedger/internal/core"
	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Code    string      `json:"code"`
	Kind    ledger.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
}

// CodeOf maps a ledger error onto a gRPC status code.
func CodeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, core.ErrStubsDisabled):
		return codes.Unimplemented
	case errors.Is(err, custody.ErrInsufficientBalance):
		return codes.FailedPrecondition
	}

	switch ledger.Classify(err) {
	case ledger.KindInsufficientFunds:
		return codes.FailedPrecondition
	case ledger.KindCapacityExceeded:
		return codes.ResourceExhausted
	case ledger.KindInvalidAccount:
		return codes.InvalidArgument
	case ledger.KindBusinessRule:
		return codes.Aborted
	case ledger.KindOracleUnavailable:
		return codes.Unavailable
	case ledger.KindNotFound:
		return codes.NotFound
	}

	switch {
	case errors.Is(err, core.ErrNothingApplied):
		return codes.FailedPrecondition
	case errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	}
	return codes.Internal
}

var errBadRequest = errors.New("bad request")

func writeError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	kind := ledger.Classify(err)
	if kind == ledger.KindInternal && code != codes.Internal {
		kind = ledger.KindNone
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{
		Code:    code.String(),
		Kind:    kind,
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
