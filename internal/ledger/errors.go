package ledger

import "errors"

// Failure taxonomy. Call sites wrap these with context; classify with errors.Is.
var (
	// ErrInsufficientFunds: amount exceeds free balance or borrowing capacity.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrCapacityExceeded: a bounded set or the market debt array is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidAccountData: wrong vault, account/market mismatch, malformed data.
	ErrInvalidAccountData = errors.New("invalid account data")
	// ErrBusinessRule: the caller's view of ledger state is stale or the action
	// is not permitted in the current state.
	ErrBusinessRule = errors.New("business rule violation")
	// ErrOracleUnavailable: no usable price.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrNotFound: the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind is the taxonomy bucket of an error, for metrics labels and API mapping.
type Kind string

const (
	KindNone              Kind = ""
	KindInsufficientFunds Kind = "insufficient_funds"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindInvalidAccount    Kind = "invalid_account_data"
	KindBusinessRule      Kind = "business_rule_violation"
	KindOracleUnavailable Kind = "oracle_unavailable"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrInvalidAccountData):
		return KindInvalidAccount
	case errors.Is(err, ErrBusinessRule):
		return KindBusinessRule
	case errors.Is(err, ErrOracleUnavailable):
		return KindOracleUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
