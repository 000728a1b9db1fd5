package bybit

import (
	"errors"
	"fmt"
	"net/http"

	"tradecore/internal/domain"
)

// Venue return codes with a fixed classification. Anything not listed is fatal.
var codeClass = map[int]domain.Outcome{
	0: domain.OutcomeSuccess,

	// transient server side or rate limiting
	10000: domain.OutcomeRetryable, // server timeout
	10006: domain.OutcomeRetryable, // too many visits
	10016: domain.OutcomeRetryable, // internal server error
	10018: domain.OutcomeRetryable, // IP rate limit
	10429: domain.OutcomeRetryable, // system frequency protection
	30034: domain.OutcomeRetryable,
	30035: domain.OutcomeRetryable,

	// auth, permission and malformed requests
	10001:  domain.OutcomeFatal, // parameter error
	10002:  domain.OutcomeFatal, // timestamp outside recv_window
	10003:  domain.OutcomeFatal, // invalid api key
	10004:  domain.OutcomeFatal, // signature error
	10005:  domain.OutcomeFatal, // permission denied
	10007:  domain.OutcomeFatal, // user authentication failed
	10010:  domain.OutcomeFatal, // unmatched IP
	110007: domain.OutcomeFatal, // insufficient balance
	110017: domain.OutcomeFatal, // reduce-only rule

	// target order already gone
	110001: domain.OutcomeNoop, // order does not exist
	110008: domain.OutcomeNoop, // order already finished or cancelled
	110010: domain.OutcomeNoop, // order already cancelled
}

// codeDuplicateClientID rejects a create whose orderLinkId was already used.
const codeDuplicateClientID = 110072

// noopOnlyForMutations lists codes that mean "already gone" only for amend/cancel.
var noopOnlyForMutations = map[int]bool{
	10009: true, // order not found (older endpoints)
}

// Classify maps a venue return code to an outcome. mutation is true for amend and cancel.
func Classify(code int, mutation bool) domain.Outcome {
	if mutation && noopOnlyForMutations[code] {
		return domain.OutcomeNoop
	}
	if oc, ok := codeClass[code]; ok {
		if oc == domain.OutcomeNoop && !mutation {
			return domain.OutcomeFatal
		}
		return oc
	}
	return domain.OutcomeFatal
}

// ClassifyHTTP maps a transport-level status to an outcome.
func ClassifyHTTP(status int) domain.Outcome {
	switch {
	case status >= 200 && status < 300:
		return domain.OutcomeSuccess
	case status == http.StatusTooManyRequests, status >= 500:
		return domain.OutcomeRetryable
	default:
		return domain.OutcomeFatal
	}
}

// APIError is a classified failure returned by the venue or the transport.
type APIError struct {
	Op         string
	Code       int // venue retCode, 0 for transport errors
	Msg        string
	HTTPStatus int
	Outcome    domain.Outcome
	Err        error // underlying transport error, if any
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("bybit %s: %s: %v", e.Op, e.Outcome, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("bybit %s: %s: code %d: %s", e.Op, e.Outcome, e.Code, e.Msg)
	default:
		return fmt.Sprintf("bybit %s: %s: http %d", e.Op, e.Outcome, e.HTTPStatus)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool { return e.Outcome == domain.OutcomeRetryable }

// OutcomeOf extracts the classification of err; unknown errors are fatal.
func OutcomeOf(err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeSuccess
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Outcome
	}
	return domain.OutcomeFatal
}
