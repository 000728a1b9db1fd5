package domain

// Outcome classifies the result of a venue call.
type Outcome int

const (
	OutcomeSuccess   Outcome = iota
	OutcomeNoop              // target already gone; treated as success
	OutcomeRetryable         // transient; safe to retry
	OutcomeFatal             // never retried
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoop:
		return "noop"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// OK reports whether the call achieved its intended end state.
func (o Outcome) OK() bool {
	return o == OutcomeSuccess || o == OutcomeNoop
}
