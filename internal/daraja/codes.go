package daraja

// Gateway result codes observed in STK callbacks and status queries.
const (
	ResultSuccess           = 0
	ResultInsufficientFunds = 1
	ResultCancelledByUser   = 1032
	ResultTimeout           = 1037
	ResultInvalidInitiator  = 2001
)

// Outcome classifies a gateway result code into a payment outcome.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeDeclined  Outcome = "declined"
)

// ClassifyResultCode maps a gateway result code to an outcome. Unknown
// non-zero codes are treated as declines.
func ClassifyResultCode(code int) Outcome {
	switch code {
	case ResultSuccess:
		return OutcomeSettled
	case ResultCancelledByUser:
		return OutcomeCancelled
	case ResultTimeout:
		return OutcomeTimedOut
	default:
		return OutcomeDeclined
	}
}
