// Package outcome maps native transport result codes to job statuses.
//
// A failed "sent" callback is always surfaced, as retryable or permanent. A
// failed "delivered" callback is never surfaced.
package outcome

import "fmt"

// Phase identifies which transport callback a result code belongs to.
type Phase string

const (
	PhaseSent      Phase = "sent"
	PhaseDelivered Phase = "delivered"
)

func (p Phase) Valid() bool { return p == PhaseSent || p == PhaseDelivered }

// ParsePhase accepts the callback phase names used on the wire.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown callback phase %q", s)
	}
	return p, nil
}

// Status is the job-level status carried by notifications.
type Status string

const (
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusFailedRetrying  Status = "failed_retrying"
	StatusFailedPermanent Status = "failed_permanent"
)

func (s Status) String() string { return string(s) }

// Result codes reported by the device radio stack.
const (
	ResultOK                  = -1
	ResultErrorGenericFailure = 1
	ResultErrorRadioOff       = 2
	ResultErrorNullPDU        = 3
	ResultErrorNoService      = 4
)

type knownError struct {
	status  Status
	message string
}

var sentErrors = map[int]knownError{
	ResultErrorGenericFailure: {StatusFailedRetrying, "Generic failure"},
	ResultErrorRadioOff:       {StatusFailedRetrying, "Radio off"},
	ResultErrorNoService:      {StatusFailedRetrying, "No service"},
	ResultErrorNullPDU:        {StatusFailedPermanent, "Invalid message"},
}

const unknownErrorMessage = "Unknown error"

// Verdict is the classification of one callback.
//
// Notify is false when the callback must not produce a notification
// (failed or missing delivery reports). ErrorCode and ErrorMessage are nil on success.
type Verdict struct {
	Status       Status
	ErrorCode    *int
	ErrorMessage *string
	Notify       bool
}

// Classify maps (phase, code) to a verdict. It is pure and safe for concurrent use.
func Classify(phase Phase, code int) Verdict {
	switch phase {
	case PhaseSent:
		if code == ResultOK {
			return Verdict{Status: StatusSent, Notify: true}
		}
		if known, ok := sentErrors[code]; ok {
			return failure(known.status, code, known.message)
		}
		// Unrecognized codes are treated as transient rather than silently permanent.
		return failure(StatusFailedRetrying, code, unknownErrorMessage)
	case PhaseDelivered:
		if code == ResultOK {
			return Verdict{Status: StatusDelivered, Notify: true}
		}
		return Verdict{ErrorCode: intPtr(code), Notify: false}
	default:
		return Verdict{}
	}
}

// Describe returns the fixed message for a result code.
func Describe(code int) string {
	if code == ResultOK {
		return "OK"
	}
	if known, ok := sentErrors[code]; ok {
		return known.message
	}
	return unknownErrorMessage
}

func failure(st Status, code int, msg string) Verdict {
	return Verdict{Status: st, ErrorCode: intPtr(code), ErrorMessage: &msg, Notify: true}
}

func intPtr(v int) *int { return &v }
