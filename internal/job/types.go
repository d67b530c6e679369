package job

import (
	"time"

	"smsgate/internal/outcome"
)

// DefaultMaxRetries is applied when a submit request leaves the budget unset.
const DefaultMaxRetries = 3

// SentState is the outcome of a fragment's "sent" phase.
type SentState string

const (
	SentPending         SentState = "pending"
	SentOK              SentState = "sent"
	SentFailedRetrying  SentState = "failed_retrying"
	SentFailedPermanent SentState = "failed_permanent"
)

// SentStateOf maps a classified sent-phase status to fragment state.
func SentStateOf(st outcome.Status) SentState {
	switch st {
	case outcome.StatusSent:
		return SentOK
	case outcome.StatusFailedRetrying:
		return SentFailedRetrying
	case outcome.StatusFailedPermanent:
		return SentFailedPermanent
	default:
		return SentPending
	}
}

// DeliveryState is the outcome of a fragment's "delivered" phase.
// Carriers may never report delivery; pending is not an error.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryUnknown   DeliveryState = "unknown"
)

// Fragment is one split piece of a job's body.
type Fragment struct {
	Index       int           `json:"index"`
	Text        string        `json:"-"`
	Sent        SentState     `json:"sent"`
	SentCode    *int          `json:"sentCode,omitempty"`
	Delivery    DeliveryState `json:"delivery"`
	SentAt      *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
}

// Job is the registry's view of one send request. Fragments are fixed at
// registration time; only their state changes afterwards.
type Job struct {
	ID          string
	Destination string
	MaxRetries  int
	Fragments   []Fragment
}

// New builds a job with one pending fragment per piece.
func New(id, destination string, maxRetries int, pieces []string) Job {
	if maxRetries < 0 {
		maxRetries = 0
	}
	frags := make([]Fragment, len(pieces))
	for i, p := range pieces {
		frags[i] = Fragment{Index: i, Text: p, Sent: SentPending, Delivery: DeliveryPending}
	}
	return Job{ID: id, Destination: destination, MaxRetries: maxRetries, Fragments: frags}
}

// Update describes a single fragment mutation. Exactly one of the phases is set.
type Update struct {
	Phase    outcome.Phase
	Sent     SentState
	Delivery DeliveryState
	Code     *int
	At       time.Time
}

// Snapshot is an immutable copy of a job's state.
type Snapshot struct {
	ID          string     `json:"jobId"`
	Destination string     `json:"to"`
	MaxRetries  int        `json:"maxRetries"`
	Fragments   []Fragment `json:"fragments"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Aggregate is the job-wide status derived from fragment state.
type Aggregate string

const (
	AggregateSending         Aggregate = "sending"
	AggregateSent            Aggregate = "sent"
	AggregateDelivered       Aggregate = "delivered"
	AggregateFailedRetrying  Aggregate = "failed_retrying"
	AggregateFailedPermanent Aggregate = "failed_permanent"
)

// ParseAggregate validates a status filter value.
func ParseAggregate(s string) (Aggregate, bool) {
	switch a := Aggregate(s); a {
	case AggregateSending, AggregateSent, AggregateDelivered, AggregateFailedRetrying, AggregateFailedPermanent:
		return a, true
	}
	return "", false
}

// Status folds fragment state into one value. A permanent failure on any
// fragment dominates, then a retryable one; delivered requires every fragment.
func (s Snapshot) Status() Aggregate {
	var sent, delivered, retrying, permanent int
	for _, f := range s.Fragments {
		switch f.Sent {
		case SentOK:
			sent++
		case SentFailedRetrying:
			retrying++
		case SentFailedPermanent:
			permanent++
		}
		if f.Delivery == DeliveryDelivered {
			delivered++
		}
	}
	n := len(s.Fragments)
	switch {
	case permanent > 0:
		return AggregateFailedPermanent
	case retrying > 0:
		return AggregateFailedRetrying
	case n > 0 && delivered == n:
		return AggregateDelivered
	case n > 0 && sent == n:
		return AggregateSent
	default:
		return AggregateSending
	}
}

// Settled reports whether every fragment has a sent-phase outcome.
func (s Snapshot) Settled() bool {
	for _, f := range s.Fragments {
		if f.Sent == SentPending {
			return false
		}
	}
	return true
}
