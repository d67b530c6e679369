package transport

import (
	"context"
	"fmt"

	"smsgate/internal/outcome"
)

// Token correlates one transport callback with the fragment it reports on.
// A token is issued per fragment per phase before the fragments are transmitted.
type Token struct {
	JobID    string        `json:"jobId"`
	Fragment int           `json:"part"`
	Phase    outcome.Phase `json:"phase"`
}

func (t Token) String() string {
	return fmt.Sprintf("%s#%d/%s", t.JobID, t.Fragment, t.Phase)
}

// Tokens builds the sent and delivery tokens for a job with n fragments.
func Tokens(jobID string, n int) (sent, delivery []Token) {
	sent = make([]Token, n)
	delivery = make([]Token, n)
	for i := 0; i < n; i++ {
		sent[i] = Token{JobID: jobID, Fragment: i, Phase: outcome.PhaseSent}
		delivery[i] = Token{JobID: jobID, Fragment: i, Phase: outcome.PhaseDelivered}
	}
	return sent, delivery
}

// Transport is the device radio capability.
//
// Split must be deterministic for a given body. TransmitMultipart returns an
// error only for immediate dispatch failures; per-fragment outcomes arrive later
// through Callbacks, carrying back the tokens passed here.
type Transport interface {
	Split(body string) ([]string, error)
	TransmitMultipart(ctx context.Context, destination string, fragments []string, sent, delivery []Token) error
}

// Callbacks receives asynchronous per-fragment results from a Transport.
type Callbacks interface {
	OnSentResult(jobID string, fragment int, code int)
	OnDeliveredResult(jobID string, fragment int, code int)
}

// Deliver routes a token-carrying result to the matching Callbacks method.
func Deliver(cb Callbacks, tok Token, code int) error {
	if cb == nil {
		return nil
	}
	switch tok.Phase {
	case outcome.PhaseSent:
		cb.OnSentResult(tok.JobID, tok.Fragment, code)
	case outcome.PhaseDelivered:
		cb.OnDeliveredResult(tok.JobID, tok.Fragment, code)
	default:
		return fmt.Errorf("token %s: unknown phase", tok)
	}
	return nil
}

// Binder is implemented by transports that call back in-process.
// The app binds the shared correlator once at startup.
type Binder interface {
	Bind(cb Callbacks)
}

// DeviceStatus describes the handset link behind a transport.
type DeviceStatus struct {
	Driver    string `json:"driver"`
	Reachable bool   `json:"reachable"`
	Detail    string `json:"detail,omitempty"`
}

// Prober is implemented by transports that can check their device link.
type Prober interface {
	Probe(ctx context.Context) DeviceStatus
}
