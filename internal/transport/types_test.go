package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgate/internal/outcome"
)

type recordingCallbacks struct {
	calls []string
}

func (r *recordingCallbacks) OnSentResult(jobID string, fragment int, code int) {
	r.calls = append(r.calls, Token{JobID: jobID, Fragment: fragment, Phase: outcome.PhaseSent}.String())
}

func (r *recordingCallbacks) OnDeliveredResult(jobID string, fragment int, code int) {
	r.calls = append(r.calls, Token{JobID: jobID, Fragment: fragment, Phase: outcome.PhaseDelivered}.String())
}

func TestTokens(t *testing.T) {
	t.Parallel()
	sent, delivery := Tokens("job-1", 3)
	require.Len(t, sent, 3)
	require.Len(t, delivery, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, Token{JobID: "job-1", Fragment: i, Phase: outcome.PhaseSent}, sent[i])
		assert.Equal(t, Token{JobID: "job-1", Fragment: i, Phase: outcome.PhaseDelivered}, delivery[i])
	}
}

func TestDeliverRoutesByPhase(t *testing.T) {
	t.Parallel()
	cb := &recordingCallbacks{}
	require.NoError(t, Deliver(cb, Token{JobID: "a", Fragment: 1, Phase: outcome.PhaseSent}, outcome.ResultOK))
	require.NoError(t, Deliver(cb, Token{JobID: "a", Fragment: 0, Phase: outcome.PhaseDelivered}, outcome.ResultOK))
	assert.Equal(t, []string{"a#1/sent", "a#0/delivered"}, cb.calls)

	assert.Error(t, Deliver(cb, Token{JobID: "a", Phase: "bogus"}, 0))
	assert.NoError(t, Deliver(nil, Token{JobID: "a", Phase: outcome.PhaseSent}, 0))
}
