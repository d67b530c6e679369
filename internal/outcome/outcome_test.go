package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		code    int
		status  Status
		message string
	}{
		{name: "generic failure", code: ResultErrorGenericFailure, status: StatusFailedRetrying, message: "Generic failure"},
		{name: "radio off", code: ResultErrorRadioOff, status: StatusFailedRetrying, message: "Radio off"},
		{name: "no service", code: ResultErrorNoService, status: StatusFailedRetrying, message: "No service"},
		{name: "null pdu", code: ResultErrorNullPDU, status: StatusFailedPermanent, message: "Invalid message"},
		{name: "unknown", code: 42, status: StatusFailedRetrying, message: "Unknown error"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Classify(PhaseSent, tt.code)
			assert.True(t, v.Notify)
			assert.Equal(t, tt.status, v.Status)
			require.NotNil(t, v.ErrorCode)
			assert.Equal(t, tt.code, *v.ErrorCode)
			require.NotNil(t, v.ErrorMessage)
			assert.Equal(t, tt.message, *v.ErrorMessage)
		})
	}
}

func TestClassifyOK(t *testing.T) {
	t.Parallel()

	sent := Classify(PhaseSent, ResultOK)
	assert.Equal(t, Verdict{Status: StatusSent, Notify: true}, sent)

	delivered := Classify(PhaseDelivered, ResultOK)
	assert.Equal(t, Verdict{Status: StatusDelivered, Notify: true}, delivered)
}

func TestClassifyDeliveryFailureIsSilent(t *testing.T) {
	t.Parallel()
	for _, code := range []int{ResultErrorGenericFailure, ResultErrorRadioOff, ResultErrorNullPDU, ResultErrorNoService, 0, 99} {
		v := Classify(PhaseDelivered, code)
		assert.False(t, v.Notify, "code %d", code)
		assert.Empty(t, v.Status, "code %d", code)
	}
}

func TestParsePhase(t *testing.T) {
	t.Parallel()
	p, err := ParsePhase("delivered")
	require.NoError(t, err)
	assert.Equal(t, PhaseDelivered, p)

	_, err = ParsePhase("queued")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Radio off", Describe(ResultErrorRadioOff))
	assert.Equal(t, "Unknown error", Describe(1234))
	assert.Equal(t, "OK", Describe(ResultOK))
}
