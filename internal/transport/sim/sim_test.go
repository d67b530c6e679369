package sim

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgate/internal/outcome"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

type result struct {
	phase    outcome.Phase
	jobID    string
	fragment int
	code     int
}

type sink struct {
	mu  sync.Mutex
	got []result
}

func (s *sink) OnSentResult(jobID string, fragment int, code int) {
	s.add(result{outcome.PhaseSent, jobID, fragment, code})
}

func (s *sink) OnDeliveredResult(jobID string, fragment int, code int) {
	s.add(result{outcome.PhaseDelivered, jobID, fragment, code})
}

func (s *sink) add(r result) {
	s.mu.Lock()
	s.got = append(s.got, r)
	s.mu.Unlock()
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *sink) all() []result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]result(nil), s.got...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.SentDelay = time.Millisecond
	cfg.DeliveryDelay = time.Millisecond
	return cfg
}

func TestSplit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		body  string
		parts int
	}{
		{"empty", "", 0},
		{"short", "hi", 1},
		{"gsm single limit", strings.Repeat("a", 160), 1},
		{"gsm two parts", strings.Repeat("a", 161), 2},
		{"gsm three parts", strings.Repeat("a", 307), 3},
		{"extended chars cost two", strings.Repeat("€", 81), 2},
		{"ucs2 single limit", strings.Repeat("ж", 70), 1},
		{"ucs2 two parts", strings.Repeat("ж", 71), 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			parts := Split(tt.body)
			assert.Len(t, parts, tt.parts)
			assert.Equal(t, tt.body, strings.Join(parts, ""))
		})
	}
}

func TestSplitSegmentSizes(t *testing.T) {
	t.Parallel()
	parts := Split(strings.Repeat("a", 307))
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 153)
	assert.Len(t, parts[1], 153)
	assert.Len(t, parts[2], 1)

	parts = Split(strings.Repeat("ж", 140))
	require.Len(t, parts, 3)
	assert.Equal(t, 67, Len(parts[0]))
	assert.Equal(t, 6, Len(parts[2]))
}

func TestTransmitReportsBothPhases(t *testing.T) {
	t.Parallel()
	tr := New(fastConfig(), logx.Nop())
	s := &sink{}
	tr.Bind(s)

	frags, err := tr.Split(strings.Repeat("a", 200))
	require.NoError(t, err)
	sent, delivery := transport.Tokens("A", len(frags))
	require.NoError(t, tr.TransmitMultipart(context.Background(), "+1", frags, sent, delivery))

	require.Eventually(t, func() bool { return s.len() == 4 }, time.Second, 5*time.Millisecond)
	var sentSeen, deliveredSeen int
	for _, r := range s.all() {
		assert.Equal(t, "A", r.jobID)
		assert.Equal(t, outcome.ResultOK, r.code)
		if r.phase == outcome.PhaseSent {
			sentSeen++
		} else {
			deliveredSeen++
		}
	}
	assert.Equal(t, 2, sentSeen)
	assert.Equal(t, 2, deliveredSeen)
	assert.Equal(t, 0, tr.Pending())
}

func TestTransmitScript(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Scripts = map[string]Script{
		"+2": {Sent: []int{outcome.ResultOK, outcome.ResultErrorRadioOff}, Delivered: []*int{nil}},
	}
	tr := New(cfg, logx.Nop())
	s := &sink{}
	tr.Bind(s)

	sent, delivery := transport.Tokens("B", 2)
	require.NoError(t, tr.TransmitMultipart(context.Background(), "+2", []string{"x", "y"}, sent, delivery))

	require.Eventually(t, func() bool { return s.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := s.all()
	require.Len(t, got, 2, "no delivery reports expected")
	for _, r := range got {
		assert.Equal(t, outcome.PhaseSent, r.phase)
		if r.fragment == 1 {
			assert.Equal(t, outcome.ResultErrorRadioOff, r.code)
		}
	}
}

func TestTransmitErrors(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RejectPrefixes = []string{"+999"}
	tr := New(cfg, logx.Nop())
	sent, delivery := transport.Tokens("A", 1)

	err := tr.TransmitMultipart(context.Background(), "+1", []string{"x"}, sent, delivery)
	assert.ErrorIs(t, err, ErrNotBound)

	tr.Bind(&sink{})
	assert.Error(t, tr.TransmitMultipart(context.Background(), "+9995", []string{"x"}, sent, delivery))
	assert.Error(t, tr.TransmitMultipart(context.Background(), "+1", []string{"x", "y"}, sent, delivery))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.TransmitMultipart(ctx, "+1", []string{"x"}, sent, delivery), context.Canceled)
}

func TestCloseCancelsPending(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.SentDelay = time.Hour
	tr := New(cfg, logx.Nop())
	s := &sink{}
	tr.Bind(s)

	sent, delivery := transport.Tokens("A", 1)
	require.NoError(t, tr.TransmitMultipart(context.Background(), "+1", []string{"x"}, sent, delivery))
	assert.Equal(t, 2, tr.Pending())
	assert.True(t, tr.Probe(context.Background()).Reachable)
	require.NoError(t, tr.Close())
	assert.Equal(t, 0, tr.Pending())
	assert.False(t, tr.Probe(context.Background()).Reachable)
	assert.Error(t, tr.TransmitMultipart(context.Background(), "+1", []string{"x"}, sent, delivery))
	assert.Equal(t, 0, s.len())
}
