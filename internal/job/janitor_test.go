package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "smsgate/pkg/logx"
)

func TestJanitorSweepEvictsIdleJobs(t *testing.T) {
	t.Parallel()
	clk := newClock()
	reg := NewRegistry(WithClock(clk.Now))
	require.NoError(t, reg.Register(New("idle", "+1", 3, []string{"x"})))
	clk.Advance(time.Hour)
	require.NoError(t, reg.Register(New("fresh", "+1", 3, []string{"x"})))

	j := NewJanitor(JanitorConfig{RetainFor: 30 * time.Minute}, reg, logx.Nop())
	j.now = clk.Now

	assert.Equal(t, 1, j.Sweep())
	assert.Equal(t, 1, reg.Len())
	_, err := reg.Lookup("fresh")
	assert.NoError(t, err)
	assert.Equal(t, 0, j.Sweep())
}

func TestJanitorActivityKeepsJobAlive(t *testing.T) {
	t.Parallel()
	clk := newClock()
	reg := NewRegistry(WithClock(clk.Now))
	require.NoError(t, reg.Register(New("A", "+1", 3, []string{"x"})))

	clk.Advance(50 * time.Minute)
	_, err := reg.UpdateFragment("A", 0, Update{Phase: "sent", Sent: SentOK})
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)

	j := NewJanitor(JanitorConfig{RetainFor: 30 * time.Minute}, reg, logx.Logger{})
	j.now = clk.Now
	assert.Equal(t, 0, j.Sweep())
}

func TestJanitorDisabled(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	require.NoError(t, reg.Register(New("A", "+1", 3, []string{"x"})))

	j := NewJanitor(JanitorConfig{}, reg, logx.Nop())
	j.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.False(t, j.Enabled())
	require.NoError(t, j.Start(context.Background()))
	assert.Equal(t, 0, j.Sweep())
	assert.Equal(t, 1, reg.Len())
	j.Stop(context.Background())
}

func TestJanitorApplyRestarts(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	j := NewJanitor(JanitorConfig{}, reg, logx.Nop())
	ctx := context.Background()

	require.NoError(t, j.Apply(ctx, JanitorConfig{RetainFor: time.Minute, Schedule: "@every 1h"}))
	assert.True(t, j.Enabled())
	require.Error(t, j.Apply(ctx, JanitorConfig{RetainFor: time.Minute, Schedule: "not a schedule"}))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	j.Stop(stopCtx)
}

func TestJanitorStopsWithContext(t *testing.T) {
	t.Parallel()
	j := NewJanitor(JanitorConfig{RetainFor: time.Minute, Schedule: "@every 1h"}, NewRegistry(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, j.Start(ctx))
	assert.True(t, j.running())

	cancel()
	assert.Eventually(t, func() bool { return !j.running() }, 2*time.Second, 10*time.Millisecond)
	// Stop after the context already released the schedule is a no-op.
	j.Stop(context.Background())

	assert.ErrorIs(t, j.Start(ctx), context.Canceled)
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.NoError(t, ValidateSchedule("*/10 * * * * *"))
	assert.Error(t, ValidateSchedule("bogus"))
}
