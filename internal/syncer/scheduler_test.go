package syncer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
)

func seedRoster(h *harness) {
	h.central.students = []attendance.Student{{StudentID: "S1", EnrollmentCode: "E-1", IsActive: true}}
}

func TestScheduler_TickRunsDueCadences(t *testing.T) {
	h := newHarness(t, testConfig())
	seedRoster(h)
	s := NewScheduler(h.orch)
	ctx := context.Background()

	s.Tick(ctx)
	assert.Equal(t, 1, h.central.rosterCalls)
	assert.Len(t, h.central.cycleLogs(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("cleanup", "completed")))

	h.clock.Advance(time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 1, h.central.rosterCalls)
	assert.Len(t, h.central.cycleLogs(), 1)

	h.clock.Advance(4 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 1, h.central.rosterCalls)
	assert.Len(t, h.central.cycleLogs(), 2)

	h.clock.Advance(55 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 2, h.central.rosterCalls)
	assert.Len(t, h.central.cycleLogs(), 3)

	// Cleanup stays at one run for the calendar day.
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("cleanup", "completed")))
}

func TestScheduler_FailedPullRetriedNextTick(t *testing.T) {
	h := newHarness(t, testConfig())
	s := NewScheduler(h.orch)
	ctx := context.Background()

	s.Tick(ctx)
	assert.Equal(t, 1, h.central.rosterCalls)

	seedRoster(h)
	h.clock.Advance(time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 2, h.central.rosterCalls)

	h.clock.Advance(time.Minute)
	s.Tick(ctx)
	assert.Equal(t, 2, h.central.rosterCalls)
}

func TestScheduler_CleanupWaitsForHour(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupHour = 3
	h := newHarness(t, cfg)
	seedRoster(h)
	s := NewScheduler(h.orch)

	s.Tick(context.Background())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("cleanup", "completed")))

	h.clock.Advance(18 * time.Hour)
	s.Tick(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("cleanup", "completed")))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.StudentSyncInterval = 10 * time.Millisecond
	cfg.AttendanceSyncInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	seedRoster(h)
	s := NewScheduler(h.orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.central.cycleLogs()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_Eligible(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseBackoff: time.Minute}
	last := base

	assert.True(t, p.Eligible(0, nil, base))
	assert.False(t, p.Eligible(1, &last, base.Add(59*time.Second)))
	assert.True(t, p.Eligible(1, &last, base.Add(time.Minute)))
	assert.False(t, p.Eligible(2, &last, base.Add(time.Minute)))
	assert.True(t, p.Eligible(2, &last, base.Add(2*time.Minute)))

	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
}

type failingWriter struct{ err error }

func (w failingWriter) SaveCycleLog(context.Context, attendance.CycleLog) (int64, error) {
	return 0, w.err
}

func TestAudit_WritesBothAndJoinsFailures(t *testing.T) {
	central := &fakeCentral{}
	a := NewAudit(central, failingWriter{err: errTest("read-only filesystem")}, time.Second)

	l := attendance.NewCycleLog(attendance.CyclePush, base)
	l.Close(base.Add(time.Second), nil)

	err := a.RecordCycle(context.Background(), *l)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local: read-only filesystem")
	assert.Len(t, central.cycleLogs(), 1)
}

func TestAudit_RejectsOpenLog(t *testing.T) {
	central := &fakeCentral{}
	a := NewAudit(central, nil, time.Second)

	err := a.RecordCycle(context.Background(), *attendance.NewCycleLog(attendance.CyclePush, base))
	require.Error(t, err)
	assert.Empty(t, central.cycleLogs())
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := NewTCPProber(addr, time.Second)
	assert.True(t, p.Online(context.Background()))

	require.NoError(t, ln.Close())
	assert.False(t, p.Online(context.Background()))
}
