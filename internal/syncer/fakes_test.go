package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
	"attendsync/internal/registrar"
)

var base = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCentral struct {
	mu          sync.Mutex
	events      []attendance.Event
	students    []attendance.Student
	logs        []attendance.CycleLog
	rosterCalls int
	findErr     error
	insertErr   error
	logErr      error
}

func (f *fakeCentral) FindEvent(_ context.Context, key attendance.EventKey, window time.Duration) (*attendance.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	from := key.CaptureTimestamp.Add(-window)
	for _, ev := range f.events {
		if ev.StudentKey != key.StudentKey {
			continue
		}
		if ev.CaptureTimestamp.Before(from) || ev.CaptureTimestamp.After(key.CaptureTimestamp) {
			continue
		}
		found := ev
		return &found, nil
	}
	return nil, nil
}

func (f *fakeCentral) InsertEvent(_ context.Context, ev attendance.Event) (attendance.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return attendance.Event{}, f.insertErr
	}
	ev.CentralID = int64(len(f.events) + 1)
	ev.Status = attendance.StatusSynced
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeCentral) ActiveStudents(context.Context) ([]attendance.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterCalls++
	return append([]attendance.Student(nil), f.students...), nil
}

func (f *fakeCentral) SaveCycleLog(_ context.Context, l attendance.CycleLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return 0, f.logErr
	}
	f.logs = append(f.logs, l)
	return int64(len(f.logs)), nil
}

func (f *fakeCentral) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeCentral) cycleLogs() []attendance.CycleLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attendance.CycleLog(nil), f.logs...)
}

// fakeRegistrar answers with the queued errors in order, then succeeds.
type fakeRegistrar struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	always error
}

func (f *fakeRegistrar) Register(_ context.Context, studentID string, at time.Time, confidence float64) (registrar.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always != nil {
		return registrar.Confirmation{}, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return registrar.Confirmation{}, err
		}
	}
	return registrar.Confirmation{
		StudentID:        studentID,
		Timestamp:        at.UTC().Format(time.RFC3339),
		Confidence:       confidence,
		AttendanceStatus: "present",
	}, nil
}

func (f *fakeRegistrar) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func networkErr() error {
	return &registrar.Error{Kind: registrar.KindNetwork, StatusCode: 500, Err: errTest("internal server error")}
}

type errTest string

func (e errTest) Error() string { return string(e) }

type harness struct {
	local   *attendance.LocalStore
	central *fakeCentral
	reg     *fakeRegistrar
	clock   *testClock
	metrics *Metrics
	online  bool
	orch    *Orchestrator
}

func testConfig() Config {
	return Config{
		DeviceID:               "DEVICE_001",
		DedupWindow:            10 * time.Minute,
		StudentSyncInterval:    time.Hour,
		AttendanceSyncInterval: 5 * time.Minute,
		CleanupDays:            30,
		CleanupHour:            9,
		Retry:                  RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Minute, MaxBackoff: time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		central: &fakeCentral{},
		reg:     &fakeRegistrar{},
		clock:   &testClock{now: base},
		metrics: NewMetrics(prometheus.NewRegistry()),
		online:  true,
	}
	local, err := attendance.OpenLocal(filepath.Join(t.TempDir(), "edge.db"), attendance.LocalOptions{Now: h.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	h.local = local

	prober := ProberFunc(func(context.Context) bool { return h.online })
	h.orch = New(cfg, local, h.central, h.reg, prober, WithClock(h.clock), WithMetrics(h.metrics))
	return h
}

func (h *harness) capture(t *testing.T, student string, at time.Time) int64 {
	t.Helper()
	id, err := h.local.AppendEvent(context.Background(), attendance.Event{
		StudentKey:       student,
		CaptureTimestamp: at,
		DeviceID:         "DEVICE_001",
		Confidence:       0.92,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) event(t *testing.T, id int64) attendance.Event {
	t.Helper()
	ev, err := h.local.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}
