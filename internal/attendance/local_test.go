package attendance

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func createTestLocal(t *testing.T, opts LocalOptions) (*LocalStore, *testClock) {
	t.Helper()
	clock := &testClock{now: base}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	s, err := OpenLocal(filepath.Join(t.TempDir(), "edge.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testEvent(student string, at time.Time, confidence float64) Event {
	return Event{StudentKey: student, CaptureTimestamp: at, DeviceID: "DEVICE_001", Confidence: confidence}
}

func countEvents(t *testing.T, s *LocalStore) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM attendance_records").Scan(&n))
	return n
}

func TestOpenLocal_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.db")
	for i := 0; i < 3; i++ {
		s, err := OpenLocal(path, LocalOptions{})
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := OpenLocal(path, LocalOptions{})
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"students", "attendance_records", "sync_logs"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
	assert.Equal(t, 10*time.Minute, s.DedupWindow())
}

func TestAppendEvent_AssignsLocalID(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, testEvent("S1", base, 0.92))
	require.NoError(t, err)
	assert.Positive(t, id)

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "S1", ev.StudentKey)
	assert.True(t, ev.CaptureTimestamp.Equal(base))
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, 0, ev.SyncAttempts)
	assert.Nil(t, ev.SyncTimestamp)
	assert.InDelta(t, 0.92, ev.Confidence, 1e-12)
}

func TestAppendEvent_DuplicateWithinWindow(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, testEvent("S1", base, 0.92))
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, testEvent("S1", base.Add(5*time.Minute), 0.95))
	require.ErrorIs(t, err, ErrDuplicateSuppressed)
	assert.Equal(t, 1, countEvents(t, s))
}

func TestAppendEvent_WindowBoundsInclusive(t *testing.T) {
	tests := []struct {
		name       string
		offset     time.Duration
		suppressed bool
	}{
		{"exactly window after", 10 * time.Minute, true},
		{"exactly window before", -10 * time.Minute, true},
		{"just past window after", 10*time.Minute + time.Nanosecond, false},
		{"just past window before", -10*time.Minute - time.Nanosecond, false},
		{"same instant", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := createTestLocal(t, LocalOptions{})
			ctx := context.Background()
			_, err := s.AppendEvent(ctx, testEvent("S1", base, 0.9))
			require.NoError(t, err)

			_, err = s.AppendEvent(ctx, testEvent("S1", base.Add(tt.offset), 0.9))
			if tt.suppressed {
				assert.ErrorIs(t, err, ErrDuplicateSuppressed)
				assert.Equal(t, 1, countEvents(t, s))
			} else {
				assert.NoError(t, err)
				assert.Equal(t, 2, countEvents(t, s))
			}
		})
	}
}

func TestAppendEvent_SuppressesAgainstAnyStatus(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	first := testEvent("S1", base, 0.9)
	_, err := s.AppendEvent(ctx, first)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, first.Key(), StatusFailed, "rejected"))

	_, err = s.AppendEvent(ctx, testEvent("S1", base.Add(time.Minute), 0.9))
	assert.ErrorIs(t, err, ErrDuplicateSuppressed)
}

func TestAppendEvent_OtherStudentNotSuppressed(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, testEvent("S1", base, 0.9))
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, testEvent("S2", base, 0.9))
	require.NoError(t, err)
	assert.Equal(t, 2, countEvents(t, s))
}

func TestAppendEvent_CustomWindow(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{DedupWindow: time.Minute})
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, testEvent("S1", base, 0.9))
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, testEvent("S1", base.Add(5*time.Minute), 0.9))
	assert.NoError(t, err)
}

func TestAppendEvent_RequiresKeyAndTimestamp(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, testEvent("", base, 0.9))
	assert.Error(t, err)
	_, err = s.AppendEvent(ctx, testEvent("S1", time.Time{}, 0.9))
	assert.Error(t, err)
	_, err = s.AppendEvent(ctx, testEvent("S1", base, math.NaN()))
	require.Error(t, err)
	assert.False(t, IsPersistence(err))
	assert.Equal(t, 0, countEvents(t, s))
}

func TestAppendEvent_ConcurrentSameStudent(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	const workers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		accepted   int
		suppressed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendEvent(ctx, testEvent("S1", base.Add(time.Duration(i)*time.Second), 0.9))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDuplicateSuppressed):
				suppressed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, workers-1, suppressed)
	assert.Equal(t, 1, countEvents(t, s))
	assert.Equal(t, 0, s.locks.size())
}

func TestFetchPending_OrderedOldestFirst(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	late := testEvent("S1", base.Add(time.Hour), 0.9)
	early := testEvent("S2", base, 0.8)
	middle := testEvent("S3", base.Add(30*time.Minute), 0.7)
	done := testEvent("S4", base.Add(-time.Hour), 0.7)
	for _, ev := range []Event{late, early, middle, done} {
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkSynced(ctx, done.Key(), StatusSynced, ""))

	pending, err := s.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"S2", "S3", "S1"}, []string{pending[0].StudentKey, pending[1].StudentKey, pending[2].StudentKey})
}

func TestMarkSynced_UpdatesExactRow(t *testing.T) {
	s, clock := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	ev := testEvent("S1", base, 0.92)
	id, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	clock.Set(base.Add(time.Minute))
	require.NoError(t, s.MarkSynced(ctx, ev.Key(), StatusPending, "registrar: network: 500"))
	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "registrar: network: 500", got.LastSyncError)
	require.NotNil(t, got.SyncTimestamp)
	assert.True(t, got.SyncTimestamp.Equal(base.Add(time.Minute)))

	require.NoError(t, s.MarkSynced(ctx, ev.Key(), StatusSynced, ""))
	got, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.Status)
	assert.Equal(t, 2, got.SyncAttempts)
	assert.Empty(t, got.LastSyncError)
}

func TestMarkSynced_NotFound(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	ev := testEvent("S1", base, 0.92)
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	wrongConfidence := ev.Key()
	wrongConfidence.Confidence = 0.5
	assert.ErrorIs(t, s.MarkSynced(ctx, wrongConfidence, StatusSynced, ""), ErrNotFound)

	wrongTime := ev.Key()
	wrongTime.CaptureTimestamp = base.Add(time.Second)
	assert.ErrorIs(t, s.MarkSynced(ctx, wrongTime, StatusSynced, ""), ErrNotFound)

	assert.Error(t, s.MarkSynced(ctx, ev.Key(), SyncStatus("lost"), ""))
}

func testStudents() []Student {
	return []Student{
		{StudentID: "stu-1", EnrollmentCode: "E100", FirstName: "Ada", LastName: "Lovelace", TemplateRef: "tmpl-a", IsActive: true},
		{StudentID: "stu-2", EnrollmentCode: "E200", FirstName: "Alan", LastName: "Turing", IsActive: true},
	}
}

func TestReplaceStudents_UpsertOnly(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	require.NoError(t, s.ReplaceStudents(ctx, testStudents()))
	require.NoError(t, s.ReplaceStudents(ctx, testStudents()))

	active, err := s.ActiveStudents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "tmpl-a", active[0].TemplateRef)

	// A batch without stu-2 must not delete it; stu-1 changes in place.
	renamed := testStudents()[:1]
	renamed[0].FirstName = "Augusta"
	require.NoError(t, s.ReplaceStudents(ctx, renamed))

	active, err = s.ActiveStudents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Augusta", active[0].FirstName)
}

func TestReplaceStudents_DeactivationIsFieldUpdate(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	require.NoError(t, s.ReplaceStudents(ctx, testStudents()))
	batch := testStudents()
	batch[1].IsActive = false
	require.NoError(t, s.ReplaceStudents(ctx, batch))

	active, err := s.ActiveStudents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "stu-1", active[0].StudentID)

	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM students").Scan(&rows))
	assert.Equal(t, 2, rows)

	_, err = s.ResolveEnrollment(ctx, "E200")
	assert.ErrorIs(t, err, ErrUnknownEnrollment)
}

func TestReplaceStudents_RejectsMissingID(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	err := s.ReplaceStudents(context.Background(), []Student{{EnrollmentCode: "E1", FirstName: "A", LastName: "B"}})
	assert.Error(t, err)
}

func TestReplaceStudents_EnrollmentCodesMoveBetweenStudents(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()
	require.NoError(t, s.ReplaceStudents(ctx, testStudents()))

	swapped := testStudents()
	swapped[0].EnrollmentCode, swapped[1].EnrollmentCode = "E200", "E100"
	for i := 0; i < 2; i++ {
		require.NoError(t, s.ReplaceStudents(ctx, swapped))
	}

	id, err := s.ResolveEnrollment(ctx, "E100")
	require.NoError(t, err)
	assert.Equal(t, "stu-2", id)
	id, err = s.ResolveEnrollment(ctx, "E200")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", id)

	// A code handed to a student missing from the batch is taken off the old holder.
	reassigned := []Student{{StudentID: "stu-3", EnrollmentCode: "E100", FirstName: "Grace", LastName: "Hopper", IsActive: true}}
	require.NoError(t, s.ReplaceStudents(ctx, reassigned))

	id, err = s.ResolveEnrollment(ctx, "E100")
	require.NoError(t, err)
	assert.Equal(t, "stu-3", id)
	active, err := s.ActiveStudents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "stu-2", active[1].StudentID)
	assert.Empty(t, active[1].EnrollmentCode)
}

func TestRecordCapture_ResolvesEnrollment(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()
	require.NoError(t, s.ReplaceStudents(ctx, testStudents()))

	ev, err := s.RecordCapture(ctx, "E100", base, 0.92, "DEVICE_001")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", ev.StudentKey)
	assert.Positive(t, ev.LocalID)

	_, err = s.RecordCapture(ctx, "E100", base.Add(5*time.Minute), 0.9, "DEVICE_001")
	assert.ErrorIs(t, err, ErrDuplicateSuppressed)

	_, err = s.RecordCapture(ctx, "E999", base, 0.9, "DEVICE_001")
	assert.ErrorIs(t, err, ErrUnknownEnrollment)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeOlderThan_OnlySyncedPastCutoff(t *testing.T) {
	s, clock := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	now := base.Add(40 * 24 * time.Hour)
	cutoff := now.Add(-30 * 24 * time.Hour)

	oldSynced := testEvent("S1", cutoff.Add(-time.Hour), 0.9)
	atCutoff := testEvent("S2", cutoff, 0.9)
	oldPending := testEvent("S3", cutoff.Add(-24*time.Hour), 0.9)
	oldFailed := testEvent("S4", cutoff.Add(-24*time.Hour), 0.9)
	recent := testEvent("S5", now.Add(-time.Hour), 0.9)
	for _, ev := range []Event{oldSynced, atCutoff, oldPending, oldFailed, recent} {
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}
	for _, ev := range []Event{oldSynced, atCutoff, recent} {
		require.NoError(t, s.MarkSynced(ctx, ev.Key(), StatusSynced, ""))
	}
	require.NoError(t, s.MarkSynced(ctx, oldFailed.Key(), StatusFailed, "rejected"))

	clock.Set(now)
	n, err := s.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 4, countEvents(t, s))

	n, err = s.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.PurgeOlderThan(ctx, -1)
	assert.Error(t, err)
}

func TestPurgeOlderThan_InclusiveBoundary(t *testing.T) {
	s, clock := createTestLocal(t, LocalOptions{InclusiveRetention: true})
	ctx := context.Background()

	now := base.Add(40 * 24 * time.Hour)
	atCutoff := testEvent("S1", now.Add(-30*24*time.Hour), 0.9)
	_, err := s.AppendEvent(ctx, atCutoff)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, atCutoff.Key(), StatusSynced, ""))

	clock.Set(now)
	n, err := s.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCountByStatus(t *testing.T) {
	s, _ := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	a := testEvent("S1", base, 0.9)
	b := testEvent("S2", base, 0.9)
	for _, ev := range []Event{a, b, testEvent("S3", base, 0.9)} {
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkSynced(ctx, a.Key(), StatusSynced, ""))
	require.NoError(t, s.MarkSynced(ctx, b.Key(), StatusFailed, "x"))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[SyncStatus]int{StatusPending: 1, StatusSynced: 1, StatusFailed: 1}, counts)
}

func TestCycleLogs_LocalAuditTrail(t *testing.T) {
	s, clock := createTestLocal(t, LocalOptions{})
	ctx := context.Background()

	open := NewCycleLog(CyclePush, base)
	_, err := s.SaveCycleLog(ctx, *open)
	assert.Error(t, err, "open logs are not persistable")

	open.Processed, open.Succeeded, open.Failed = 3, 2, 1
	open.Close(base.Add(time.Second), nil)
	first, err := s.SaveCycleLog(ctx, *open)
	require.NoError(t, err)

	failed := NewCycleLog(CyclePush, base.Add(time.Hour))
	failed.Close(base.Add(time.Hour+time.Second), errors.New("central store: find event: conn refused"))
	second, err := s.SaveCycleLog(ctx, *failed)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	logs, err := s.RecentCycleLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, CycleFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "conn refused")
	assert.Equal(t, CycleCompleted, logs[1].Status)
	assert.Equal(t, 3, logs[1].Processed)
	require.NotNil(t, logs[1].End)

	clock.Set(base.Add(31*24*time.Hour + 30*time.Minute))
	n, err := s.PurgeCycleLogsOlderThan(ctx, 31)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
