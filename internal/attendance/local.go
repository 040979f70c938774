package attendance

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"attendsync/internal/store"
)

//go:embed local_schema.sql
var localSchemaSQL string

// Schema version tracking:
// 1 - initial edge schema (students, attendance_records, sync_logs)
const localSchemaVersion = 1

const sqliteLayout = "2006-01-02 15:04:05.000000000"

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteLayout) }

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	// DedupWindow is the span on each side of a capture within which a second
	// capture for the same student is suppressed. Defaults to 10 minutes.
	DedupWindow time.Duration
	// InclusiveRetention makes PurgeOlderThan delete rows exactly at the cutoff.
	InclusiveRetention bool
	// Now overrides the wall clock.
	Now func() time.Time
}

// LocalStore is the durable queue of captured events on the edge device plus a
// read-only replica of the central student records.
type LocalStore struct {
	db        *sql.DB
	window    time.Duration
	inclusive bool
	now       func() time.Time
	locks     *keyLock
}

// OpenLocal opens (or creates) the local database at path and applies the schema.
func OpenLocal(path string, opts LocalOptions) (*LocalStore, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewLocalStore(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewLocalStore wraps an open SQLite handle and applies the schema.
func NewLocalStore(db *sql.DB, opts LocalOptions) (*LocalStore, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := migrateLocal(db); err != nil {
		return nil, fmt.Errorf("migrate local db: %w", err)
	}
	return &LocalStore{
		db:        db,
		window:    opts.DedupWindow,
		inclusive: opts.InclusiveRetention,
		now:       opts.Now,
		locks:     newKeyLock(),
	}, nil
}

func migrateLocal(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= localSchemaVersion {
		return nil
	}
	if _, err := db.Exec(localSchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", localSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *LocalStore) Healthy(ctx context.Context) bool {
	return s != nil && s.db != nil && s.db.PingContext(ctx) == nil
}

// DedupWindow returns the configured suppression window.
func (s *LocalStore) DedupWindow() time.Duration { return s.window }

// AppendEvent queues a capture. It fails with ErrDuplicateSuppressed when any event
// for the same student, whatever its status, lies within the dedup window on either
// side of the capture (bounds inclusive). The check and the insert run under a
// per-student lock inside one transaction.
func (s *LocalStore) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if ev.StudentKey == "" {
		return 0, errors.New("student key required")
	}
	if ev.CaptureTimestamp.IsZero() {
		return 0, errors.New("capture timestamp required")
	}
	if math.IsNaN(ev.Confidence) {
		return 0, errors.New("confidence is not a number")
	}

	unlock := s.locks.Lock(ev.StudentKey)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistErr("local", "begin append", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT attendance_id FROM attendance_records
		WHERE student_id = ? AND capture_timestamp >= ? AND capture_timestamp <= ?
		ORDER BY capture_timestamp
		LIMIT 1
	`, ev.StudentKey,
		sqliteTime(ev.CaptureTimestamp.Add(-s.window)),
		sqliteTime(ev.CaptureTimestamp.Add(s.window)),
	).Scan(&existing)
	switch {
	case err == nil:
		return 0, fmt.Errorf("%w: student %s already queued as event %d", ErrDuplicateSuppressed, ev.StudentKey, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, persistErr("local", "dedup check", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records
			(student_id, capture_timestamp, device_id, confidence_score, sync_status, sync_attempts, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)
	`, ev.StudentKey, sqliteTime(ev.CaptureTimestamp), ev.DeviceID, ev.Confidence, sqliteTime(s.now()))
	if err != nil {
		return 0, persistErr("local", "insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistErr("local", "insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistErr("local", "commit append", err)
	}
	return id, nil
}

// ResolveEnrollment maps a device-facing enrollment code to the central student id.
func (s *LocalStore) ResolveEnrollment(ctx context.Context, code string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT student_id FROM students WHERE enrollment_code = ? AND is_active = 1
	`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnrollment, code)
	}
	if err != nil {
		return "", persistErr("local", "resolve enrollment", err)
	}
	return id, nil
}

// RecordCapture resolves the enrollment code reported by the recognition pipeline
// and queues the capture under the central student id.
func (s *LocalStore) RecordCapture(ctx context.Context, enrollmentCode string, at time.Time, confidence float64, deviceID string) (Event, error) {
	studentID, err := s.ResolveEnrollment(ctx, enrollmentCode)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		StudentKey:       studentID,
		CaptureTimestamp: at.UTC(),
		DeviceID:         deviceID,
		Confidence:       confidence,
		Status:           StatusPending,
	}
	id, err := s.AppendEvent(ctx, ev)
	if err != nil {
		return Event{}, err
	}
	ev.LocalID = id
	return ev, nil
}

const eventColumns = `attendance_id, student_id, capture_timestamp, device_id, confidence_score,
	sync_status, sync_timestamp, sync_attempts, last_sync_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev       Event
		status   string
		syncedAt sql.NullTime
		lastErr  sql.NullString
	)
	if err := row.Scan(&ev.LocalID, &ev.StudentKey, &ev.CaptureTimestamp, &ev.DeviceID, &ev.Confidence,
		&status, &syncedAt, &ev.SyncAttempts, &lastErr, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	ev.Status = SyncStatus(status)
	if syncedAt.Valid {
		t := syncedAt.Time
		ev.SyncTimestamp = &t
	}
	ev.LastSyncError = lastErr.String
	return ev, nil
}

// FetchPending returns every pending event, oldest capture first.
func (s *LocalStore) FetchPending(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM attendance_records
		WHERE sync_status = 'pending'
		ORDER BY capture_timestamp, attendance_id
	`)
	if err != nil {
		return nil, persistErr("local", "fetch pending", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, persistErr("local", "scan pending", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("local", "fetch pending", err)
	}
	return events, nil
}

// GetEvent returns a single event by local id.
func (s *LocalStore) GetEvent(ctx context.Context, id int64) (Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM attendance_records WHERE attendance_id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Event{}, persistErr("local", "get event", err)
	}
	return ev, nil
}

// MarkSynced records the outcome of one sync attempt on the row matching key
// exactly: it sets the status, bumps the attempt counter and replaces the last
// error (cleared when syncErr is empty).
func (s *LocalStore) MarkSynced(ctx context.Context, key EventKey, status SyncStatus, syncErr string) error {
	switch status {
	case StatusPending, StatusSynced, StatusFailed:
	default:
		return fmt.Errorf("invalid sync status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET sync_status = ?,
			sync_timestamp = ?,
			sync_attempts = sync_attempts + 1,
			last_sync_error = ?
		WHERE student_id = ? AND confidence_score = ? AND capture_timestamp = ?
	`, string(status), sqliteTime(s.now()), nullString(syncErr),
		key.StudentKey, key.Confidence, sqliteTime(key.CaptureTimestamp))
	if err != nil {
		return persistErr("local", "mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("local", "mark synced", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s@%s: %w", key.StudentKey, key.CaptureTimestamp.UTC().Format(time.RFC3339Nano), ErrNotFound)
	}
	return nil
}

// ReplaceStudents upserts the batch by student id in one transaction. Rows absent
// from the batch are left alone; deactivation arrives as is_active = false. An
// enrollment code the batch assigns to a student is first taken off any other
// local row, so codes can move or swap between students.
func (s *LocalStore) ReplaceStudents(ctx context.Context, batch []Student) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("local", "begin replace students", err)
	}
	defer tx.Rollback()

	now := s.now()
	release, err := tx.PrepareContext(ctx, `
		UPDATE students SET enrollment_code = NULL, updated_at = ?
		WHERE enrollment_code = ? AND student_id <> ?
	`)
	if err != nil {
		return persistErr("local", "prepare release codes", err)
	}
	defer release.Close()
	for _, st := range batch {
		if st.StudentID == "" {
			return fmt.Errorf("student without id in batch (enrollment %q)", st.EnrollmentCode)
		}
		if st.EnrollmentCode == "" {
			continue
		}
		if _, err := release.ExecContext(ctx, sqliteTime(now), st.EnrollmentCode, st.StudentID); err != nil {
			return persistErr("local", "release code "+st.EnrollmentCode, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO students
			(student_id, enrollment_code, first_name, last_name, face_encoding,
			 face_encoding_updated_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id) DO UPDATE SET
			enrollment_code = excluded.enrollment_code,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			face_encoding = excluded.face_encoding,
			face_encoding_updated_at = excluded.face_encoding_updated_at,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return persistErr("local", "prepare replace students", err)
	}
	defer stmt.Close()

	for _, st := range batch {
		created := st.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			st.StudentID, nullString(st.EnrollmentCode), st.FirstName, st.LastName, nullString(st.TemplateRef),
			sqliteNullTime(st.TemplateUpdatedAt), st.IsActive, sqliteTime(created), sqliteTime(now),
		); err != nil {
			return persistErr("local", "upsert student "+st.StudentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("local", "commit replace students", err)
	}
	return nil
}

// ActiveStudents returns the active part of the replica ordered by id.
func (s *LocalStore) ActiveStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id, enrollment_code, first_name, last_name, face_encoding,
			face_encoding_updated_at, is_active, created_at, updated_at
		FROM students
		WHERE is_active = 1
		ORDER BY student_id
	`)
	if err != nil {
		return nil, persistErr("local", "active students", err)
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var (
			st        Student
			code, ref sql.NullString
			refAt     sql.NullTime
		)
		if err := rows.Scan(&st.StudentID, &code, &st.FirstName, &st.LastName, &ref,
			&refAt, &st.IsActive, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, persistErr("local", "scan student", err)
		}
		st.EnrollmentCode = code.String
		st.TemplateRef = ref.String
		if refAt.Valid {
			t := refAt.Time
			st.TemplateUpdatedAt = &t
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("local", "active students", err)
	}
	return students, nil
}

func (s *LocalStore) cutoff(days int) (time.Time, error) {
	if days < 0 {
		return time.Time{}, fmt.Errorf("retention days must be >= 0, got %d", days)
	}
	return s.now().Add(-time.Duration(days) * 24 * time.Hour), nil
}

// PurgeOlderThan deletes synced events captured more than days ago. Pending and
// failed events are never deleted. The cutoff is exclusive unless the store was
// opened with InclusiveRetention.
func (s *LocalStore) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff, err := s.cutoff(days)
	if err != nil {
		return 0, err
	}
	op := "<"
	if s.inclusive {
		op = "<="
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM attendance_records
		WHERE sync_status = 'synced' AND capture_timestamp `+op+` ?
	`, sqliteTime(cutoff))
	if err != nil {
		return 0, persistErr("local", "purge events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("local", "purge events", err)
	}
	return n, nil
}

// CountByStatus returns the number of local events per sync status.
func (s *LocalStore) CountByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM attendance_records GROUP BY sync_status`)
	if err != nil {
		return nil, persistErr("local", "count events", err)
	}
	defer rows.Close()

	counts := map[SyncStatus]int{StatusPending: 0, StatusSynced: 0, StatusFailed: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, persistErr("local", "count events", err)
		}
		counts[SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// SaveCycleLog appends a closed cycle log to the local audit trail.
func (s *LocalStore) SaveCycleLog(ctx context.Context, l CycleLog) (int64, error) {
	if !l.Closed() {
		return 0, fmt.Errorf("cycle log still %s", l.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs
			(sync_start_timestamp, sync_end_timestamp, records_processed, records_succeeded,
			 records_failed, sync_status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sqliteTime(l.Start), sqliteNullTime(l.End), l.Processed, l.Succeeded, l.Failed,
		string(l.Status), nullString(l.ErrorMessage), sqliteTime(s.now()))
	if err != nil {
		return 0, persistErr("local", "save cycle log", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistErr("local", "save cycle log", err)
	}
	return id, nil
}

// RecentCycleLogs returns the newest local audit records first.
func (s *LocalStore) RecentCycleLogs(ctx context.Context, limit int) ([]CycleLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT log_id, sync_start_timestamp, sync_end_timestamp, records_processed,
			records_succeeded, records_failed, sync_status, error_message, created_at
		FROM sync_logs
		ORDER BY sync_start_timestamp DESC, log_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, persistErr("local", "recent cycle logs", err)
	}
	defer rows.Close()
	logs, err := scanCycleLogs(rows)
	if err != nil {
		return nil, persistErr("local", "recent cycle logs", err)
	}
	return logs, nil
}

func scanCycleLogs(rows *sql.Rows) ([]CycleLog, error) {
	var logs []CycleLog
	for rows.Next() {
		var (
			l      CycleLog
			end    sql.NullTime
			status string
			msg    sql.NullString
		)
		if err := rows.Scan(&l.LogID, &l.Start, &end, &l.Processed, &l.Succeeded, &l.Failed,
			&status, &msg, &l.CreatedAt); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			l.End = &t
		}
		l.Status = CycleStatus(status)
		l.ErrorMessage = msg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PurgeCycleLogsOlderThan trims the local copy of the audit trail. The central
// copy is the record operators query and is never trimmed here.
func (s *LocalStore) PurgeCycleLogsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff, err := s.cutoff(days)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_logs WHERE sync_start_timestamp < ?`, sqliteTime(cutoff))
	if err != nil {
		return 0, persistErr("local", "purge cycle logs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("local", "purge cycle logs", err)
	}
	return n, nil
}
