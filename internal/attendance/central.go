package attendance

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"
)

//go:embed central_schema.sql
var centralSchemaSQL string

// CentralStore persists confirmed attendance, master student records and the
// sync audit trail in Postgres. It is the system of record.
type CentralStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCentralStore creates a store over an open pgx-backed pool.
func NewCentralStore(db *sql.DB) *CentralStore {
	return &CentralStore{db: db, now: time.Now}
}

// EnsureSchema creates the central tables when they are missing.
func (c *CentralStore) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, centralSchemaSQL)
	return persistErr("central", "ensure schema", err)
}

const centralEventColumns = `attendance_id, student_id, capture_timestamp, device_id, confidence_score,
	sync_status, sync_timestamp, sync_attempts, last_sync_error, created_at`

func scanCentralEvent(row rowScanner) (Event, error) {
	var (
		ev       Event
		status   string
		syncedAt sql.NullTime
		lastErr  sql.NullString
	)
	if err := row.Scan(&ev.CentralID, &ev.StudentKey, &ev.CaptureTimestamp, &ev.DeviceID, &ev.Confidence,
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

// FindEvent returns the newest central event for the student captured within
// [t - window, t], or nil when there is none. A row with the same confidence as
// the key is preferred over a closer one.
func (c *CentralStore) FindEvent(ctx context.Context, key EventKey, window time.Duration) (*Event, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+centralEventColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND capture_timestamp >= $2 AND capture_timestamp <= $3
		ORDER BY (confidence_score = $4) DESC, capture_timestamp DESC
		LIMIT 1
	`, key.StudentKey, key.CaptureTimestamp.Add(-window).UTC(), key.CaptureTimestamp.UTC(), key.Confidence)
	ev, err := scanCentralEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("central", "find event", err)
	}
	return &ev, nil
}

// InsertEvent writes a confirmed event and assigns its central id. Uniqueness is
// not enforced here; callers check FindEvent first.
func (c *CentralStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	now := c.now().UTC()
	ev.Status = StatusSynced
	ev.SyncTimestamp = &now
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(student_id, capture_timestamp, device_id, confidence_score, sync_status, sync_timestamp, sync_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING attendance_id, created_at
	`, ev.StudentKey, ev.CaptureTimestamp.UTC(), ev.DeviceID, ev.Confidence, string(ev.Status), now, ev.SyncAttempts)
	if err := row.Scan(&ev.CentralID, &ev.CreatedAt); err != nil {
		return Event{}, persistErr("central", "insert event", err)
	}
	return ev, nil
}

const studentColumns = `student_id, enrollment_code, first_name, last_name, face_encoding,
	face_encoding_updated_at, is_active, created_at, updated_at`

func (c *CentralStore) queryStudents(ctx context.Context, op, query string, args ...any) ([]Student, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("central", op, err)
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
			return nil, persistErr("central", op, err)
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
		return nil, persistErr("central", op, err)
	}
	return students, nil
}

// ActiveStudents returns every active student.
func (c *CentralStore) ActiveStudents(ctx context.Context) ([]Student, error) {
	return c.queryStudents(ctx, "active students", `
		SELECT `+studentColumns+`
		FROM students
		WHERE is_active = TRUE
		ORDER BY student_id
	`)
}

// StudentsByIDs returns the active students among ids.
func (c *CentralStore) StudentsByIDs(ctx context.Context, ids []string) ([]Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return c.queryStudents(ctx, "students by ids", `
		SELECT `+studentColumns+`
		FROM students
		WHERE student_id = ANY($1) AND is_active = TRUE
		ORDER BY student_id
	`, ids)
}

// UpsertStudent creates or updates a master record.
func (c *CentralStore) UpsertStudent(ctx context.Context, st Student) error {
	if st.StudentID == "" {
		return errors.New("student id required")
	}
	var ref any
	if st.TemplateRef != "" {
		ref = st.TemplateRef
	}
	var refAt any
	if st.TemplateUpdatedAt != nil {
		refAt = st.TemplateUpdatedAt.UTC()
	}
	var code any
	if st.EnrollmentCode != "" {
		code = st.EnrollmentCode
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO students
			(student_id, enrollment_code, first_name, last_name, face_encoding, face_encoding_updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id) DO UPDATE SET
			enrollment_code = EXCLUDED.enrollment_code,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			face_encoding = COALESCE(EXCLUDED.face_encoding, students.face_encoding),
			face_encoding_updated_at = COALESCE(EXCLUDED.face_encoding_updated_at, students.face_encoding_updated_at),
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, st.StudentID, code, st.FirstName, st.LastName, ref, refAt, st.IsActive)
	return persistErr("central", "upsert student", err)
}

// DeactivateStudent soft-deletes a student.
func (c *CentralStore) DeactivateStudent(ctx context.Context, studentID string) error {
	return c.updateOne(ctx, "deactivate student", studentID, `
		UPDATE students SET is_active = FALSE, updated_at = NOW()
		WHERE student_id = $1
	`, studentID)
}

// UpdateTemplate replaces the biometric reference of a student.
func (c *CentralStore) UpdateTemplate(ctx context.Context, studentID, templateRef string) error {
	return c.updateOne(ctx, "update template", studentID, `
		UPDATE students
		SET face_encoding = $2, face_encoding_updated_at = NOW(), updated_at = NOW()
		WHERE student_id = $1
	`, studentID, templateRef)
}

func (c *CentralStore) updateOne(ctx context.Context, op, studentID, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistErr("central", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("central", op, err)
	}
	if n == 0 {
		return fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return nil
}

// SaveCycleLog appends a closed cycle log to the central audit trail.
func (c *CentralStore) SaveCycleLog(ctx context.Context, l CycleLog) (int64, error) {
	if !l.Closed() {
		return 0, fmt.Errorf("cycle log still %s", l.Status)
	}
	var end any
	if l.End != nil {
		end = l.End.UTC()
	}
	var msg any
	if l.ErrorMessage != "" {
		msg = l.ErrorMessage
	}
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO sync_logs
			(sync_start_timestamp, sync_end_timestamp, records_processed, records_succeeded,
			 records_failed, sync_status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING log_id
	`, l.Start.UTC(), end, l.Processed, l.Succeeded, l.Failed, string(l.Status), msg).Scan(&id)
	if err != nil {
		return 0, persistErr("central", "save cycle log", err)
	}
	return id, nil
}

// RecentCycleLogs returns the newest central audit records first.
func (c *CentralStore) RecentCycleLogs(ctx context.Context, limit int) ([]CycleLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT log_id, sync_start_timestamp, sync_end_timestamp, records_processed,
			records_succeeded, records_failed, sync_status, error_message, created_at
		FROM sync_logs
		ORDER BY sync_start_timestamp DESC, log_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, persistErr("central", "recent cycle logs", err)
	}
	defer rows.Close()
	logs, err := scanCycleLogs(rows)
	if err != nil {
		return nil, persistErr("central", "recent cycle logs", err)
	}
	return logs, nil
}

// LastCycleLog returns the most recent central audit record.
func (c *CentralStore) LastCycleLog(ctx context.Context) (*CycleLog, error) {
	logs, err := c.RecentCycleLogs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("sync log: %w", ErrNotFound)
	}
	return &logs[0], nil
}
