package attendance

import (
	"time"
)

// SyncStatus is the replication state of a captured event.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// CycleStatus is the outcome of one reconciliation pass.
type CycleStatus string

const (
	CycleInProgress CycleStatus = "in_progress"
	CycleCompleted  CycleStatus = "completed"
	CycleFailed     CycleStatus = "failed"
)

// Event represents one observed presence of a student at a device.
type Event struct {
	LocalID          int64
	CentralID        int64
	StudentKey       string
	CaptureTimestamp time.Time
	DeviceID         string
	Confidence       float64
	Status           SyncStatus
	SyncTimestamp    *time.Time
	SyncAttempts     int
	LastSyncError    string
	CreatedAt        time.Time
}

// Key returns the exact-row match key of the event.
func (e Event) Key() EventKey {
	return EventKey{StudentKey: e.StudentKey, Confidence: e.Confidence, CaptureTimestamp: e.CaptureTimestamp}
}

// EventKey identifies an event across both stores without relying on row ids.
type EventKey struct {
	StudentKey       string
	Confidence       float64
	CaptureTimestamp time.Time
}

// Student is the master identity record owned by the central store.
// TemplateRef is produced by the recognition provider and never interpreted here.
type Student struct {
	StudentID         string     `json:"student_id"`
	EnrollmentCode    string     `json:"enrollment_code"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	TemplateRef       string     `json:"-"`
	TemplateUpdatedAt *time.Time `json:"template_updated_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CycleKind names the cadence a cycle log belongs to. It is not persisted.
type CycleKind string

const (
	CyclePush    CycleKind = "push"
	CyclePull    CycleKind = "pull"
	CycleCleanup CycleKind = "cleanup"
)

// CycleLog is the audit record of one synchronization pass. It is mutated only by
// the cycle that opened it and is immutable once closed.
type CycleLog struct {
	LogID        int64       `json:"log_id"`
	Kind         CycleKind   `json:"-"`
	Start        time.Time   `json:"sync_start_timestamp"`
	End          *time.Time  `json:"sync_end_timestamp,omitempty"`
	Processed    int         `json:"records_processed"`
	Succeeded    int         `json:"records_succeeded"`
	Failed       int         `json:"records_failed"`
	Status       CycleStatus `json:"sync_status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewCycleLog opens an in-progress log.
func NewCycleLog(kind CycleKind, start time.Time) *CycleLog {
	return &CycleLog{Kind: kind, Start: start, Status: CycleInProgress}
}

// Close stamps the end of the cycle. A non-nil err marks the cycle failed.
// Closing twice keeps the first outcome.
func (l *CycleLog) Close(end time.Time, err error) {
	if l.Closed() {
		return
	}
	l.End = &end
	if err != nil {
		l.Status = CycleFailed
		l.ErrorMessage = err.Error()
		return
	}
	l.Status = CycleCompleted
}

// Closed reports whether the log reached a terminal status.
func (l *CycleLog) Closed() bool {
	return l.Status == CycleCompleted || l.Status == CycleFailed
}
