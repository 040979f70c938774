package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/attendance"
	"attendsync/internal/registrar"
)

// ErrNoStudents is returned by a pull that received an empty roster. An empty
// roster is treated as an upstream fault, never as "every student left".
var ErrNoStudents = errors.New("central store returned no active students")

// LocalStore is the device-side queue and roster cache.
type LocalStore interface {
	FetchPending(ctx context.Context) ([]attendance.Event, error)
	MarkSynced(ctx context.Context, key attendance.EventKey, status attendance.SyncStatus, syncErr string) error
	ReplaceStudents(ctx context.Context, batch []attendance.Student) error
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	PurgeCycleLogsOlderThan(ctx context.Context, days int) (int64, error)
	CountByStatus(ctx context.Context) (map[attendance.SyncStatus]int, error)
	SaveCycleLog(ctx context.Context, l attendance.CycleLog) (int64, error)
}

// CentralStore is the authoritative store shared by every device.
type CentralStore interface {
	FindEvent(ctx context.Context, key attendance.EventKey, window time.Duration) (*attendance.Event, error)
	InsertEvent(ctx context.Context, ev attendance.Event) (attendance.Event, error)
	ActiveStudents(ctx context.Context) ([]attendance.Student, error)
	SaveCycleLog(ctx context.Context, l attendance.CycleLog) (int64, error)
}

// Registrar confirms attendances with the external registration service.
type Registrar interface {
	Register(ctx context.Context, studentID string, at time.Time, confidence float64) (registrar.Confirmation, error)
}

// Orchestrator runs the pull, push and cleanup cycles. Cycles are expected to be
// driven by a single Scheduler; concurrent push cycles are not coordinated here.
type Orchestrator struct {
	cfg       Config
	local     LocalStore
	central   CentralStore
	registrar Registrar
	prober    Prober
	audit     *Audit
	metrics   *Metrics
	clock     Clock
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithMetrics reports cycle outcomes to m.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithAudit replaces the default audit over both stores.
func WithAudit(a *Audit) Option { return func(o *Orchestrator) { o.audit = a } }

// New wires an orchestrator. A nil prober means always online.
func New(cfg Config, local LocalStore, central CentralStore, reg Registrar, prober Prober, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		local:     local,
		central:   central,
		registrar: reg,
		prober:    prober,
		clock:     SystemClock,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prober == nil {
		o.prober = ProberFunc(func(context.Context) bool { return true })
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.audit == nil {
		o.audit = NewAudit(central, local, o.cfg.StoreTimeout)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

// PullStudents replicates the active roster from the central store. It returns
// the number of students applied.
func (o *Orchestrator) PullStudents(ctx context.Context) (int, error) {
	if !o.prober.Online(ctx) {
		o.metrics.skipped(attendance.CyclePull)
		return 0, attendance.ErrConnectivityUnavailable
	}
	start := o.clock.Now()
	n, err := o.pull(ctx)
	l := attendance.NewCycleLog(attendance.CyclePull, start)
	l.Processed, l.Succeeded = n, n
	l.Close(o.clock.Now(), err)
	o.metrics.observeCycle(*l)
	if err != nil {
		log.Printf("pull: %v", err)
		return 0, err
	}
	o.metrics.Students.Set(float64(n))
	log.Printf("pull: %d active students replicated", n)
	return n, nil
}

func (o *Orchestrator) pull(ctx context.Context) (int, error) {
	sctx, cancel := o.storeCtx(ctx)
	students, err := o.central.ActiveStudents(sctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch roster: %w", err)
	}
	if len(students) == 0 {
		return 0, ErrNoStudents
	}
	sctx, cancel = o.storeCtx(ctx)
	defer cancel()
	if err := o.local.ReplaceStudents(sctx, students); err != nil {
		return 0, fmt.Errorf("apply roster: %w", err)
	}
	return len(students), nil
}

// PushEvents replicates eligible pending events to the central store and the
// registrar, then records the closed cycle log in both stores. A skipped cycle
// returns ErrConnectivityUnavailable and writes no log.
func (o *Orchestrator) PushEvents(ctx context.Context) (attendance.CycleLog, error) {
	if !o.prober.Online(ctx) {
		o.metrics.skipped(attendance.CyclePush)
		log.Printf("push: skipped, %v", attendance.ErrConnectivityUnavailable)
		return attendance.CycleLog{}, attendance.ErrConnectivityUnavailable
	}

	runID := uuid.NewString()[:8]
	l := attendance.NewCycleLog(attendance.CyclePush, o.clock.Now())
	err := o.push(ctx, runID, l)
	l.Close(o.clock.Now(), err)
	o.metrics.observeCycle(*l)

	if aerr := o.audit.RecordCycle(ctx, *l); aerr != nil {
		log.Printf("push %s: audit incomplete: %v", runID, aerr)
	}
	o.refreshEventGauge(ctx)

	if err != nil {
		log.Printf("push %s: failed after %d/%d records: %v", runID, l.Succeeded+l.Failed, l.Processed, err)
		return *l, err
	}
	log.Printf("push %s: processed=%d succeeded=%d failed=%d", runID, l.Processed, l.Succeeded, l.Failed)
	return *l, nil
}

func (o *Orchestrator) push(ctx context.Context, runID string, l *attendance.CycleLog) error {
	sctx, cancel := o.storeCtx(ctx)
	pending, err := o.local.FetchPending(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}

	now := o.clock.Now()
	eligible := make([]attendance.Event, 0, len(pending))
	for _, ev := range pending {
		if o.cfg.Retry.Eligible(ev.SyncAttempts, ev.SyncTimestamp, now) {
			eligible = append(eligible, ev)
		}
	}
	l.Processed = len(eligible)

	for _, ev := range eligible {
		outcome, err := o.pushOne(ctx, runID, ev)
		if err != nil {
			return fmt.Errorf("event %d: %w", ev.LocalID, err)
		}
		o.metrics.Records.WithLabelValues(outcome).Inc()
		if succeeded(outcome) {
			l.Succeeded++
		} else {
			l.Failed++
		}
	}
	return nil
}

// pushOne drives one event to its next state. A returned error is a store fault
// that aborts the cycle with the event left untouched.
func (o *Orchestrator) pushOne(ctx context.Context, runID string, ev attendance.Event) (string, error) {
	key := ev.Key()

	sctx, cancel := o.storeCtx(ctx)
	existing, err := o.central.FindEvent(sctx, key, o.cfg.DedupWindow)
	cancel()
	if err != nil {
		return "", fmt.Errorf("central lookup: %w", err)
	}
	if existing != nil {
		log.Printf("push %s: event %d already recorded centrally as %d", runID, ev.LocalID, existing.CentralID)
		return o.mark(ctx, runID, ev, attendance.StatusSynced, "", outcomeDeduplicated)
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RegistrarTimeout)
	conf, err := o.registrar.Register(rctx, ev.StudentKey, ev.CaptureTimestamp, ev.Confidence)
	cancel()
	if err != nil {
		return o.registrationFailed(ctx, runID, ev, err)
	}

	central := ev
	central.DeviceID = firstNonEmpty(ev.DeviceID, o.cfg.DeviceID)
	central.SyncAttempts = ev.SyncAttempts + 1
	sctx, cancel = o.storeCtx(ctx)
	stored, err := o.central.InsertEvent(sctx, central)
	cancel()
	if err != nil {
		log.Printf("push %s: event %d confirmed (%s) but central insert failed", runID, ev.LocalID, conf.AttendanceStatus)
		return "", fmt.Errorf("central insert: %w", err)
	}
	log.Printf("push %s: event %d registered (%s), central id %d", runID, ev.LocalID, conf.AttendanceStatus, stored.CentralID)
	return o.mark(ctx, runID, ev, attendance.StatusSynced, "", outcomeSynced)
}

func (o *Orchestrator) registrationFailed(ctx context.Context, runID string, ev attendance.Event, err error) (string, error) {
	switch registrar.KindOf(err) {
	case registrar.KindRejected:
		log.Printf("push %s: event %d rejected: %v", runID, ev.LocalID, err)
		return o.mark(ctx, runID, ev, attendance.StatusFailed, err.Error(), outcomeRejected)
	case registrar.KindInvalidResponse:
		log.Printf("push %s: event %d got an invalid confirmation: %v", runID, ev.LocalID, err)
		return o.mark(ctx, runID, ev, attendance.StatusFailed, err.Error(), outcomeInvalid)
	}

	// Anything else is transient.
	attempts := ev.SyncAttempts + 1
	if o.cfg.Retry.Exhausted(attempts) {
		msg := fmt.Sprintf("retry limit reached after %d attempts: %v", attempts, err)
		log.Printf("push %s: event %d %s", runID, ev.LocalID, msg)
		return o.mark(ctx, runID, ev, attendance.StatusFailed, msg, outcomeExhausted)
	}
	log.Printf("push %s: event %d attempt %d failed, will retry: %v", runID, ev.LocalID, attempts, err)
	return o.mark(ctx, runID, ev, attendance.StatusPending, err.Error(), outcomeRetry)
}

func (o *Orchestrator) mark(ctx context.Context, runID string, ev attendance.Event, status attendance.SyncStatus, msg, outcome string) (string, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	err := o.local.MarkSynced(sctx, ev.Key(), status, msg)
	if errors.Is(err, attendance.ErrNotFound) {
		log.Printf("push %s: event %d vanished before it could be marked %s", runID, ev.LocalID, status)
		return outcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark %s: %w", status, err)
	}
	return outcome, nil
}

// Cleanup purges synced events and local audit rows past the retention period.
func (o *Orchestrator) Cleanup(ctx context.Context) (int64, error) {
	start := o.clock.Now()
	l := attendance.NewCycleLog(attendance.CycleCleanup, start)

	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	purged, err := o.local.PurgeOlderThan(sctx, o.cfg.CleanupDays)
	if err == nil {
		var logs int64
		logs, err = o.local.PurgeCycleLogsOlderThan(sctx, o.cfg.CleanupDays)
		if err == nil && logs > 0 {
			log.Printf("cleanup: removed %d cycle logs older than %d days", logs, o.cfg.CleanupDays)
		}
	}
	l.Processed, l.Succeeded = int(purged), int(purged)
	l.Close(o.clock.Now(), err)
	o.metrics.observeCycle(*l)
	if err != nil {
		log.Printf("cleanup: %v", err)
		return purged, err
	}
	o.metrics.Purged.Add(float64(purged))
	log.Printf("cleanup: purged %d synced events older than %d days", purged, o.cfg.CleanupDays)
	o.refreshEventGauge(ctx)
	return purged, nil
}

func (o *Orchestrator) refreshEventGauge(ctx context.Context) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	counts, err := o.local.CountByStatus(sctx)
	if err != nil {
		log.Printf("metrics: count local events: %v", err)
		return
	}
	o.metrics.setEvents(counts)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
