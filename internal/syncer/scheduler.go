package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	"attendsync/internal/attendance"
)

// Scheduler drives the three cadences from a single loop. Only one cycle runs at
// a time.
type Scheduler struct {
	orch  *Orchestrator
	clock Clock

	lastPull    time.Time
	lastPush    time.Time
	lastCleanup string
}

// NewScheduler creates a scheduler sharing the orchestrator's clock.
func NewScheduler(o *Orchestrator) *Scheduler {
	return &Scheduler{orch: o, clock: o.clock}
}

// Run ticks until ctx is cancelled. Cancellation is observed between ticks; a
// cycle already running is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.orch.cfg.TickInterval()
	log.Printf("scheduler: started, tick every %s", interval)
	for {
		if ctx.Err() != nil {
			log.Printf("scheduler: stopped")
			return nil
		}
		s.Tick(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("scheduler: stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs every cadence that is due.
func (s *Scheduler) Tick(ctx context.Context) {
	cfg := s.orch.cfg
	work := context.WithoutCancel(ctx)
	now := s.clock.Now()

	if s.lastPull.IsZero() || now.Sub(s.lastPull) >= cfg.StudentSyncInterval {
		_, err := s.orch.PullStudents(work)
		switch {
		case err == nil:
			s.lastPull = now
		case errors.Is(err, attendance.ErrConnectivityUnavailable):
			log.Printf("scheduler: pull skipped, offline")
		}
	}

	if s.lastPush.IsZero() || now.Sub(s.lastPush) >= cfg.AttendanceSyncInterval {
		s.lastPush = now
		_, _ = s.orch.PushEvents(work)
	}

	day := now.Format("2006-01-02")
	if now.Hour() == cfg.CleanupHour && s.lastCleanup != day {
		if _, err := s.orch.Cleanup(work); err == nil {
			s.lastCleanup = day
		}
	}
}
