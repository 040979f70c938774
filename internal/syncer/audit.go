package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"attendsync/internal/attendance"
)

// CycleLogWriter persists a closed cycle log.
type CycleLogWriter interface {
	SaveCycleLog(ctx context.Context, l attendance.CycleLog) (int64, error)
}

// Audit writes every closed cycle log to the central and the local store.
type Audit struct {
	central CycleLogWriter
	local   CycleLogWriter
	timeout time.Duration
}

// NewAudit creates an audit over both stores. Either writer may be nil.
func NewAudit(central, local CycleLogWriter, timeout time.Duration) *Audit {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Audit{central: central, local: local, timeout: timeout}
}

// RecordCycle fans the log out to both stores independently. A failed write is
// logged and returned joined with the other; it is never retried and never
// blocks the other write.
func (a *Audit) RecordCycle(ctx context.Context, l attendance.CycleLog) error {
	if !l.Closed() {
		return fmt.Errorf("audit: cycle log still %s", l.Status)
	}
	targets := []struct {
		name string
		w    CycleLogWriter
	}{
		{"central", a.central},
		{"local", a.local},
	}

	var errs []error
	for _, target := range targets {
		if target.w == nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, a.timeout)
		id, err := target.w.SaveCycleLog(wctx, l)
		cancel()
		if err != nil {
			log.Printf("audit: %s cycle log write failed: %v", target.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", target.name, err))
			continue
		}
		log.Printf("audit: %s cycle log %d saved (%s)", target.name, id, l.Status)
	}
	return errors.Join(errs...)
}
