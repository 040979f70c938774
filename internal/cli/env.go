package cli

import (
	"context"
	"fmt"
	"log"

	"attendsync/internal/attendance"
	"attendsync/internal/config"
	"attendsync/internal/registrar"
	"attendsync/internal/store"
	"attendsync/internal/syncer"
)

// env is the set of stores one command invocation works against.
type env struct {
	app     config.App
	local   *attendance.LocalStore
	db      *store.DB
	central *attendance.CentralStore
}

func (e *env) Close() {
	if e.local != nil {
		_ = e.local.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// openEnv opens the local store and, when withCentral is set, the central store.
// An unreachable central store is only a warning: cycles run anyway and fail on
// their first central call, which the local audit trail records.
func openEnv(ctx context.Context, opts *RootOptions, withCentral bool) (*env, error) {
	app, err := opts.Config()
	if err != nil {
		return nil, err
	}
	local, err := attendance.OpenLocal(app.LocalDBPath, app.Local())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open local store", err)
	}
	e := &env{app: app, local: local}
	if !withCentral {
		return e, nil
	}

	db, err := store.NewDB(ctx, app.DatabaseURL)
	if err != nil {
		if db == nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "open central store", err)
		}
		log.Printf("warning: central store not reachable: %v", err)
	}
	e.db = db
	e.central = attendance.NewCentralStore(db.Client)
	return e, nil
}

// orchestrator wires the same orchestrator the worker runs.
func (e *env) orchestrator() *syncer.Orchestrator {
	var central syncer.CentralStore
	if e.central != nil {
		central = e.central
	}
	reg := registrar.New(e.app.RegistrarURL, e.app.RegistrarAPIKey, e.app.RegistrarTimeout)
	prober := syncer.NewTCPProber(e.app.ProbeAddr, e.app.ProbeTimeout)
	return syncer.New(e.app.Sync(), e.local, central, reg, prober)
}

func describeLog(l attendance.CycleLog) string {
	s := fmt.Sprintf("%s  processed=%d succeeded=%d failed=%d  %s",
		l.Start.Local().Format("2006-01-02 15:04:05"), l.Processed, l.Succeeded, l.Failed, l.Status)
	if l.ErrorMessage != "" {
		s += "  " + l.ErrorMessage
	}
	return s
}
