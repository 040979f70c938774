package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
)

type pendingEvent struct {
	ID         int64      `json:"id"`
	StudentID  string     `json:"student_id"`
	CapturedAt time.Time  `json:"captured_at"`
	Confidence float64    `json:"confidence"`
	Attempts   int        `json:"sync_attempts"`
	LastTry    *time.Time `json:"sync_timestamp,omitempty"`
	LastError  string     `json:"last_sync_error,omitempty"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show local queue counts and the events awaiting sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			e, err := openEnv(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			counts, err := e.local.CountByStatus(cmd.Context())
			if err != nil {
				return out.failure(ExitCommandError, "count events", err, nil)
			}
			events, err := e.local.FetchPending(cmd.Context())
			if err != nil {
				return out.failure(ExitCommandError, "fetch pending", err, nil)
			}
			pending := make([]pendingEvent, 0, len(events))
			for _, ev := range events {
				pending = append(pending, pendingEvent{
					ID:         ev.LocalID,
					StudentID:  ev.StudentKey,
					CapturedAt: ev.CaptureTimestamp,
					Confidence: ev.Confidence,
					Attempts:   ev.SyncAttempts,
					LastTry:    ev.SyncTimestamp,
					LastError:  ev.LastSyncError,
				})
			}

			data := map[string]any{"counts": counts, "pending": pending}
			return out.success(data, func(w io.Writer) {
				fmt.Fprintf(w, "pending=%d synced=%d failed=%d\n",
					counts[attendance.StatusPending], counts[attendance.StatusSynced], counts[attendance.StatusFailed])
				for _, p := range pending {
					fmt.Fprintf(w, "  #%d %s %s attempts=%d %s\n",
						p.ID, p.StudentID, p.CapturedAt.Format(time.RFC3339), p.Attempts, p.LastError)
				}
			})
		},
	}
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent sync cycle logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			if source != "local" && source != "central" {
				return WrapExitError(ExitCommandError, "invalid source", fmt.Errorf("%q is not local or central", source))
			}
			e, err := openEnv(cmd.Context(), rootOpts, source == "central")
			if err != nil {
				return err
			}
			defer e.Close()

			var logs []attendance.CycleLog
			if source == "central" {
				logs, err = e.central.RecentCycleLogs(cmd.Context(), limit)
			} else {
				logs, err = e.local.RecentCycleLogs(cmd.Context(), limit)
			}
			if err != nil {
				return out.failure(ExitCommandError, "read logs", err, nil)
			}
			if logs == nil {
				logs = []attendance.CycleLog{}
			}
			return out.success(logs, func(w io.Writer) {
				if len(logs) == 0 {
					fmt.Fprintln(w, "no sync cycles recorded")
				}
				for _, l := range logs {
					fmt.Fprintln(w, describeLog(l))
				}
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "local", "audit trail to read (local|central)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of logs")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue an access and refresh token for a device or operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			if role != auth.RoleDevice && role != auth.RoleOperator {
				return WrapExitError(ExitCommandError, "invalid role", fmt.Errorf("%q is not device or operator", role))
			}
			app, err := rootOpts.Config()
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner(app.JWTIssuer, app.JWTSigningKey, app.AccessTTL, app.RefreshTTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "signer", err)
			}
			tokens, err := signer.Issue(args[0], role)
			if err != nil {
				return out.failure(ExitFailure, "issue token", err, nil)
			}
			data := map[string]any{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			}
			return out.success(data, func(w io.Writer) {
				fmt.Fprintln(w, tokens.AccessToken)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleDevice, "token role (device|operator)")
	return cmd
}
