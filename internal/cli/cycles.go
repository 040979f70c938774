package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"attendsync/internal/attendance"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var central bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local (and optionally central) schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			e, err := openEnv(cmd.Context(), rootOpts, central)
			if err != nil {
				return err
			}
			defer e.Close()

			result := map[string]any{"local": e.app.LocalDBPath}
			if central {
				if err := e.central.EnsureSchema(cmd.Context()); err != nil {
					return out.failure(ExitCommandError, "central schema", err, nil)
				}
				result["central"] = true
			}
			return out.success(result, func(w io.Writer) {
				fmt.Fprintf(w, "local schema ready at %s\n", e.app.LocalDBPath)
				if central {
					fmt.Fprintln(w, "central schema ready")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&central, "central", false, "also create the central schema")
	return cmd
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Replicate the active student roster from the central store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			e, err := openEnv(cmd.Context(), rootOpts, true)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.orchestrator().PullStudents(cmd.Context())
			if err != nil {
				return out.failure(cycleExitCode(err), "pull", err, nil)
			}
			return out.success(map[string]int{"students": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%d active students replicated\n", n)
			})
		},
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Run one push cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			e, err := openEnv(cmd.Context(), rootOpts, true)
			if err != nil {
				return err
			}
			defer e.Close()

			l, err := e.orchestrator().PushEvents(cmd.Context())
			if err != nil {
				var data any
				if l.Closed() {
					data = l
				}
				return out.failure(cycleExitCode(err), "push", err, data)
			}
			return out.success(l, func(w io.Writer) {
				fmt.Fprintln(w, describeLog(l))
			})
		},
	}
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge synced events past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			e, err := openEnv(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.orchestrator().Cleanup(cmd.Context())
			if err != nil {
				return out.failure(ExitFailure, "cleanup", err, nil)
			}
			return out.success(map[string]int64{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%d synced events purged (retention %d days)\n", n, e.app.CleanupDays)
			})
		},
	}
}

func cycleExitCode(err error) int {
	if errors.Is(err, attendance.ErrConnectivityUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return ExitCommandError
	}
	return ExitFailure
}
