// Package cli implements syncctl, the operator command line for a device.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"attendsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"

	app *config.App
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Config loads the configuration once: the --config file when given, otherwise
// CONFIG_FILE and the environment.
func (o *RootOptions) Config() (config.App, error) {
	if o.app != nil {
		return *o.app, nil
	}
	var app config.App
	if o.ConfigFile != "" {
		loaded, err := config.LoadFile(o.ConfigFile)
		if err != nil {
			return config.App{}, WrapExitError(ExitCommandError, "load config", err)
		}
		app = loaded
	} else {
		app = config.Load()
	}
	o.app = &app
	return app, nil
}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the attendance sync engine of one device",
		Long: `Inspect and drive the offline-first attendance queue of a device.

Cycles run here are the same pull, push and cleanup cycles the worker schedules,
and are audited the same way.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (overrides CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
