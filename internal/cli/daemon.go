package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/resident/internal/daemon"
)

// MountDaemonCommands adds the worker management commands (start, stop,
// status, restart, and a hidden run that serves in the foreground) to parent.
// With a non-empty prefix they are grouped under a subcommand of that name,
// e.g. "resident daemon status"; otherwise they sit on parent directly.
// get is called when a subcommand runs, after flags are parsed.
func MountDaemonCommands(parent *cobra.Command, prefix string, get func() *daemon.Daemon) {
	cmd := parent
	if prefix != "" {
		cmd = &cobra.Command{
			Use:   prefix,
			Short: "Manage the background worker",
		}
		parent.AddCommand(cmd)
	}

	var flagQuiet bool
	quiet := func(c *cobra.Command) *cobra.Command {
		c.Flags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
		return c
	}

	cmd.AddCommand(quiet(&cobra.Command{
		Use:   "start",
		Short: "Start the worker if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().Start(cmd.Context()); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Worker started")
			}
			return nil
		},
	}))

	cmd.AddCommand(quiet(&cobra.Command{
		Use:   "stop",
		Short: "Stop the worker once its clients disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().Stop(cmd.Context()); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Worker stopped")
			}
			return nil
		},
	}))

	var flagJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status without starting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := get().Status(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), FormatStatus(result))
			}
			// Exit code 1 when the worker is not running, like systemctl status.
			if !result.Running {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(quiet(&cobra.Command{
		Use:   "restart",
		Short: "Replace the worker with a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := get().Restart(cmd.Context()); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Worker restarted")
			}
			return nil
		},
	}))

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the worker in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return get().Serve(cmd.Context())
		},
	})
}

// FormatStatus formats worker status for display.
func FormatStatus(result daemon.StatusResult) string {
	if result.Stopping {
		return fmt.Sprintf("Worker:   stopping (PID %d, port %d)\n", result.PID, result.Port)
	}
	if !result.Running {
		return fmt.Sprintf("Worker:   not running (port %d)\n", result.Port)
	}

	status := fmt.Sprintf("Worker:   running (PID %d, port %d)\n", result.PID, result.Port)
	if result.Uptime > 0 {
		status += fmt.Sprintf("Uptime:   %s\n", formatUptime(result.Uptime))
	}
	if result.Version != "" {
		status += fmt.Sprintf("Version:  %s\n", result.Version)
	}
	return status
}

func formatUptime(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
