// Command resident is a CLI whose commands run inside a warm background
// worker. The first invocation spawns the worker; later ones reuse it.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	goruntime "runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leonletto/resident/internal/cli"
	"github.com/leonletto/resident/internal/config"
	"github.com/leonletto/resident/internal/daemon"
	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/notes"
	"github.com/leonletto/resident/internal/spawn"
	"github.com/leonletto/resident/internal/worker"
)

const appName = "resident"

// Build info (set via ldflags).
var Build = "unknown"

func main() {
	os.Exit(run())
}

func run() int {
	if spawn.NewEnv(config.EnvPrefix(appName)).IsWorker() {
		if err := serveWorker(context.Background()); err != nil {
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()
	return cli.Execute(ctx, newRootCmd(a), os.Stderr)
}

// serveWorker runs the worker. Its stdio is discarded, so failures are only
// logged.
func serveWorker(ctx context.Context) error {
	cfg, err := config.Load(appName, nil)
	if err != nil {
		return err
	}
	a := &app{}
	d, err := daemon.New(cfg, a.workerOptions())
	if err != nil {
		return err
	}
	a.d = d
	defer a.close()

	if err := d.Serve(ctx); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			d.Logger().Info("another worker owns the port, exiting")
			return err
		}
		d.Logger().Error("worker exited", logging.Error(err))
		return err
	}
	return nil
}

// app holds what commands share. In the worker it lives as long as the
// process; in a client it lasts one invocation.
type app struct {
	d *daemon.Daemon

	hits    hitCounter
	storeMu sync.RWMutex
	store   *notes.Store
}

func (a *app) getDaemon() *daemon.Daemon { return a.d }

func (a *app) close() {
	if a.d != nil {
		_ = a.d.Close()
	}
}

func (a *app) workerOptions() daemon.Options {
	return daemon.Options{
		OnStart:       []worker.Hook{a.openStore},
		OnStop:        []worker.Hook{a.closeStore},
		HandleMessage: a.handleMessage,
		Runner: func(ctx context.Context, inv *worker.Invocation) (int, error) {
			// A fresh tree per invocation keeps flag state out of concurrent runs.
			return cli.Run(ctx, newRootCmd(a), inv)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Commands served by a warm background worker",
		Long: `Resident runs each command inside a long-lived worker process on a
localhost port. The first command starts the worker; later commands connect
to it and reuse its state, so they skip startup costs.`,
		Version: config.BuildVersion(),
	}
	rootCmd.SetVersionTemplate(appName + " v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")
	config.RegisterFlags(rootCmd.PersistentFlags())

	// The worker builds its daemon before any tree exists.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if a.d != nil {
			return nil
		}
		cfg, err := config.Load(appName, cmd.Flags())
		if err != nil {
			return err
		}
		d, err := daemon.New(cfg, daemon.Options{})
		if err != nil {
			return err
		}
		a.d = d
		return nil
	}

	rootCmd.AddCommand(counterCmd(a))
	rootCmd.AddCommand(noteCmd(a))
	rootCmd.AddCommand(echoCmd(a))
	rootCmd.AddCommand(sleepCmd(a))
	rootCmd.AddCommand(askCmd(a))
	rootCmd.AddCommand(reloadCmd(a))
	cli.MountDaemonCommands(rootCmd, "daemon", a.getDaemon)
	return rootCmd
}
