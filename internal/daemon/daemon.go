// Package daemon splits a program into a short-lived client and a long-lived
// background worker on a localhost port.
//
// A program builds one Daemon from its configuration and wraps each command
// body with Wrap. Run as a client, a wrapped body connects to the worker,
// spawning it on first use, and forwards the invocation. Run inside the
// worker, the same body executes directly. Status, Start, Stop, and Restart
// manage the worker from either side.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leonletto/resident/internal/client"
	"github.com/leonletto/resident/internal/config"
	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/protocol"
	"github.com/leonletto/resident/internal/spawn"
	"github.com/leonletto/resident/internal/worker"
)

var (
	// ErrAlreadyWorker is returned by Start when called inside the worker.
	ErrAlreadyWorker = errors.New("start: this process is the worker")
	// ErrNotServing is returned by worker-side operations before Serve.
	ErrNotServing = errors.New("worker is not serving")
	// ErrStatusTimeout is returned when a reachable worker does not answer a
	// status query within the configured timeout.
	ErrStatusTimeout = errors.New("worker did not answer status")
	// ErrStopTimeout is returned when the worker is still running after Stop
	// has waited for it.
	ErrStopTimeout = errors.New("worker did not stop")
)

const (
	defaultStopTimeout = 10 * time.Second
	stopPollInterval   = 50 * time.Millisecond
)

// Invocation is one command execution; see worker.Invocation.
type Invocation = worker.Invocation

// Body is a command body. It returns the process exit code.
type Body func(ctx context.Context, inv *Invocation) (int, error)

// Options supplies the program's worker behavior.
type Options struct {
	OnStart       []worker.Hook
	OnStop        []worker.Hook
	HandleMessage worker.MessageHandler
	// Runner executes a forwarded command line inside the worker. Programs
	// usually parse inv.Args with the same command tree the client used.
	Runner worker.Runner

	// Spawner overrides how a worker is launched. The default re-runs the
	// current executable detached.
	Spawner client.Spawner
	// StopTimeout bounds how long Stop waits for the worker to exit.
	StopTimeout time.Duration
	// Stdout receives forwarded command output. Defaults to os.Stdout.
	Stdout io.Writer

	Logger *slog.Logger
}

// StatusResult describes the worker as seen from a client.
type StatusResult struct {
	Running bool `json:"running"`
	// Stopping is set when the worker process is alive but no longer
	// accepts clients.
	Stopping bool          `json:"stopping,omitempty"`
	Version  string        `json:"version,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	Port     int           `json:"port"`
}

// SendOptions controls Send.
type SendOptions struct {
	// AutoSpawn starts a worker if none is running.
	AutoSpawn bool
}

// Daemon is a program's handle on its worker.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	env    spawn.Env
	logger *slog.Logger
	closer io.Closer

	serving atomic.Bool
	mu      sync.Mutex
	server  *worker.Server
}

// New returns a Daemon for cfg. Without Options.Logger it logs per cfg: to
// stderr in a client and to cfg.LogPath() in a worker.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		env:    spawn.NewEnv(config.EnvPrefix(cfg.Name)),
		closer: nopCloser{},
	}
	if d.opts.StopTimeout <= 0 {
		d.opts.StopTimeout = defaultStopTimeout
	}
	if d.opts.Stdout == nil {
		d.opts.Stdout = os.Stdout
	}

	if opts.Logger != nil {
		d.logger = opts.Logger
	} else {
		out := "stderr"
		if d.Role() == RoleWorker {
			out = cfg.LogPath()
		}
		logger, closer, err := logging.New(logging.Options{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			OutputPath: out,
		})
		if err != nil {
			return nil, err
		}
		d.logger = logger
		d.closer = closer
	}
	d.logger = d.logger.With(logging.Int(logging.FieldPort, cfg.Port))
	return d, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Config returns the configuration the Daemon was built with.
func (d *Daemon) Config() *config.Config { return d.cfg }

// Logger returns the Daemon's logger.
func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Close releases the log file, if any.
func (d *Daemon) Close() error { return d.closer.Close() }

// Role reports whether this process is the worker: it was spawned as one, or
// Serve has been called. The environment is read on every call.
func (d *Daemon) Role() Role {
	if d.serving.Load() || d.env.IsWorker() {
		return RoleWorker
	}
	return RoleClient
}

// VersionString is the version this build declares on cli requests.
func (d *Daemon) VersionString() string {
	return worker.VersionString(d.cfg.Version)
}

func (d *Daemon) spawner() client.Spawner {
	if d.opts.Spawner != nil {
		return d.opts.Spawner
	}
	return &spawn.Supervisor{
		Env:      d.env,
		ExtraEnv: d.cfg.Environ(),
		Logger:   logging.NewComponentLogger(d.logger, "spawn"),
	}
}

func (d *Daemon) dialer() *client.Dialer {
	return &client.Dialer{
		Addr:    d.cfg.Addr(),
		Spawner: d.spawner(),
		Logger:  logging.NewComponentLogger(d.logger, "client"),
	}
}

// Serve runs this process as the worker until it is stopped. From then on
// Role reports RoleWorker, so wrapped bodies the Runner reaches execute
// locally.
func (d *Daemon) Serve(ctx context.Context) error {
	d.serving.Store(true)
	srv := worker.NewServer(worker.Options{
		Addr:          d.cfg.Addr(),
		Version:       d.cfg.Version,
		PIDPath:       d.cfg.PIDPath(),
		LockPath:      d.cfg.LockPath(),
		OnStart:       d.opts.OnStart,
		OnStop:        d.opts.OnStop,
		HandleMessage: d.opts.HandleMessage,
		Runner:        d.opts.Runner,
		Spawner:       d.spawner(),
		Ready:         func() error { return spawn.SignalReady(d.env) },
		HandleSignals: true,
		MessageRate:   d.cfg.MessageRate,
		Logger:        d.logger,
	})
	d.mu.Lock()
	d.server = srv
	d.mu.Unlock()
	err := srv.Run(ctx)
	if errors.Is(err, worker.ErrAlreadyRunning) {
		// Lost a spawn race. The supervisor connects to the winner instead.
		if serr := spawn.SignalBusy(d.env); serr != nil {
			d.logger.Warn("signal busy", logging.Error(serr))
		}
	}
	return err
}

func (d *Daemon) localServer() (*worker.Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return nil, ErrNotServing
	}
	return d.server, nil
}

// Status reports whether a worker is running without starting one. An
// unreachable worker is not an error.
func (d *Daemon) Status(ctx context.Context) (StatusResult, error) {
	result := StatusResult{Port: d.cfg.Port}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StatusTimeout)
	defer cancel()

	conn, err := d.dialer().Open(ctx, false)
	if err != nil {
		if client.IsRefused(err) {
			return d.pidStatus(result), nil
		}
		return result, d.statusErr(err)
	}
	defer func() { _ = conn.Close() }()

	reply, err := conn.Status(ctx)
	if err != nil {
		return result, d.statusErr(err)
	}
	result.Running = true
	result.Version = reply.Version
	result.PID = reply.PID
	result.Uptime = reply.Uptime
	return result, nil
}

// pidStatus fills in a worker that refuses clients but has not exited yet,
// as while it waits for sessions to end after a stop.
func (d *Daemon) pidStatus(result StatusResult) StatusResult {
	alive, info, err := worker.CheckPIDFile(d.cfg.PIDPath())
	if err != nil {
		d.logger.Debug("unreadable pid file", logging.Error(err))
		return result
	}
	if alive && info.Port == d.cfg.Port {
		result.Stopping = true
		result.PID = info.PID
		result.Version = info.Version
	}
	return result
}

func (d *Daemon) statusErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w within %s", ErrStatusTimeout, d.cfg.StatusTimeout)
	}
	return err
}

// Start ensures a worker is running, spawning one if needed.
func (d *Daemon) Start(ctx context.Context) error {
	if d.Role() == RoleWorker {
		return ErrAlreadyWorker
	}
	conn, err := d.dialer().Open(ctx, true)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Stop asks the worker to stop accepting clients. In the worker it shuts
// down directly. From a client it waits until the worker has exited; if no
// worker is running it does nothing.
func (d *Daemon) Stop(ctx context.Context) error {
	if d.Role() == RoleWorker {
		srv, err := d.localServer()
		if err != nil {
			return err
		}
		srv.Shutdown()
		return nil
	}

	conn, err := d.dialer().Open(ctx, false)
	if err != nil {
		if client.IsRefused(err) {
			return nil
		}
		return err
	}
	// Remember which worker is stopped: a concurrent client may start the
	// next one before this call sees the lock free.
	stopped, _ := worker.ReadPIDFile(d.cfg.PIDPath())
	stopErr := conn.Stop()
	_ = conn.Close()
	if stopErr != nil {
		return stopErr
	}
	return d.waitStopped(ctx, stopped)
}

// waitStopped polls until the port lock is free or another worker has
// replaced the stopped one. Either happens only after the stopped worker's
// stop hooks have run.
func (d *Daemon) waitStopped(ctx context.Context, stopped worker.PIDInfo) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.StopTimeout)
	defer cancel()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		if !worker.IsLocked(d.cfg.LockPath()) || d.replaced(stopped) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrStopTimeout, d.opts.StopTimeout)
			}
			return ctx.Err()
		}
	}
}

// replaced reports whether the pid file names a worker other than stopped. A
// successor writes it only once it holds the lock.
func (d *Daemon) replaced(stopped worker.PIDInfo) bool {
	if stopped.PID == 0 {
		return false
	}
	info, err := worker.ReadPIDFile(d.cfg.PIDPath())
	if err != nil {
		return false
	}
	return info.PID != stopped.PID || !info.StartedAt.Equal(stopped.StartedAt)
}

// Restart replaces the worker. Inside the worker it hands over to exactly one
// successor no matter how many callers race; from a client it stops the
// running worker and starts a new one.
func (d *Daemon) Restart(ctx context.Context) error {
	if d.Role() == RoleWorker {
		srv, err := d.localServer()
		if err != nil {
			return err
		}
		return srv.Restart(ctx)
	}
	if err := d.Stop(ctx); err != nil {
		return err
	}
	return d.Start(ctx)
}

// Wrap returns a body that runs in the worker. In the worker it calls body;
// in a client it forwards inv to the worker, spawning one if needed, and
// returns the worker's exit code and failure.
func (d *Daemon) Wrap(body Body) Body {
	return func(ctx context.Context, inv *Invocation) (int, error) {
		if inv == nil {
			inv = &Invocation{}
		}
		if d.Role() == RoleWorker {
			return body(WithRole(ctx, RoleWorker), inv)
		}
		return d.forward(ctx, inv)
	}
}

func (d *Daemon) forward(ctx context.Context, inv *Invocation) (int, error) {
	conn, err := d.dialer().Open(ctx, true)
	if err != nil {
		return 1, err
	}
	defer func() { _ = conn.Close() }()

	args := inv.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}
	cliCtx := inv.Context
	if cliCtx == (protocol.CLIContext{}) {
		cliCtx = protocol.CaptureContext()
	}
	stdout := inv.Stdout
	if stdout == nil {
		stdout = d.opts.Stdout
	}
	return conn.RunCLI(ctx, args, d.VersionString(), cliCtx, stdout)
}

// Send issues a custom message to the worker. The connection stays open until
// the call terminates or ctx is done.
func (d *Daemon) Send(ctx context.Context, payload any, opts SendOptions) (*client.Call, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	conn, err := d.dialer().Open(ctx, opts.AutoSpawn)
	if err != nil {
		return nil, err
	}
	call, err := conn.Send(ctx, raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	go func() {
		select {
		case <-call.Done():
		case <-ctx.Done():
			call.Discard()
		}
		_ = conn.Close()
	}()
	return call, nil
}

// WithInvocation returns a context carrying inv.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return worker.WithInvocation(ctx, inv)
}

// InvocationFromContext returns the invocation a command body runs under.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	return worker.InvocationFromContext(ctx)
}
