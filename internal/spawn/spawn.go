// Package spawn launches a detached worker process and waits for it to report
// readiness over a private pipe.
//
// The worker is the same executable re-run with the same arguments. An
// environment marker tells it to serve instead of acting as a client, and a
// second variable names the inherited file descriptor it writes the readiness
// marker to.
package spawn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/leonletto/resident/internal/logging"
)

// ReadyMarker is the line a worker writes once it is serving.
const ReadyMarker = "ready"

// BusyMarker is the line a worker writes when it exits because another
// worker already holds the port.
const BusyMarker = "busy"

// readyFD is the descriptor number of the control pipe in the child:
// ExtraFiles[0] always lands on fd 3.
const readyFD = 3

// SpawnError reports that a worker could not be launched or exited before
// signaling readiness. It is never retried.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrExitedEarly is wrapped in a SpawnError when the child closes the control
// pipe without writing the readiness marker.
var ErrExitedEarly = errors.New("worker exited before signaling readiness")

// ErrPeerRunning is returned by Spawn when the child found another worker
// holding the port and exited. That worker may still be binding. It is not a
// SpawnError: the caller should connect to the peer instead of failing.
var ErrPeerRunning = errors.New("another worker holds the port")

// Env holds the environment variable names that distinguish a worker.
type Env struct {
	// Worker is set to "1" in a spawned worker.
	Worker string
	// ReadyFD names the control pipe descriptor.
	ReadyFD string
}

// NewEnv derives variable names from a program prefix, e.g. "RESIDENT".
func NewEnv(prefix string) Env {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return Env{Worker: prefix + "_WORKER", ReadyFD: prefix + "_READY_FD"}
}

// IsWorker reports whether the current process was started as a worker.
func (e Env) IsWorker() bool {
	v := os.Getenv(e.Worker)
	return v == "1" || strings.EqualFold(v, "true")
}

// Supervisor spawns workers.
type Supervisor struct {
	Env  Env
	Path string   // executable; defaults to os.Executable()
	Args []string // arguments; defaults to os.Args[1:]
	// ExtraEnv is appended to the inherited environment.
	ExtraEnv []string
	Logger   *slog.Logger
}

// Spawn starts a detached worker and blocks until it reports readiness, the
// child exits, or ctx is done. On success the child is released and outlives
// the caller. A child that reports another worker on the port yields
// ErrPeerRunning.
func (s *Supervisor) Spawn(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return &SpawnError{Path: "<self>", Err: fmt.Errorf("resolve executable: %w", err)}
		}
		path = exe
	}
	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}

	readR, readW, err := os.Pipe()
	if err != nil {
		return &SpawnError{Path: path, Err: fmt.Errorf("create control pipe: %w", err)}
	}
	defer func() { _ = readR.Close() }()

	cmd := exec.Command(path, args...) //nolint:gosec // re-executes our own binary
	cmd.Env = append(workerEnviron(s.Env), s.ExtraEnv...)
	cmd.Env = append(cmd.Env, s.Env.Worker+"=1", fmt.Sprintf("%s=%d", s.Env.ReadyFD, readyFD))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.ExtraFiles = []*os.File{readW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session, detached from our terminal
	}

	if err := cmd.Start(); err != nil {
		_ = readW.Close()
		return &SpawnError{Path: path, Err: err}
	}
	// Only the child may hold the write end, so its exit shows up as EOF.
	_ = readW.Close()

	pid := cmd.Process.Pid
	logger.Debug("worker launched", logging.Int(logging.FieldPID, pid))

	result := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(readR).ReadString('\n')
		switch {
		case strings.TrimSpace(line) == ReadyMarker:
			result <- nil
		case strings.TrimSpace(line) == BusyMarker:
			result <- ErrPeerRunning
		case err == nil || errors.Is(err, io.EOF):
			result <- ErrExitedEarly
		default:
			result <- fmt.Errorf("read readiness: %w", err)
		}
	}()

	select {
	case err := <-result:
		if err != nil {
			// Reap the child if it died so it does not linger as a zombie.
			_, _ = cmd.Process.Wait()
			if errors.Is(err, ErrPeerRunning) {
				logger.Debug("worker deferred to a peer", logging.Int(logging.FieldPID, pid))
				return err
			}
			return &SpawnError{Path: path, Err: err}
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return &SpawnError{Path: path, Err: ctx.Err()}
	}

	// Release the child so it gets adopted by init. Do not Wait: the parent
	// may exit long before the worker does.
	if err := cmd.Process.Release(); err != nil {
		return &SpawnError{Path: path, Err: fmt.Errorf("release worker: %w", err)}
	}
	logger.Debug("worker ready", logging.Int(logging.FieldPID, pid))
	return nil
}

// SignalReady writes the readiness marker to the control pipe inherited from
// the supervisor and closes it. Without a control pipe, as when a worker is
// started by hand, it does nothing.
func SignalReady(env Env) error {
	return writeMarker(env, ReadyMarker)
}

// SignalBusy tells the supervisor that this worker is exiting because another
// worker holds the port. Like SignalReady it does nothing without a control
// pipe.
func SignalBusy(env Env) error {
	return writeMarker(env, BusyMarker)
}

func writeMarker(env Env, marker string) error {
	raw := os.Getenv(env.ReadyFD)
	if raw == "" {
		return nil
	}
	var fd int
	if _, err := fmt.Sscanf(raw, "%d", &fd); err != nil {
		return fmt.Errorf("parse %s=%q: %w", env.ReadyFD, raw, err)
	}
	f := os.NewFile(uintptr(fd), "ready")
	if f == nil {
		return fmt.Errorf("control pipe fd %d is not valid", fd)
	}
	defer func() { _ = f.Close() }()
	// A successor spawned by this worker must not inherit the variable.
	_ = os.Unsetenv(env.ReadyFD)
	if _, err := io.WriteString(f, marker+"\n"); err != nil {
		return fmt.Errorf("signal %s: %w", marker, err)
	}
	return nil
}

// workerEnviron returns the current environment minus the variables the
// supervisor sets itself.
func workerEnviron(env Env) []string {
	parent := os.Environ()
	out := make([]string, 0, len(parent)+2)
	for _, kv := range parent {
		if strings.HasPrefix(kv, env.Worker+"=") || strings.HasPrefix(kv, env.ReadyFD+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
