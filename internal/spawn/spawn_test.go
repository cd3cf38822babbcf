package spawn_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/leonletto/resident/internal/spawn"
)

var testEnv = spawn.NewEnv("RESIDENT_SPAWNTEST")

const modeVar = "RESIDENT_SPAWNTEST_MODE"

// TestMain doubles as the worker: when re-executed by the supervisor the test
// binary acts out the behavior named in modeVar instead of running tests.
func TestMain(m *testing.M) {
	if testEnv.IsWorker() {
		switch os.Getenv(modeVar) {
		case "ready":
			if err := spawn.SignalReady(testEnv); err != nil {
				os.Exit(3)
			}
			os.Exit(0)
		case "busy":
			if err := spawn.SignalBusy(testEnv); err != nil {
				os.Exit(3)
			}
			os.Exit(1)
		case "garbage":
			f := os.NewFile(3, "ready")
			_, _ = f.WriteString("nope\n")
			os.Exit(0)
		default:
			os.Exit(1)
		}
	}
	os.Exit(m.Run())
}

func supervisor() *spawn.Supervisor {
	return &spawn.Supervisor{
		Env:  testEnv,
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
	}
}

func TestSpawnWaitsForReadiness(t *testing.T) {
	t.Setenv(modeVar, "ready")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := supervisor().Spawn(ctx); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
}

func TestSpawnChildExitsEarly(t *testing.T) {
	t.Setenv(modeVar, "die")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := supervisor().Spawn(ctx)
	var se *spawn.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if !errors.Is(err, spawn.ErrExitedEarly) {
		t.Fatalf("expected ErrExitedEarly, got %v", err)
	}
}

func TestSpawnRejectsWrongMarker(t *testing.T) {
	t.Setenv(modeVar, "garbage")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := supervisor().Spawn(ctx); !errors.Is(err, spawn.ErrExitedEarly) {
		t.Fatalf("expected ErrExitedEarly, got %v", err)
	}
}

func TestSpawnReportsPeerWorker(t *testing.T) {
	t.Setenv(modeVar, "busy")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := supervisor().Spawn(ctx)
	if !errors.Is(err, spawn.ErrPeerRunning) {
		t.Fatalf("expected ErrPeerRunning, got %v", err)
	}
	var se *spawn.SpawnError
	if errors.As(err, &se) {
		t.Fatalf("a peer worker must not be reported as a spawn failure: %v", err)
	}
}

func TestSpawnLaunchFailure(t *testing.T) {
	s := supervisor()
	s.Path = "/nonexistent/resident-binary"
	err := s.Spawn(context.Background())
	var se *spawn.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if se.Path != s.Path {
		t.Fatalf("SpawnError.Path = %q, want %q", se.Path, s.Path)
	}
}

func TestSignalWithoutControlPipe(t *testing.T) {
	t.Setenv(testEnv.ReadyFD, "")
	if err := spawn.SignalReady(testEnv); err != nil {
		t.Fatalf("SignalReady without pipe: %v", err)
	}
	if err := spawn.SignalBusy(testEnv); err != nil {
		t.Fatalf("SignalBusy without pipe: %v", err)
	}
}

func TestIsWorker(t *testing.T) {
	t.Setenv(testEnv.Worker, "")
	if testEnv.IsWorker() {
		t.Fatal("unexpected worker role")
	}
	t.Setenv(testEnv.Worker, "1")
	if !testEnv.IsWorker() {
		t.Fatal("expected worker role")
	}
}

func TestNewEnv(t *testing.T) {
	env := spawn.NewEnv(" resident ")
	if env.Worker != "RESIDENT_WORKER" || env.ReadyFD != "RESIDENT_READY_FD" {
		t.Fatalf("unexpected env names %+v", env)
	}
}
