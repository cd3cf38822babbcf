//go:build resilience

// These tests build the resident binary and drive real worker processes:
//
//	go test -tags=resilience ./cmd/resident/ -v -timeout 5m
package main_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

var (
	residentBinOnce sync.Once
	residentBin     string
	residentBinErr  error
)

// buildResident compiles the binary once per test run.
func buildResident(t *testing.T) string {
	t.Helper()

	residentBinOnce.Do(func() {
		binDir, err := os.MkdirTemp("", "resident-test-bin-*")
		if err != nil {
			residentBinErr = err
			return
		}
		binPath := filepath.Join(binDir, "resident")

		cmd := exec.Command("go", "build", "-o", binPath, ".")
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			residentBinErr = err
			return
		}
		residentBin = binPath
	})

	if residentBinErr != nil {
		t.Fatalf("build resident: %v", residentBinErr)
	}
	return residentBin
}

type harness struct {
	bin      string
	stateDir string
	port     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	h := &harness{bin: buildResident(t), stateDir: t.TempDir(), port: port}
	t.Cleanup(func() {
		_, _, _ = h.run(t, "daemon", "stop", "--quiet")
	})
	return h
}

// run executes one client invocation and returns stdout, stderr, and the
// exit code. It is safe to call from several goroutines.
func (h *harness) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Env = []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
		"RESIDENT_STATE_DIR=" + h.stateDir,
		"RESIDENT_PORT=" + strconv.Itoa(h.port),
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		t.Errorf("run %v: %v", args, err)
		code = -1
	}
	return stdout.String(), stderr.String(), code
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := h.run(t, args...)
	if code != 0 {
		t.Fatalf("%v exited %d\nstdout: %s\nstderr: %s", args, code, out, errOut)
	}
	return out
}

type statusJSON struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

func (h *harness) status(t *testing.T) statusJSON {
	t.Helper()
	out, errOut, _ := h.run(t, "daemon", "status", "--json")
	var st statusJSON
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output %q: %v (stderr %s)", out, err, errOut)
	}
	return st
}

func TestRoundTrip_FirstCommandSpawnsWorker(t *testing.T) {
	h := newHarness(t)

	out, _, code := h.run(t, "daemon", "status")
	if code != 1 || !strings.Contains(out, "not running") {
		t.Fatalf("status before spawn = %q (exit %d)", out, code)
	}

	if got := h.mustRun(t, "counter"); got != "hits: 1\n" {
		t.Fatalf("first counter = %q", got)
	}
	if got := h.mustRun(t, "counter"); got != "hits: 2\n" {
		t.Fatalf("second counter = %q, want state kept in the worker", got)
	}

	st := h.status(t)
	if !st.Running || st.PID <= 0 || st.Version == "" {
		t.Fatalf("status after spawn = %+v", st)
	}
}

func TestRoundTrip_ErrorsKeepTheirMessage(t *testing.T) {
	h := newHarness(t)

	_, errOut, code := h.run(t, "sleep", "forever")
	if code != 1 || !strings.Contains(errOut, `invalid duration "forever"`) {
		t.Fatalf("sleep forever = exit %d, stderr %q", code, errOut)
	}
	if strings.Contains(errOut, "failure.go") {
		t.Fatalf("user-facing error printed a stack: %q", errOut)
	}
}

func TestRoundTrip_AskStreamsPartials(t *testing.T) {
	h := newHarness(t)

	got := h.mustRun(t, "ask", "is", "it", "warm")
	want := "… is\n… it\n… warm\nIS IT WARM (3 words)\n"
	if got != want {
		t.Fatalf("ask output = %q, want %q", got, want)
	}
}

func TestCrash_KilledWorkerIsReplaced(t *testing.T) {
	h := newHarness(t)

	h.mustRun(t, "note", "add", "survives", "a", "crash")
	h.mustRun(t, "counter")
	first := h.status(t)
	if !first.Running {
		t.Fatalf("worker not running: %+v", first)
	}

	if err := syscall.Kill(first.PID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill worker: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for syscall.Kill(first.PID, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatal("worker still alive after SIGKILL")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The stale pid file and the kernel-released lock must not block a
	// successor.
	if got := h.mustRun(t, "counter"); got != "hits: 1\n" {
		t.Fatalf("counter after crash = %q, want a fresh worker", got)
	}
	second := h.status(t)
	if second.PID == first.PID {
		t.Fatalf("worker pid unchanged after crash: %d", second.PID)
	}
	if got := h.mustRun(t, "note", "list"); !strings.Contains(got, "survives a crash") {
		t.Fatalf("note list after crash = %q", got)
	}
}

func TestRecovery_StopThenRestart(t *testing.T) {
	h := newHarness(t)

	h.mustRun(t, "daemon", "start", "--quiet")
	before := h.status(t)

	if got := h.mustRun(t, "daemon", "restart"); got != "✓ Worker restarted\n" {
		t.Fatalf("restart output = %q", got)
	}
	after := h.status(t)
	if !after.Running || after.PID == before.PID {
		t.Fatalf("restart kept pid %d: %+v", before.PID, after)
	}

	if got := h.mustRun(t, "reload"); !strings.Contains(got, "successor") {
		t.Fatalf("reload output = %q", got)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		st := h.status(t)
		if st.Running && st.PID != after.PID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no successor after reload: %+v", st)
		}
		time.Sleep(50 * time.Millisecond)
	}

	h.mustRun(t, "daemon", "stop", "--quiet")
	if out, _, code := h.run(t, "daemon", "status"); code != 1 {
		t.Fatalf("status after stop = %q (exit %d)", out, code)
	}
}

func TestConcurrent_ClientsShareOneWorker(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "daemon", "start", "--quiet")

	const clients = 8
	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, errOut, code := h.run(t, "echo", "hello", "there")
			if code != 0 || out != "hello there\n" {
				t.Errorf("echo = %q (exit %d, stderr %q)", out, code, errOut)
			}
		}()
	}
	wg.Wait()

	got := h.mustRun(t, "counter")
	if got != "hits: 1\n" {
		t.Fatalf("counter = %q, want the one shared worker", got)
	}
}

func TestConcurrent_ColdClientsShareOneWorker(t *testing.T) {
	h := newHarness(t)

	// No worker yet: every client races to spawn one.
	const clients = 6
	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, errOut, code := h.run(t, "echo", "hi")
			if code != 0 || out != "hi\n" {
				t.Errorf("cold echo = %q (exit %d, stderr %q)", out, code, errOut)
			}
		}()
	}
	wg.Wait()

	if got := h.mustRun(t, "counter"); got != "hits: 1\n" {
		t.Fatalf("counter = %q, want the one shared worker", got)
	}
}

func TestConcurrent_ClientRestarts(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "daemon", "start", "--quiet")

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, errOut, code := h.run(t, "daemon", "restart", "--quiet")
			if code != 0 {
				t.Errorf("restart = %q (exit %d, stderr %q)", out, code, errOut)
			}
		}()
	}
	wg.Wait()

	if st := h.status(t); !st.Running {
		t.Fatalf("status after concurrent restarts = %+v", st)
	}
	h.mustRun(t, "echo", "still", "here")
}
