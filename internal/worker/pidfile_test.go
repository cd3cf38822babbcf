package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testPIDInfo(pid int) PIDInfo {
	return PIDInfo{PID: pid, Port: 7425, Version: "1.0.0", StartedAt: time.Now().UTC().Truncate(time.Second)}
}

func TestWritePIDFileCreatesDirectory(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "subdir", "w.pid")
	want := testPIDInfo(os.Getpid())

	if err := WritePIDFile(pidPath, want); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	got, err := ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if got.PID != want.PID || got.Port != want.Port || got.Version != want.Version || !got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("ReadPIDFile = %+v, want %+v", got, want)
	}
	if _, err := os.Stat(pidPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary pid file left behind")
	}
}

func TestReadPIDFileInvalidContent(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "w.pid")
	if err := os.WriteFile(pidPath, []byte("not-json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(pidPath); err == nil {
		t.Fatal("expected error reading invalid pid file")
	}
}

func TestCheckPIDFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		running, info, err := CheckPIDFile(filepath.Join(dir, "none.pid"))
		if err != nil || running || info.PID != 0 {
			t.Fatalf("CheckPIDFile = (%v, %+v, %v)", running, info, err)
		}
	})

	t.Run("running", func(t *testing.T) {
		pidPath := filepath.Join(dir, "live.pid")
		if err := WritePIDFile(pidPath, testPIDInfo(os.Getpid())); err != nil {
			t.Fatal(err)
		}
		running, info, err := CheckPIDFile(pidPath)
		if err != nil || !running || info.PID != os.Getpid() {
			t.Fatalf("CheckPIDFile = (%v, %+v, %v)", running, info, err)
		}
	})

	t.Run("stale", func(t *testing.T) {
		// A pid very unlikely to be in use.
		pidPath := filepath.Join(dir, "stale.pid")
		if err := WritePIDFile(pidPath, testPIDInfo(999999)); err != nil {
			t.Fatal(err)
		}
		running, info, err := CheckPIDFile(pidPath)
		if err != nil || running || info.PID != 999999 {
			t.Fatalf("CheckPIDFile = (%v, %+v, %v)", running, info, err)
		}
	})
}

func TestRemovePIDFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("own", func(t *testing.T) {
		pidPath := filepath.Join(dir, "own.pid")
		if err := WritePIDFile(pidPath, testPIDInfo(100)); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(pidPath, 100); err != nil {
			t.Fatalf("RemovePIDFile: %v", err)
		}
		if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
			t.Fatal("pid file was not removed")
		}
	})

	t.Run("successor", func(t *testing.T) {
		pidPath := filepath.Join(dir, "next.pid")
		if err := WritePIDFile(pidPath, testPIDInfo(200)); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(pidPath, 100); err != nil {
			t.Fatalf("RemovePIDFile: %v", err)
		}
		if _, err := os.Stat(pidPath); err != nil {
			t.Fatal("successor's pid file was removed")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if err := RemovePIDFile(filepath.Join(dir, "none.pid"), 100); err != nil {
			t.Fatalf("RemovePIDFile on missing file: %v", err)
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		pidPath := filepath.Join(dir, "junk.pid")
		if err := os.WriteFile(pidPath, []byte("junk"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(pidPath, 100); err != nil {
			t.Fatalf("RemovePIDFile: %v", err)
		}
		if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
			t.Fatal("unreadable pid file was not removed")
		}
	})
}
