package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/leonletto/resident/internal/config"
)

// isolate points the default state dir at a temp dir and clears any
// environment overrides for the test program name.
func isolate(t *testing.T) string {
	t.Helper()
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)
	for _, k := range []string{"PORT", "VERSION", "DEBUG", "STATUS_TIMEOUT", "STATE_DIR", "LOG_LEVEL", "LOG_FORMAT", "MESSAGE_RATE", "CONFIG"} {
		t.Setenv("CFGTEST_"+k, "")
		_ = os.Unsetenv("CFGTEST_" + k)
	}
	return filepath.Join(state, "cfgtest")
}

func TestLoadDefaults(t *testing.T) {
	stateDir := isolate(t)

	cfg, err := config.Load("cfgtest", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != config.DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, config.DefaultPort)
	}
	if cfg.StatusTimeout != config.DefaultStatusTimeout {
		t.Errorf("StatusTimeout = %s", cfg.StatusTimeout)
	}
	if cfg.StateDir != stateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, stateDir)
	}
	if cfg.Version == "" || cfg.Debug || cfg.File != "" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Addr() != "localhost:7425" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if filepath.Base(cfg.PIDPath()) != "cfgtest-7425.pid" || filepath.Base(cfg.LockPath()) != "cfgtest-7425.lock" {
		t.Errorf("unexpected state paths %s %s", cfg.PIDPath(), cfg.LockPath())
	}
}

func TestLoadPrecedence(t *testing.T) {
	stateDir := isolate(t)
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		t.Fatal(err)
	}
	file := `{"port": 9001, "status_timeout": "5s", "log_format": "json"}`
	if err := os.WriteFile(filepath.Join(stateDir, "config.json"), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("cfgtest", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9001 || cfg.StatusTimeout != 5*time.Second || cfg.LogFormat != "json" {
		t.Fatalf("file values not applied: %+v", cfg)
	}

	t.Setenv("CFGTEST_PORT", "9002")
	t.Setenv("CFGTEST_DEBUG", "1")
	cfg, err = config.Load("cfgtest", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9002 {
		t.Fatalf("env should override file, got port %d", cfg.Port)
	}
	if !cfg.Debug || cfg.LogLevel != "debug" {
		t.Fatalf("debug env should force debug level: %+v", cfg)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse([]string{"--port", "9003"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load("cfgtest", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9003 {
		t.Fatalf("flag should override env, got port %d", cfg.Port)
	}
	if cfg.StatusTimeout != 5*time.Second {
		t.Fatalf("unset flag must not shadow file value, got %s", cfg.StatusTimeout)
	}
}

func TestLoadExplicitConfigMissing(t *testing.T) {
	isolate(t)
	t.Setenv("CFGTEST_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	if _, err := config.Load("cfgtest", nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Port = 0 }},
		{"port too large", func(c *config.Config) { c.Port = 70000 }},
		{"zero timeout", func(c *config.Config) { c.StatusTimeout = 0 }},
		{"empty state dir", func(c *config.Config) { c.StateDir = "" }},
		{"negative message rate", func(c *config.Config) { c.MessageRate = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("cfgtest")
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvironRoundTrips(t *testing.T) {
	isolate(t)
	want := config.Default("cfgtest")
	want.Port = 9100
	want.StateDir = t.TempDir()
	want.StatusTimeout = 750 * time.Millisecond
	want.LogFormat = "json"
	want.MessageRate = 2.5
	want.Debug = true

	for _, kv := range want.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}
	got, err := config.Load("cfgtest", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Port != want.Port || got.StateDir != want.StateDir || got.StatusTimeout != want.StatusTimeout ||
		got.LogFormat != want.LogFormat || got.MessageRate != want.MessageRate || !got.Debug {
		t.Fatalf("Load after Environ = %+v, want %+v", got, want)
	}
}

func TestEnvPrefix(t *testing.T) {
	if got := config.EnvPrefix("my-tool"); got != "MY_TOOL" {
		t.Fatalf("EnvPrefix = %q", got)
	}
}
