// Package config resolves the settings shared by the client and worker sides
// of a resident program.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys. Each is also a flag name and, upper-cased with the program
// prefix, an environment variable (e.g. RESIDENT_STATUS_TIMEOUT).
const (
	KeyPort          = "port"
	KeyVersion       = "version"
	KeyDebug         = "debug"
	KeyStatusTimeout = "status_timeout"
	KeyStateDir      = "state_dir"
	KeyLogLevel      = "log_level"
	KeyLogFormat     = "log_format"
	KeyMessageRate   = "message_rate"
	KeyConfig        = "config"
)

const (
	DefaultPort          = 7425
	DefaultStatusTimeout = 2 * time.Second
)

// Config is the resolved configuration.
type Config struct {
	// Name is the program name; it prefixes environment variables, state
	// files, and log files.
	Name          string
	Port          int
	Version       string
	Debug         bool
	StatusTimeout time.Duration
	StateDir      string
	LogLevel      string
	LogFormat     string
	// MessageRate caps custom messages per second on one session; zero
	// means unlimited.
	MessageRate float64
	// File is the config file that was read, if any.
	File string
}

// Default returns the configuration used when nothing overrides it.
func Default(name string) *Config {
	return &Config{
		Name:          name,
		Port:          DefaultPort,
		Version:       BuildVersion(),
		StatusTimeout: DefaultStatusTimeout,
		StateDir:      DefaultStateDir(name),
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// RegisterFlags adds the persistent flags Load understands.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyPort, DefaultPort, "worker port on localhost")
	fs.Bool(KeyDebug, false, "trace every message exchanged with the worker")
	fs.Duration(KeyStatusTimeout, DefaultStatusTimeout, "how long status waits for the worker")
	fs.String(KeyStateDir, "", "directory for pid, lock, and log files")
	fs.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, "console", "log format (console, json)")
	fs.Float64(KeyMessageRate, 0, "custom messages per second per client (0 for unlimited)")
	fs.String(KeyConfig, "", "config file (default <state_dir>/config.json)")
}

// Load resolves configuration with precedence flag > environment > config
// file > defaults. fs may be nil. A missing default config file is not an
// error; a missing explicit one is.
func Load(name string, fs *pflag.FlagSet) (*Config, error) {
	def := Default(name)
	v := viper.New()
	v.SetDefault(KeyPort, def.Port)
	v.SetDefault(KeyVersion, def.Version)
	v.SetDefault(KeyDebug, def.Debug)
	v.SetDefault(KeyStatusTimeout, def.StatusTimeout)
	v.SetDefault(KeyStateDir, def.StateDir)
	v.SetDefault(KeyLogLevel, def.LogLevel)
	v.SetDefault(KeyLogFormat, def.LogFormat)
	v.SetDefault(KeyMessageRate, def.MessageRate)

	v.SetEnvPrefix(EnvPrefix(name))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindChanged(v, fs); err != nil {
			return nil, err
		}
	}

	explicit := v.GetString(KeyConfig)
	file := explicit
	if file == "" {
		file = filepath.Join(v.GetString(KeyStateDir), "config.json")
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		if explicit != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		file = ""
	}

	cfg := &Config{
		Name:          name,
		Port:          v.GetInt(KeyPort),
		Version:       v.GetString(KeyVersion),
		Debug:         v.GetBool(KeyDebug),
		StatusTimeout: v.GetDuration(KeyStatusTimeout),
		StateDir:      v.GetString(KeyStateDir),
		LogLevel:      v.GetString(KeyLogLevel),
		LogFormat:     v.GetString(KeyLogFormat),
		MessageRate:   v.GetFloat64(KeyMessageRate),
		File:          file,
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindChanged binds only flags the user set, so an unset flag's default does
// not shadow the environment or the config file.
func bindChanged(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || !f.Changed {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.StatusTimeout <= 0 {
		return fmt.Errorf("status_timeout must be positive, got %s", c.StatusTimeout)
	}
	if c.MessageRate < 0 {
		return fmt.Errorf("message_rate must not be negative, got %g", c.MessageRate)
	}
	if c.StateDir == "" {
		return errors.New("state_dir must not be empty")
	}
	if c.Version == "" {
		return errors.New("version must not be empty")
	}
	return nil
}

// Addr returns the worker's listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("localhost:%d", c.Port)
}

// PIDPath returns the pid file of the worker on this port.
func (c *Config) PIDPath() string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s-%d.pid", c.Name, c.Port))
}

// LockPath returns the single-instance lock file for this port.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s-%d.lock", c.Name, c.Port))
}

// LogPath returns the worker log file for this port.
func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s-%d.log", c.Name, c.Port))
}

// Environ renders the resolved settings as environment variables so a
// spawned worker resolves the same configuration without re-parsing flags.
// The version is left out: a worker always reports its own build.
func (c *Config) Environ() []string {
	p := EnvPrefix(c.Name) + "_"
	env := []string{
		p + "PORT=" + strconv.Itoa(c.Port),
		p + "STATUS_TIMEOUT=" + c.StatusTimeout.String(),
		p + "STATE_DIR=" + c.StateDir,
		p + "LOG_LEVEL=" + c.LogLevel,
		p + "LOG_FORMAT=" + c.LogFormat,
	}
	if c.MessageRate > 0 {
		env = append(env, p+"MESSAGE_RATE="+strconv.FormatFloat(c.MessageRate, 'g', -1, 64))
	}
	if c.Debug {
		env = append(env, p+"DEBUG=1")
	}
	return env
}

// EnvPrefix returns the environment variable prefix for a program name.
func EnvPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// DefaultStateDir returns $XDG_STATE_HOME/<name>, falling back to
// ~/.local/state/<name> and then the temp dir.
func DefaultStateDir(name string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// BuildVersion returns the main module version from build info, or "dev".
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
