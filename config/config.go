// Package config loads the settings shared by arbiterd and arbiterctl.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, ACCESSLOCK_* environment variables (dots become underscores,
// so store.dir is ACCESSLOCK_STORE_DIR) and command line flags bound by the
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/server"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ACCESSLOCK"

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

// Notification backends.
const (
	NotifyHub     = "hub"
	NotifyMailbox = "mailbox"
)

// Config is the complete accesslock configuration.
type Config struct {
	// Socket is the unix socket arbiterd listens on and arbiterctl dials.
	Socket string `mapstructure:"socket"`

	// ShutdownTimeout bounds the graceful stop of the daemon.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Arbiter   ArbiterConfig   `mapstructure:"arbiter"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects where arbitration state lives.
type StoreConfig struct {
	// Backend is "memory" (state dies with the daemon) or "file".
	Backend string `mapstructure:"backend"`
	// Dir holds one state file per class when Backend is "file".
	Dir string `mapstructure:"dir"`
	// LockTimeout bounds waiting for a class lock file.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// NotifyConfig selects how events reach processes.
type NotifyConfig struct {
	// Backend is "hub" (in the daemon only) or "mailbox" (event files that
	// processes without a daemon connection can watch).
	Backend string `mapstructure:"backend"`
	// Dir is the mailbox root when Backend is "mailbox".
	Dir string `mapstructure:"dir"`
	// PollInterval is the mailbox rescan period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BacklogSize bounds events kept for a process that has not subscribed.
	BacklogSize int `mapstructure:"backlog_size"`
}

// ArbiterConfig tunes the arbitration policy.
type ArbiterConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxWaiters       int           `mapstructure:"max_waiters"`
	MaxCASRetries    int           `mapstructure:"max_cas_retries"`
	// ProbeProcesses evicts holders whose operating system process is gone.
	ProbeProcesses bool `mapstructure:"probe_processes"`
}

// RateLimitConfig limits unary requests served by the daemon.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Burst    int           `mapstructure:"burst"`
	Window   time.Duration `mapstructure:"window"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Socket:          server.DefaultSocketPath,
		ShutdownTimeout: server.DefaultShutdownTimeout,
		Store: StoreConfig{
			Backend:     StoreMemory,
			Dir:         filepath.Join(os.TempDir(), "accesslock", "state"),
			LockTimeout: 2 * time.Second,
		},
		Notify: NotifyConfig{
			Backend:      NotifyHub,
			Dir:          filepath.Join(os.TempDir(), "accesslock", "mailbox"),
			PollInterval: notify.DefaultPollInterval,
			BacklogSize:  notify.DefaultBacklogSize,
		},
		Arbiter: ArbiterConfig{
			HeartbeatTimeout: arbiter.DefaultHeartbeatTimeout,
			SweepInterval:    arbiter.DefaultSweepInterval,
			MaxWaiters:       arbiter.DefaultMaxWaiters,
			MaxCASRetries:    arbiter.DefaultMaxCASRetries,
			ProbeProcesses:   true,
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Requests: server.DefaultRateLimit,
			Burst:    server.DefaultRateLimitBurst,
			Window:   server.DefaultRateLimitWindow,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logger.FormatText,
		},
	}
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("socket", defaults.Socket)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.dir", defaults.Store.Dir)
	v.SetDefault("store.lock_timeout", defaults.Store.LockTimeout)

	v.SetDefault("notify.backend", defaults.Notify.Backend)
	v.SetDefault("notify.dir", defaults.Notify.Dir)
	v.SetDefault("notify.poll_interval", defaults.Notify.PollInterval)
	v.SetDefault("notify.backlog_size", defaults.Notify.BacklogSize)

	v.SetDefault("arbiter.heartbeat_timeout", defaults.Arbiter.HeartbeatTimeout)
	v.SetDefault("arbiter.sweep_interval", defaults.Arbiter.SweepInterval)
	v.SetDefault("arbiter.max_waiters", defaults.Arbiter.MaxWaiters)
	v.SetDefault("arbiter.max_cas_retries", defaults.Arbiter.MaxCASRetries)
	v.SetDefault("arbiter.probe_processes", defaults.Arbiter.ProbeProcesses)

	v.SetDefault("rate_limit.enabled", defaults.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests", defaults.RateLimit.Requests)
	v.SetDefault("rate_limit.burst", defaults.RateLimit.Burst)
	v.SetDefault("rate_limit.window", defaults.RateLimit.Window)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
}

// New returns a viper instance with defaults and environment binding set
// up. When configFile is empty, config.yaml is looked up in ConfigDir and
// the working directory; a missing file is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "accesslock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".accesslock"
	}
	return filepath.Join(home, ".config", "accesslock")
}
