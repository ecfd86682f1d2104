// Package config loads settings from a config file, INVSYNC_ environment
// variables and defaults, and reloads them when the file changes.
package config

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. INVSYNC_SYNC_MAX_ATTEMPTS.
const EnvPrefix = "INVSYNC"

// Config is the full application configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir" yaml:"data_dir"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// InitLogging sets up the global logger. Output goes to the rotating log
// file when one is configured, otherwise to fallback.
func (c LogConfig) InitLogging(fallback io.Writer) {
	level := logging.ParseLevel(c.Level)
	if c.File != "" {
		logging.InitFile(logging.FileConfig{
			Path:       c.File,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
		}, level)
	} else {
		logging.Init(fallback, level)
	}
	logging.SetLevel(level)
}

// QueueConfig configures the queue store and its retention.
type QueueConfig struct {
	MaxSize       int           `mapstructure:"max_size" yaml:"max_size"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" yaml:"purge_interval"`
}

// SyncConfig configures the drain pass.
type SyncConfig struct {
	MaxConcurrentSends int           `mapstructure:"max_concurrent_sends" yaml:"max_concurrent_sends"`
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Jitter             float64       `mapstructure:"jitter" yaml:"jitter"`
	SendTimeout        time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	PassTimeout        time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout"`
}

// RemoteConfig configures the remote store client. An empty BaseURL selects
// the in-process store.
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Token             string        `mapstructure:"token" yaml:"-"`
	UserID            string        `mapstructure:"user_id" yaml:"user_id"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// ConnectivityConfig configures the monitor and its prober.
type ConnectivityConfig struct {
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// ServerConfig configures the desktop HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultDataDir returns the platform data directory for invsync.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "invsync")
	}
	return ".invsync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("queue.max_size", 0)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.purge_interval", time.Hour)

	v.SetDefault("sync.max_concurrent_sends", 4)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.base_backoff", 2*time.Second)
	v.SetDefault("sync.max_backoff", time.Hour)
	v.SetDefault("sync.jitter", 0.2)
	v.SetDefault("sync.send_timeout", 30*time.Second)
	v.SetDefault("sync.pass_timeout", 5*time.Minute)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.user_id", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.requests_per_second", 0.0)
	v.SetDefault("remote.burst", 1)

	v.SetDefault("connectivity.debounce", 1500*time.Millisecond)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)

	v.SetDefault("server.addr", "127.0.0.1:8090")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	case c.Sync.MaxConcurrentSends < 1:
		return apperrors.New(apperrors.ErrValidation, "sync.max_concurrent_sends must be at least 1")
	case c.Sync.MaxAttempts < 1:
		return apperrors.New(apperrors.ErrValidation, "sync.max_attempts must be at least 1")
	case c.Sync.BaseBackoff < 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff:
		return apperrors.New(apperrors.ErrValidation, "sync.max_backoff must not be below sync.base_backoff")
	case c.Sync.Jitter < 0 || c.Sync.Jitter > 1:
		return apperrors.New(apperrors.ErrValidation, "sync.jitter must be between 0 and 1")
	case c.Queue.MaxSize < 0:
		return apperrors.New(apperrors.ErrValidation, "queue.max_size must not be negative")
	case c.Remote.RequestsPerSecond < 0:
		return apperrors.New(apperrors.ErrValidation, "remote.requests_per_second must not be negative")
	}
	return nil
}

// Loader reads Config through viper and keeps the last valid value.
type Loader struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// NewLoader creates a Loader. path may be empty, in which case
// invsync.yaml is searched in the working directory and the data directory.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("invsync")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}
	return &Loader{v: v}
}

// Load reads the config file if any and returns the merged Config.
// A missing file is not an error when no explicit path was given.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to read config file", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	logging.Debug("Configuration loaded", map[string]interface{}{
		"file": l.v.ConfigFileUsed(),
	})
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the last valid Config, or nil before Load.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// File returns the config file in use, if any.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the config file on every write and calls onChange with the
// previous and new values. Invalid edits are logged and ignored. Watch only
// has an effect when a config file was found by Load.
func (l *Loader) Watch(onChange func(prev, next *Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid configuration change", map[string]interface{}{
				"file":  e.Name,
				"error": err.Error(),
			})
			return
		}

		l.mu.Lock()
		prev := l.current
		l.current = next
		l.mu.Unlock()

		logging.Info("Configuration reloaded", map[string]interface{}{
			"file": e.Name,
		})
		if onChange != nil {
			onChange(prev, next)
		}
	})
	l.v.WatchConfig()
}
