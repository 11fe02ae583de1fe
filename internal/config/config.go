// Package config loads peersync settings from a YAML file, PEERSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so sync.idle_timeout
// is read from PEERSYNC_SYNC_IDLE_TIMEOUT.
const EnvPrefix = "PEERSYNC"

// Config is the full set of settings.
type Config struct {
	DB        string          `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Watch     WatchConfig     `mapstructure:"watch"`
}

// LogConfig controls where component logs go.
type LogConfig struct {
	// File rotates logs into this path instead of stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Quiet      bool   `mapstructure:"quiet"`
}

// SyncConfig tunes sync sessions.
type SyncConfig struct {
	ChunkPause     time.Duration `mapstructure:"chunk_pause"`
	PauseEvery     int           `mapstructure:"pause_every"`
	MaxFileRetries int           `mapstructure:"max_file_retries"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// SignalConfig controls offer/answer pairing.
type SignalConfig struct {
	Compress      bool          `mapstructure:"compress"`
	STUN          []string      `mapstructure:"stun"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

// DashboardConfig controls the monitoring feed.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WatchConfig controls the folder importer.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment overrides to apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", filepath.Join(".peersync", "peersync.db"))

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.quiet", false)

	v.SetDefault("sync.chunk_pause", 10*time.Millisecond)
	v.SetDefault("sync.pause_every", 10)
	v.SetDefault("sync.max_file_retries", 2)
	v.SetDefault("sync.idle_timeout", time.Duration(0))

	v.SetDefault("signal.compress", true)
	v.SetDefault("signal.stun", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("signal.gather_timeout", 5*time.Second)

	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("watch.debounce", 100*time.Millisecond)
}

// New returns a viper instance with defaults and environment binding set
// up. When file is empty, peersync.yaml is searched for in the working
// directory and then in the user config directory.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("peersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "peersync"))
		}
	}
	return v
}

// Load reads the config file, if any, and decodes every setting. A missing
// file in the search path is not an error; a missing explicit file is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.DB == "":
		return fmt.Errorf("db path cannot be empty")
	case c.Sync.PauseEvery < 0:
		return fmt.Errorf("sync.pause_every cannot be negative")
	case c.Sync.MaxFileRetries < 0:
		return fmt.Errorf("sync.max_file_retries cannot be negative")
	case c.Sync.ChunkPause < 0 || c.Sync.IdleTimeout < 0:
		return fmt.Errorf("sync durations cannot be negative")
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}
