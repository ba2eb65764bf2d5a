// Package config loads Wellnest settings from a config file, a .env file and
// WELLNEST_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WELLNEST"

// Remote drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the resolved configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	UserID  string `mapstructure:"user_id"`

	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Log          LogConfig          `mapstructure:"log"`
	API          APIConfig          `mapstructure:"api"`
}

// RemoteConfig selects the remote backend.
type RemoteConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// MonitorConfig tunes the connectivity monitor.
type MonitorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	MountSettleDelay time.Duration `mapstructure:"mount_settle_delay"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	SyncTimeout      time.Duration `mapstructure:"sync_timeout"`
}

// ConnectivityConfig tunes the reachability prober.
type ConnectivityConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// RetentionConfig sets how long synced data is kept.
type RetentionConfig struct {
	Records  time.Duration `mapstructure:"records"`
	Queue    time.Duration `mapstructure:"queue"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// APIConfig configures the local status server.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("user_id", "")

	v.SetDefault("remote.driver", DriverMemory)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.max_conns", 3)
	v.SetDefault("remote.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("remote.max_conn_idle_time", 10*time.Minute)

	v.SetDefault("sync.max_retries", 5)

	v.SetDefault("monitor.poll_interval", 5*time.Second)
	v.SetDefault("monitor.settle_delay", time.Second)
	v.SetDefault("monitor.mount_settle_delay", 2*time.Second)
	v.SetDefault("monitor.sync_interval", time.Duration(0))
	v.SetDefault("monitor.sync_timeout", 5*time.Minute)

	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.failure_threshold", 2)

	v.SetDefault("retention.records", 30*24*time.Hour)
	v.SetDefault("retention.queue", 7*24*time.Hour)
	v.SetDefault("retention.interval", 6*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("api.listen", "127.0.0.1:8787")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "wellnest")
	}
	return ".wellnest"
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. path may name a config file; when empty,
// wellnest.{yaml,toml,json} is looked up in the working directory and the
// data directory. A .env file in the working directory is applied first
// without overriding variables that are already set.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "read .env", err)
	}
	if v == nil {
		v = New()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wellnest")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return apperrors.New(apperrors.ErrConfig, "remote.dsn is required for the postgres driver")
		}
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Sync.MaxRetries <= 0 {
		return apperrors.Newf(apperrors.ErrConfig, "sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	return nil
}
