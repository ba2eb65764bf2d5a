package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
)

// TestLoad_defaults verifies the defaults without any file.
func TestLoad_defaults(t *testing.T) {
	t.Setenv("WELLNEST_DATA_DIR", t.TempDir())

	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Remote.Driver != DriverMemory {
		t.Errorf("Remote.Driver = %q, want memory", cfg.Remote.Driver)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("Sync.MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Monitor.SettleDelay != time.Second || cfg.Monitor.MountSettleDelay != 2*time.Second {
		t.Errorf("Monitor = %+v", cfg.Monitor)
	}
	if cfg.Monitor.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.Monitor.PollInterval)
	}
	if cfg.Retention.Records != 30*24*time.Hour || cfg.Retention.Queue != 7*24*time.Hour {
		t.Errorf("Retention = %+v", cfg.Retention)
	}
	if cfg.Remote.MaxConns != 3 {
		t.Errorf("Remote.MaxConns = %d, want 3", cfg.Remote.MaxConns)
	}
}

// TestLoad_file verifies a YAML file and an environment override.
func TestLoad_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wellnest.yaml")
	content := `
data_dir: ` + dir + `
user_id: user-7
remote:
  driver: postgres
  dsn: postgres://wellnest@localhost/wellnest
sync:
  max_retries: 3
monitor:
  settle_delay: 250ms
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("WELLNEST_SYNC_MAX_RETRIES", "8")

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.UserID != "user-7" {
		t.Errorf("UserID = %q, want user-7", cfg.UserID)
	}
	if cfg.Remote.Driver != DriverPostgres || cfg.Remote.DSN == "" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Sync.MaxRetries != 8 {
		t.Errorf("Sync.MaxRetries = %d, want env override 8", cfg.Sync.MaxRetries)
	}
	if cfg.Monitor.SettleDelay != 250*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 250ms", cfg.Monitor.SettleDelay)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

// TestLoad_missingFile verifies an explicit path must exist.
func TestLoad_missingFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	if !apperrors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Load() error = %v, want CONFIG_ERROR", err)
	}
}

// TestValidate verifies rejected configurations.
func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{DataDir: "/tmp/w", Remote: RemoteConfig{Driver: DriverMemory}, Sync: SyncConfig{MaxRetries: 5}}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Remote.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Remote.Driver = DriverPostgres }},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !apperrors.Is(err, apperrors.ErrConfig) {
				t.Errorf("Validate() = %v, want CONFIG_ERROR", err)
			}
		})
	}

	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
