package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/config"
	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/services"
	syncpkg "github.com/kimhsiao/wellnest/backend/internal/sync"
	"github.com/kimhsiao/wellnest/backend/internal/sync/connectivity"
	"github.com/kimhsiao/wellnest/backend/internal/sync/monitor"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/sync/remote"
	"github.com/kimhsiao/wellnest/backend/internal/sync/retention"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	dataDir    string
	userID     string
	ephemeral  bool
	offline    bool
	jsonOut    bool
}

// app is everything a command needs, opened once per invocation.
type app struct {
	cfg         *config.Config
	database    *db.DB
	store       *db.Store
	queue       *queue.SyncQueue
	remote      remote.Remote
	closeRemote func()
	metrics     *telemetry.Metrics
	sync        *syncpkg.Synchronizer
	monitor     *monitor.Monitor
	recorder    *services.Recorder
	cleaner     *retention.Cleaner
}

// loadConfig resolves configuration and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	v := config.New()
	if opts.dataDir != "" {
		v.Set("data_dir", opts.dataDir)
	}
	if opts.userID != "" {
		v.Set("user_id", opts.userID)
	}
	cfg, err := config.Load(v, opts.configPath)
	if err != nil {
		return nil, err
	}
	logging.Configure(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, nil
}

// openApp opens storage and the remote and wires the sync components.
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	var database *db.DB
	if opts.ephemeral {
		database, err = db.OpenMemory()
	} else {
		database, err = db.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open local storage", err)
	}

	a := &app{cfg: cfg, database: database, metrics: telemetry.Default(), closeRemote: func() {}}
	a.store = db.NewStore(database.DB)
	a.queue = queue.NewSyncQueue(a.store)

	switch cfg.Remote.Driver {
	case config.DriverPostgres:
		pg, err := remote.NewPostgresRemote(ctx, cfg.Remote.DSN, remote.PoolOptions{
			MaxConns:        cfg.Remote.MaxConns,
			MaxConnLifetime: cfg.Remote.MaxConnLifetime,
			MaxConnIdleTime: cfg.Remote.MaxConnIdleTime,
		})
		if err != nil {
			a.Close()
			return nil, apperrors.Wrap(apperrors.ErrConfig, "open remote", err)
		}
		a.remote = pg
		a.closeRemote = pg.Close
	default:
		a.remote = remote.NewMemoryRemote()
	}

	a.sync = syncpkg.NewSynchronizer(a.store, a.queue, a.remote, syncpkg.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Metrics:    a.metrics,
	})
	a.monitor = monitor.New(a.sync, monitor.StaticSession{ID: cfg.UserID}, &monitor.Config{
		PollInterval:     cfg.Monitor.PollInterval,
		SettleDelay:      cfg.Monitor.SettleDelay,
		MountSettleDelay: cfg.Monitor.MountSettleDelay,
		SyncInterval:     cfg.Monitor.SyncInterval,
		SyncTimeout:      cfg.Monitor.SyncTimeout,
		StartOffline:     opts.offline,
	})
	a.recorder = services.NewRecorder(a.store, a.queue, cfg.UserID)
	a.recorder.OnQueued(func() { a.monitor.RefreshPending(ctx) })
	a.cleaner = retention.NewCleaner(a.store, a.queue, a.metrics, retention.Windows{
		Records: cfg.Retention.Records,
		Queue:   cfg.Retention.Queue,
	})
	return a, nil
}

// prober builds the reachability prober feeding the monitor.
func (a *app) prober() *connectivity.Prober {
	return connectivity.NewProber(a.remote, a.monitor, a.metrics, &connectivity.Config{
		Interval:         a.cfg.Connectivity.ProbeInterval,
		Timeout:          a.cfg.Connectivity.ProbeTimeout,
		FailureThreshold: a.cfg.Connectivity.FailureThreshold,
	})
}

// requireUser fails commands that write user data without a session.
func (a *app) requireUser() error {
	if a.cfg.UserID == "" {
		return apperrors.New(apperrors.ErrNoSession, "user_id is not configured (use --user or WELLNEST_USER_ID)")
	}
	return nil
}

// Close releases everything openApp opened.
func (a *app) Close() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.closeRemote()
	if a.store != nil {
		a.store.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
}

// =====================================================
// Output helpers
// =====================================================

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func printStatus(w io.Writer, st monitor.Status) {
	online := "offline"
	if st.IsOnline {
		online = "online"
	}
	fmt.Fprintf(w, "Connectivity: %s\n", online)
	fmt.Fprintf(w, "Syncing:      %v\n", st.IsSyncing)
	fmt.Fprintf(w, "Pending:      %d\n", st.PendingCount)
	fmt.Fprintf(w, "Last sync:    %s\n", formatTime(st.LastSyncTime))
	if st.SyncError != nil {
		fmt.Fprintf(w, "Last error:   %s\n", *st.SyncError)
	}
}

func printPassResult(w io.Writer, res *syncpkg.PassResult) {
	if !res.Ran {
		fmt.Fprintf(w, "Sync skipped: %s\n", res.Message)
		return
	}
	fmt.Fprintf(w, "Synced %d item(s) in %v\n", res.SyncedCount, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Skipped > 0 {
		fmt.Fprintf(w, "Skipped %d item(s) at the retry limit\n", res.Skipped)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  failed: %s\n", e.String())
	}
	if res.Interrupted {
		fmt.Fprintln(w, "Pass interrupted before every item was attempted")
	}
}
