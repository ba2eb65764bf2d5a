// Package retention purges synced data once it ages out of its window.
package retention

import (
	"context"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

const (
	DefaultRecordWindow = 30 * 24 * time.Hour
	DefaultQueueWindow  = 7 * 24 * time.Hour
)

// Windows holds how long synced data is kept.
type Windows struct {
	Records time.Duration
	Queue   time.Duration
}

// Report describes one cleanup run.
type Report struct {
	Records    map[models.Table]int64 `json:"records"`
	QueueItems int64                  `json:"queue_items"`
	RanAt      time.Time              `json:"ran_at"`
}

// Total returns the number of rows removed.
func (r Report) Total() int64 {
	n := r.QueueItems
	for _, c := range r.Records {
		n += c
	}
	return n
}

// Cleaner removes synced records and queue items older than their windows.
// Unsynced records and items are never removed.
type Cleaner struct {
	store   *db.Store
	queue   *queue.SyncQueue
	metrics *telemetry.Metrics
	windows Windows
}

// NewCleaner creates a Cleaner. Zero windows fall back to the defaults.
func NewCleaner(store *db.Store, q *queue.SyncQueue, metrics *telemetry.Metrics, windows Windows) *Cleaner {
	if windows.Records <= 0 {
		windows.Records = DefaultRecordWindow
	}
	if windows.Queue <= 0 {
		windows.Queue = DefaultQueueWindow
	}
	return &Cleaner{store: store, queue: q, metrics: metrics, windows: windows}
}

// Windows returns the effective retention windows.
func (c *Cleaner) Windows() Windows {
	return c.windows
}

// Run purges everything past its window as of now. It stops at the first
// storage error and returns what it removed so far.
func (c *Cleaner) Run(ctx context.Context, now time.Time) (Report, error) {
	report := Report{Records: make(map[models.Table]int64), RanAt: now}
	if err := c.store.Probe(ctx); err != nil {
		return report, err
	}

	recordCutoff := now.Add(-c.windows.Records)
	for _, table := range models.Tables {
		n, err := c.store.DeleteOlderThan(ctx, table, recordCutoff, models.Filter{})
		if err != nil {
			logging.Error("retention purge failed", err, map[string]interface{}{"table": string(table)})
			return report, err
		}
		report.Records[table] = n
		c.metrics.Purged(string(table), n)
	}

	n, err := c.queue.PurgeSynced(ctx, now.Add(-c.windows.Queue))
	if err != nil {
		logging.Error("retention purge failed", err, map[string]interface{}{"table": "sync_queue"})
		return report, err
	}
	report.QueueItems = n
	c.metrics.Purged("sync_queue", n)

	logging.Info("retention cleanup finished", map[string]interface{}{
		"records":     report.Total() - report.QueueItems,
		"queue_items": report.QueueItems,
	})
	return report, nil
}

// Start runs cleanup every interval until ctx is done. Errors are logged
// and the next tick tries again.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := c.Run(ctx, now); err != nil && ctx.Err() == nil {
				logging.Warn("scheduled retention cleanup failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
