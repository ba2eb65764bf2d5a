// Package sync drains the sync queue against the remote backend.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/sync/remote"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

// SkipReason explains why a pass did not run.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipAlreadySyncing     SkipReason = "already_syncing"
	SkipOffline            SkipReason = "offline"
	SkipStorageUnavailable SkipReason = "storage_unavailable"
	SkipNoSession          SkipReason = "no_session"
)

// Message returns the human-readable form of a skip reason.
func (r SkipReason) Message() string {
	switch r {
	case SkipAlreadySyncing:
		return "sync already in progress"
	case SkipOffline:
		return "device is offline"
	case SkipStorageUnavailable:
		return "local storage unavailable"
	case SkipNoSession:
		return "no user session"
	default:
		return ""
	}
}

// ItemError describes one item that did not sync during a pass.
type ItemError struct {
	ID        string           `json:"id"`
	Table     models.Table     `json:"table"`
	Operation models.Operation `json:"operation"`
	Message   string           `json:"message"`
	Code      string           `json:"code,omitempty"`
}

func (e ItemError) String() string {
	return fmt.Sprintf("%s %s %s: %s", e.Table, e.Operation, e.ID, e.Message)
}

// PassResult is the outcome of one Sync call.
type PassResult struct {
	Ran         bool        `json:"ran"`
	Reason      SkipReason  `json:"reason,omitempty"`
	Message     string      `json:"message,omitempty"`
	Success     bool        `json:"success"`
	SyncedCount int         `json:"synced_count"`
	Skipped     int         `json:"skipped"`
	Errors      []ItemError `json:"errors,omitempty"`
	Exhausted   []string    `json:"exhausted,omitempty"`
	// Interrupted is set when the context ended before every item was attempted.
	Interrupted bool      `json:"interrupted,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// ErrorSummary joins the item errors into the single string shown to users.
func (r *PassResult) ErrorSummary() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	if len(r.Errors) == 1 {
		return r.Errors[0].Message
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.String())
	}
	return fmt.Sprintf("%d items failed to sync: %s", len(r.Errors), strings.Join(parts, "; "))
}

func skipped(reason SkipReason, now time.Time) *PassResult {
	return &PassResult{
		Reason:     reason,
		Message:    reason.Message(),
		StartedAt:  now,
		FinishedAt: now,
	}
}

// Connectivity reports whether the remote is considered reachable.
type Connectivity interface {
	IsOnline() bool
}

// Options configures a Synchronizer.
type Options struct {
	// MaxRetries is the automatic retry ceiling. Defaults to 5.
	MaxRetries int
	// Handlers overrides DefaultHandlers.
	Handlers map[models.Table]Handler
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// Synchronizer runs sync passes. At most one pass runs at a time.
type Synchronizer struct {
	store    *db.Store
	queue    *queue.SyncQueue
	remote   remote.Remote
	handlers map[models.Table]Handler
	state    *State
	conn     Connectivity

	maxRetries int
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store *db.Store, q *queue.SyncQueue, r remote.Remote, opts Options) *Synchronizer {
	s := &Synchronizer{
		store:      store,
		queue:      q,
		remote:     r,
		handlers:   opts.Handlers,
		state:      NewState(),
		maxRetries: opts.MaxRetries,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if s.handlers == nil {
		s.handlers = DefaultHandlers()
	}
	if s.maxRetries <= 0 {
		s.maxRetries = queue.DefaultMaxRetries
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetConnectivity installs the online check used by the pass guard. Without
// one the device is assumed online.
func (s *Synchronizer) SetConnectivity(c Connectivity) {
	s.conn = c
}

// MaxRetries returns the retry ceiling.
func (s *Synchronizer) MaxRetries() int {
	return s.maxRetries
}

// State returns a snapshot of the pass state.
func (s *Synchronizer) State() StateSnapshot {
	return s.state.Snapshot()
}

// IsSyncing reports whether a pass is in flight.
func (s *Synchronizer) IsSyncing() bool {
	return s.state.Snapshot().Syncing()
}

// LastSyncTime returns when the last pass completed, or nil.
func (s *Synchronizer) LastSyncTime() *time.Time {
	return s.state.Snapshot().LastSync
}

// PendingCount returns the number of unsynced queue items. It returns zero
// when storage is unavailable.
func (s *Synchronizer) PendingCount(ctx context.Context) int {
	if err := s.store.Probe(ctx); err != nil {
		return 0
	}
	n, err := s.queue.Count(ctx)
	if err != nil {
		logging.Warn("failed to count pending items", map[string]interface{}{"error": err.Error()})
		return 0
	}
	s.metrics.SetPending(n)
	return n
}

// Sync runs one pass over the items pending at its start. Guard failures
// return a result with Ran=false instead of an error; item failures are
// recorded on the queue and reported in the result.
func (s *Synchronizer) Sync(ctx context.Context) *PassResult {
	if s.conn != nil && !s.conn.IsOnline() {
		s.metrics.PassSkipped(string(SkipOffline))
		return skipped(SkipOffline, s.now())
	}
	// The guard is taken before the first blocking call.
	start := s.now()
	if !s.state.TryBegin(start) {
		s.metrics.PassSkipped(string(SkipAlreadySyncing))
		logging.Debug("sync pass skipped: already running")
		return skipped(SkipAlreadySyncing, start)
	}

	if err := s.store.Probe(ctx); err != nil {
		s.state.Finish(s.now(), false, "")
		s.metrics.PassSkipped(string(SkipStorageUnavailable))
		logging.Warn("sync pass skipped: storage unavailable", map[string]interface{}{"error": err.Error()})
		return skipped(SkipStorageUnavailable, start)
	}

	result := &PassResult{Ran: true, StartedAt: start}
	s.runPass(ctx, result)

	result.FinishedAt = s.now()
	result.Success = len(result.Errors) == 0 && !result.Interrupted
	s.state.Finish(result.FinishedAt, true, result.ErrorSummary())
	s.metrics.PassFinished(result.Success, result.FinishedAt.Sub(start), result.FinishedAt)
	s.PendingCount(ctx)

	logging.Info("sync pass finished", map[string]interface{}{
		"synced":      result.SyncedCount,
		"failed":      len(result.Errors),
		"skipped":     result.Skipped,
		"exhausted":   len(result.Exhausted),
		"success":     result.Success,
		"interrupted": result.Interrupted,
		"duration_ms": result.FinishedAt.Sub(start).Milliseconds(),
	})
	return result
}

func (s *Synchronizer) runPass(ctx context.Context, result *PassResult) {
	items, err := s.queue.Pending(ctx)
	if err != nil {
		logging.Error("failed to read pending items", err)
		result.Errors = append(result.Errors, ItemError{
			Message: err.Error(),
			Code:    string(apperrors.CodeOf(err)),
		})
		return
	}

	env := Env{Store: s.store, Remote: s.remote}
	for _, item := range items {
		if ctx.Err() != nil {
			result.Interrupted = true
			logging.Warn("sync pass interrupted", map[string]interface{}{"error": ctx.Err().Error()})
			break
		}
		s.processItem(ctx, env, item, result)
	}

	exhausted, err := s.queue.CleanupExhausted(ctx, s.maxRetries)
	if err != nil {
		logging.Warn("exhausted item detection failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, item := range exhausted {
		result.Exhausted = append(result.Exhausted, item.ID)
	}
	s.metrics.SetExhausted(len(exhausted))
}

func (s *Synchronizer) processItem(ctx context.Context, env Env, item *models.SyncQueue, result *PassResult) {
	logCtx := map[string]interface{}{
		"id":          item.ID,
		"table":       string(item.TableName),
		"operation":   string(item.Operation),
		"retry_count": item.RetryCount,
	}

	if item.RetryCount >= s.maxRetries {
		result.Skipped++
		result.Errors = append(result.Errors, ItemError{
			ID:        item.ID,
			Table:     item.TableName,
			Operation: item.Operation,
			Message:   fmt.Sprintf("retry limit of %d reached; last error: %s", s.maxRetries, item.LastError),
			Code:      string(apperrors.ErrRetryExhausted),
		})
		s.metrics.ItemProcessed(string(item.TableName), string(item.Operation), "skipped")
		return
	}

	handler, ok := s.handlers[item.TableName]
	var res Result
	var err error
	if !ok {
		err = apperrors.Newf(apperrors.ErrHandlerMissing, "no sync handler for table %q", item.TableName)
	} else {
		res, err = handler.Apply(ctx, env, item)
	}

	if err != nil {
		s.fail(ctx, item, err, result, logCtx)
		return
	}

	if err := s.queue.MarkSynced(ctx, item.ID, res.RemoteID); err != nil {
		// The remote write landed; a replay resolves to AlreadyExists.
		s.fail(ctx, item, err, result, logCtx)
		return
	}
	result.SyncedCount++
	s.metrics.ItemProcessed(string(item.TableName), string(item.Operation), res.Outcome)
	logCtx["outcome"] = res.Outcome
	if res.RemoteID != "" {
		logCtx["remote_id"] = res.RemoteID
	}
	logging.Debug("sync item applied", logCtx)
}

func (s *Synchronizer) fail(ctx context.Context, item *models.SyncQueue, err error, result *PassResult, logCtx map[string]interface{}) {
	code := apperrors.CodeOf(err)
	result.Errors = append(result.Errors, ItemError{
		ID:        item.ID,
		Table:     item.TableName,
		Operation: item.Operation,
		Message:   err.Error(),
		Code:      string(code),
	})
	s.metrics.ItemProcessed(string(item.TableName), string(item.Operation), "failed")
	logging.ErrorWithCode("sync item failed", string(code), err, logCtx)

	if rerr := s.queue.IncrementRetry(ctx, item.ID, err.Error()); rerr != nil {
		logging.Error("failed to record retry", rerr, logCtx)
	}
}
