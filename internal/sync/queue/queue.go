// Package queue provides the durable sync queue of pending remote mutations.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/uuid"
)

// DefaultMaxRetries is the automatic retry ceiling.
const DefaultMaxRetries = 5

// SyncQueue is the ordered record of remote work that remains. Items live in
// the sync_queue table so they survive restarts.
type SyncQueue struct {
	store *db.Store
	now   func() time.Time

	// lastCreated keeps created_at strictly increasing within the process so
	// two items enqueued in the same clock tick still drain in call order.
	mu          sync.Mutex
	lastCreated int64
}

// NewSyncQueue creates a SyncQueue backed by store.
func NewSyncQueue(store *db.Store) *SyncQueue {
	return &SyncQueue{store: store, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (q *SyncQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *SyncQueue) nextCreatedAt(now time.Time) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := now.UnixNano()
	if ts <= q.lastCreated {
		ts = q.lastCreated + 1
	}
	q.lastCreated = ts
	return ts
}

// Enqueue records a pending mutation and returns its client identifier.
// It never touches the network.
func (q *SyncQueue) Enqueue(ctx context.Context, table models.Table, op models.Operation, payload map[string]interface{}) (string, error) {
	return q.EnqueueWith(ctx, q.store, table, op, payload)
}

// EnqueueWith is Enqueue writing through store, typically the Store bound to
// the transaction that also holds the local write.
func (q *SyncQueue) EnqueueWith(ctx context.Context, store *db.Store, table models.Table, op models.Operation, payload map[string]interface{}) (string, error) {
	if !table.Valid() {
		return "", apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", table)
	}
	if !op.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidPayload, "encode payload", err)
	}
	if payload == nil {
		raw = []byte("{}")
	}

	now := q.now()
	item := &models.SyncQueue{
		ID:        uuid.NewClientID(now),
		TableName: table,
		Operation: op,
		Payload:   raw,
		CreatedAt: q.nextCreatedAt(now),
	}
	if err := store.InsertQueueItem(ctx, item); err != nil {
		return "", err
	}

	logging.Debug("enqueued sync item", map[string]interface{}{
		"id":        item.ID,
		"table":     string(table),
		"operation": string(op),
	})
	return item.ID, nil
}

// Pending returns every unsynced item, oldest first.
func (q *SyncQueue) Pending(ctx context.Context) ([]*models.SyncQueue, error) {
	return q.store.ListPendingQueueItems(ctx)
}

// Get returns a single item.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.SyncQueue, error) {
	return q.store.GetQueueItem(ctx, id)
}

// Count returns the number of unsynced items.
func (q *SyncQueue) Count(ctx context.Context) (int, error) {
	return q.store.CountPendingQueueItems(ctx)
}

// MarkSynced completes an item. A non-empty remoteID is merged into the
// stored payload under "remote_id"; the rest of the payload is untouched.
func (q *SyncQueue) MarkSynced(ctx context.Context, id string, remoteID string) error {
	var payload json.RawMessage
	if remoteID != "" {
		item, err := q.store.GetQueueItem(ctx, id)
		if err != nil {
			return err
		}
		fields, err := DecodePayload(item.Payload)
		if err != nil {
			return err
		}
		fields[models.PayloadRemoteID] = remoteID
		if payload, err = json.Marshal(fields); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidPayload, "encode payload", err)
		}
	}
	return q.store.MarkQueueItemSynced(ctx, id, payload)
}

// IncrementRetry records a failed attempt. The item stays pending.
func (q *SyncQueue) IncrementRetry(ctx context.Context, id string, errorMessage string) error {
	return q.store.IncrementQueueRetry(ctx, id, errorMessage)
}

// ResetRetry zeroes the retry counter so automatic passes pick the item up again.
func (q *SyncQueue) ResetRetry(ctx context.Context, id string) error {
	if err := q.store.ResetQueueRetry(ctx, id); err != nil {
		return err
	}
	logging.Info("sync item retry reset", map[string]interface{}{"id": id})
	return nil
}

// Remove hard-deletes an item. Only for completed or obsolete work.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	return q.store.DeleteQueueItem(ctx, id)
}

// CleanupExhausted returns the items at or above maxRetries. Nothing is
// deleted; exhausted items wait for manual resolution.
func (q *SyncQueue) CleanupExhausted(ctx context.Context, maxRetries int) ([]*models.SyncQueue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	items, err := q.store.ListExhaustedQueueItems(ctx, maxRetries)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		logging.Warn("sync item exhausted retries", map[string]interface{}{
			"id":          item.ID,
			"table":       string(item.TableName),
			"operation":   string(item.Operation),
			"retry_count": item.RetryCount,
			"last_error":  item.LastError,
		})
	}
	return items, nil
}

// PurgeSynced removes synced items created before cutoff.
func (q *SyncQueue) PurgeSynced(ctx context.Context, cutoff time.Time) (int64, error) {
	return q.store.DeleteSyncedQueueItemsBefore(ctx, cutoff.UnixNano())
}

// Stats summarizes the queue for diagnostics.
func (q *SyncQueue) Stats(ctx context.Context, maxRetries int) (db.QueueCounts, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return q.store.CountQueueItems(ctx, maxRetries)
}

// DecodePayload unmarshals a stored payload into a field map.
func DecodePayload(raw json.RawMessage) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "decode payload", err)
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return fields, nil
}

// PayloadString returns a string field from a decoded payload.
func PayloadString(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}
