// Package services provides the write paths behind user actions. Every write
// lands in local storage first and is then queued for the remote.
package services

import (
	"context"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/uuid"
)

// Recorder performs optimistic local writes and enqueues them for sync.
type Recorder struct {
	store  *db.Store
	queue  *queue.SyncQueue
	userID string
	now    func() time.Time

	// onQueued runs after each successful enqueue, e.g. to refresh a
	// pending count.
	onQueued func()
}

// NewRecorder creates a Recorder writing records owned by userID.
func NewRecorder(store *db.Store, q *queue.SyncQueue, userID string) *Recorder {
	return &Recorder{store: store, queue: q, userID: userID, now: time.Now}
}

// SetClock overrides the time source used for client identifiers.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// OnQueued registers fn to run after each enqueue.
func (r *Recorder) OnQueued(fn func()) {
	r.onQueued = fn
}

// =====================================================
// Create Operations
// =====================================================

// CreateJournal stores a journal entry.
func (r *Recorder) CreateJournal(ctx context.Context, j models.Journal) (*models.Record, error) {
	if j.Title == "" && j.Content == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "journal needs a title or content")
	}
	return r.create(ctx, j)
}

// CreateCheckin stores an emotional check-in.
func (r *Recorder) CreateCheckin(ctx context.Context, c models.Checkin) (*models.Record, error) {
	if c.Emotion == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "check-in needs an emotion")
	}
	if c.Intensity < 1 || c.Intensity > 10 {
		return nil, apperrors.Newf(apperrors.ErrValidation, "intensity %d out of range 1-10", c.Intensity)
	}
	return r.create(ctx, c)
}

// RecordMeditation stores a meditation session.
func (r *Recorder) RecordMeditation(ctx context.Context, m models.MeditationSession) (*models.Record, error) {
	if m.ModuleID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "meditation needs a module id")
	}
	if m.DurationSeconds < 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "duration cannot be negative")
	}
	if m.Completed && m.CompletedAt == 0 {
		m.CompletedAt = r.now().UnixMilli()
	}
	return r.create(ctx, m)
}

// CreateNote stores a note. Notes are queued like everything else but never
// leave the device.
func (r *Recorder) CreateNote(ctx context.Context, n models.Note) (*models.Record, error) {
	if n.Body == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "note body is empty")
	}
	return r.create(ctx, n)
}

// SaveProfile creates the user's profile, or updates it when one exists.
func (r *Recorder) SaveProfile(ctx context.Context, p models.Profile) (*models.Record, error) {
	if p.DisplayName == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "display name is required")
	}
	existing, err := r.store.List(ctx, models.TableProfiles, r.userID, false, 1)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return r.Update(ctx, models.TableProfiles, existing[0].ClientID, p.Fields())
	}
	return r.create(ctx, p)
}

// CacheModule stores downloaded module content. Cached modules are already
// remote data, so they are written as synced and never queued.
func (r *Recorder) CacheModule(ctx context.Context, m models.CachedModule) (*models.Record, error) {
	if m.ModuleID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "module id is required")
	}
	clientID := "module-" + m.ModuleID
	existing, err := r.store.FindByClientID(ctx, models.TableCachedModules, clientID)
	switch {
	case err == nil:
		patch := models.RecordPatch{Data: m.Fields(), Synced: models.Bool(true)}
		if err := r.store.Update(ctx, models.TableCachedModules, existing.LocalID, patch); err != nil {
			return nil, err
		}
		return r.store.Get(ctx, models.TableCachedModules, existing.LocalID)
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	rec := &models.Record{
		ClientID: clientID,
		RemoteID: m.ModuleID,
		UserID:   r.userID,
		Data:     m.Fields(),
		Synced:   true,
	}
	if _, err := r.store.Insert(ctx, models.TableCachedModules, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) create(ctx context.Context, e models.Entity) (*models.Record, error) {
	table := e.Table()
	rec := &models.Record{
		ClientID: uuid.NewClientID(r.now()),
		UserID:   r.userID,
		Data:     e.Fields(),
	}
	payload := r.payload(rec.ClientID, "", rec.Data)
	err := r.writeAndEnqueue(ctx, table, models.OperationCreate, payload, func(tx *db.Store) error {
		_, err := tx.Insert(ctx, table, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// =====================================================
// Update / Delete Operations
// =====================================================

// Update merges fields into a record and queues the change.
func (r *Recorder) Update(ctx context.Context, table models.Table, clientID string, fields map[string]interface{}) (*models.Record, error) {
	if err := r.queueable(table); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "no fields to update")
	}
	rec, err := r.store.FindByClientID(ctx, table, clientID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s record %s was deleted", table, clientID)
	}

	patch := models.RecordPatch{Data: fields, Synced: models.Bool(false)}
	err = r.writeAndEnqueue(ctx, table, models.OperationUpdate, r.payload(clientID, rec.RemoteID, fields), func(tx *db.Store) error {
		return tx.Update(ctx, table, rec.LocalID, patch)
	})
	if err != nil {
		return nil, err
	}
	return r.store.Get(ctx, table, rec.LocalID)
}

// Delete tombstones a record and queues the remote delete. The row stays
// until retention removes it after the delete has synced.
func (r *Recorder) Delete(ctx context.Context, table models.Table, clientID string) error {
	if err := r.queueable(table); err != nil {
		return err
	}
	rec, err := r.store.FindByClientID(ctx, table, clientID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}

	patch := models.RecordPatch{Deleted: models.Bool(true), Synced: models.Bool(false)}
	return r.writeAndEnqueue(ctx, table, models.OperationDelete, r.payload(clientID, rec.RemoteID, nil), func(tx *db.Store) error {
		return tx.Update(ctx, table, rec.LocalID, patch)
	})
}

// =====================================================
// Helpers
// =====================================================

func (r *Recorder) queueable(table models.Table) error {
	if !table.Valid() {
		return apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", table)
	}
	if table == models.TableCachedModules {
		return apperrors.New(apperrors.ErrInvalid, "cached modules are not synced")
	}
	return nil
}

func (r *Recorder) payload(clientID, remoteID string, fields map[string]interface{}) map[string]interface{} {
	p := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		p[k] = v
	}
	p[models.PayloadClientID] = clientID
	p[models.PayloadUserID] = r.userID
	if remoteID != "" {
		p[models.PayloadRemoteID] = remoteID
	}
	return p
}

// writeAndEnqueue runs the local write and the enqueue in one transaction,
// so a record is never left unsynced without a queue item to replay it.
func (r *Recorder) writeAndEnqueue(ctx context.Context, table models.Table, op models.Operation, payload map[string]interface{}, write func(tx *db.Store) error) error {
	err := r.store.WithTx(ctx, func(tx *db.Store) error {
		if err := write(tx); err != nil {
			return err
		}
		_, err := r.queue.EnqueueWith(ctx, tx, table, op, payload)
		return err
	})
	if err != nil {
		logging.Error("local write rolled back", err, map[string]interface{}{
			"table":     string(table),
			"operation": string(op),
			"client_id": payload[models.PayloadClientID],
		})
		return err
	}
	if r.onQueued != nil {
		r.onQueued()
	}
	return nil
}
