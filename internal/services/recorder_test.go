package services

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	syncpkg "github.com/kimhsiao/wellnest/backend/internal/sync"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/sync/remote"
	"github.com/kimhsiao/wellnest/backend/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

// createTestRecorder creates a recorder over an in-memory store.
func createTestRecorder(t *testing.T) (*Recorder, *db.Store, *queue.SyncQueue) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	store := db.NewStore(database.DB)
	t.Cleanup(func() {
		store.Close()
		database.Close()
	})
	q := queue.NewSyncQueue(store)
	return NewRecorder(store, q, "user-1"), store, q
}

func pendingItems(t *testing.T, q *queue.SyncQueue) []*models.SyncQueue {
	t.Helper()
	items, err := q.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	return items
}

// =====================================================
// Create Tests
// =====================================================

// TestRecorder_CreateCheckin verifies the local write and the queued create.
func TestRecorder_CreateCheckin(t *testing.T) {
	r, store, q := createTestRecorder(t)
	ctx := context.Background()
	var queued int
	r.OnQueued(func() { queued++ })

	rec, err := r.CreateCheckin(ctx, models.Checkin{Emotion: "joy", Intensity: 7})
	if err != nil {
		t.Fatalf("CreateCheckin() failed: %v", err)
	}
	if !uuid.IsClientID(rec.ClientID) {
		t.Errorf("ClientID = %q, want a client id", rec.ClientID)
	}

	stored, err := store.FindByClientID(ctx, models.TableCheckins, rec.ClientID)
	if err != nil {
		t.Fatalf("FindByClientID() failed: %v", err)
	}
	if stored.Synced || stored.UserID != "user-1" {
		t.Errorf("stored = %+v, want unsynced and owned by user-1", stored)
	}

	items := pendingItems(t, q)
	if len(items) != 1 {
		t.Fatalf("pending = %d, want 1", len(items))
	}
	item := items[0]
	if item.TableName != models.TableCheckins || item.Operation != models.OperationCreate {
		t.Errorf("item = %s/%s", item.TableName, item.Operation)
	}
	payload, _ := queue.DecodePayload(item.Payload)
	if payload[models.PayloadClientID] != rec.ClientID || payload["emotion"] != "joy" {
		t.Errorf("payload = %v", payload)
	}
	if queued != 1 {
		t.Errorf("OnQueued calls = %d, want 1", queued)
	}
}

// TestRecorder_validation verifies invalid input writes nothing.
func TestRecorder_validation(t *testing.T) {
	r, _, q := createTestRecorder(t)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() error
	}{
		{"empty journal", func() error { _, err := r.CreateJournal(ctx, models.Journal{}); return err }},
		{"checkin intensity", func() error {
			_, err := r.CreateCheckin(ctx, models.Checkin{Emotion: "sad", Intensity: 11})
			return err
		}},
		{"checkin emotion", func() error { _, err := r.CreateCheckin(ctx, models.Checkin{Intensity: 3}); return err }},
		{"meditation module", func() error { _, err := r.RecordMeditation(ctx, models.MeditationSession{}); return err }},
		{"empty note", func() error { _, err := r.CreateNote(ctx, models.Note{}); return err }},
		{"profile name", func() error { _, err := r.SaveProfile(ctx, models.Profile{}); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !apperrors.Is(err, apperrors.ErrValidation) {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
	if n := len(pendingItems(t, q)); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

// TestRecorder_RecordMeditation verifies completion time defaults to now.
func TestRecorder_RecordMeditation(t *testing.T) {
	r, _, _ := createTestRecorder(t)
	now := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	rec, err := r.RecordMeditation(context.Background(), models.MeditationSession{
		ModuleID: "breath-101", DurationSeconds: 600, Completed: true,
	})
	if err != nil {
		t.Fatalf("RecordMeditation() failed: %v", err)
	}
	if got, _ := rec.Data["completed_at"].(int64); got != now.UnixMilli() {
		t.Errorf("completed_at = %v, want %d", rec.Data["completed_at"], now.UnixMilli())
	}
}

// TestRecorder_SaveProfile verifies the second save becomes an update.
func TestRecorder_SaveProfile(t *testing.T) {
	r, _, q := createTestRecorder(t)
	ctx := context.Background()

	first, err := r.SaveProfile(ctx, models.Profile{DisplayName: "Kim"})
	if err != nil {
		t.Fatalf("SaveProfile() failed: %v", err)
	}
	second, err := r.SaveProfile(ctx, models.Profile{DisplayName: "Kim H", Timezone: "Asia/Taipei"})
	if err != nil {
		t.Fatalf("SaveProfile() failed: %v", err)
	}
	if second.ClientID != first.ClientID {
		t.Errorf("ClientID changed: %q -> %q", first.ClientID, second.ClientID)
	}
	if second.Data["display_name"] != "Kim H" {
		t.Errorf("display_name = %v", second.Data["display_name"])
	}

	items := pendingItems(t, q)
	if len(items) != 2 || items[1].Operation != models.OperationUpdate {
		t.Errorf("queue = %d items, want create then update", len(items))
	}
}

// TestRecorder_CacheModule verifies cached modules bypass the queue.
func TestRecorder_CacheModule(t *testing.T) {
	r, store, q := createTestRecorder(t)
	ctx := context.Background()

	if _, err := r.CacheModule(ctx, models.CachedModule{ModuleID: "m-1", Title: "Body scan"}); err != nil {
		t.Fatalf("CacheModule() failed: %v", err)
	}
	rec, err := r.CacheModule(ctx, models.CachedModule{ModuleID: "m-1", Title: "Body scan v2"})
	if err != nil {
		t.Fatalf("CacheModule() failed: %v", err)
	}
	if !rec.Synced || rec.Data["title"] != "Body scan v2" {
		t.Errorf("record = %+v", rec)
	}
	if n, _ := store.CountWhere(ctx, models.TableCachedModules, models.Filter{}); n != 1 {
		t.Errorf("cached rows = %d, want 1", n)
	}
	if n := len(pendingItems(t, q)); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	if _, err := r.Update(ctx, models.TableCachedModules, rec.ClientID, map[string]interface{}{"title": "x"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Update(cached_modules) error = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// Update / Delete Tests
// =====================================================

// TestRecorder_Update verifies the record is merged and marked unsynced.
func TestRecorder_Update(t *testing.T) {
	r, store, q := createTestRecorder(t)
	ctx := context.Background()

	rec, _ := r.CreateJournal(ctx, models.Journal{Title: "Morning", Content: "slept well"})
	remoteID := "srv-1"
	store.Update(ctx, models.TableJournals, rec.LocalID, models.RecordPatch{RemoteID: &remoteID, Synced: models.Bool(true)})

	updated, err := r.Update(ctx, models.TableJournals, rec.ClientID, map[string]interface{}{"content": "slept badly"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Synced || updated.Data["content"] != "slept badly" || updated.Data["title"] != "Morning" {
		t.Errorf("updated = %+v", updated)
	}

	items := pendingItems(t, q)
	payload, _ := queue.DecodePayload(items[len(items)-1].Payload)
	if payload[models.PayloadRemoteID] != "srv-1" {
		t.Errorf("payload remote_id = %v, want srv-1", payload[models.PayloadRemoteID])
	}

	if _, err := r.Update(ctx, models.TableJournals, "missing", map[string]interface{}{"a": 1}); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want NOT_FOUND", err)
	}
}

// TestRecorder_Delete verifies the tombstone and the queued delete.
func TestRecorder_Delete(t *testing.T) {
	r, store, q := createTestRecorder(t)
	ctx := context.Background()

	rec, _ := r.CreateNote(ctx, models.Note{Body: "remember water"})
	if err := r.Delete(ctx, models.TableNotes, rec.ClientID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := r.Delete(ctx, models.TableNotes, rec.ClientID); err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}

	stored, _ := store.FindByClientID(ctx, models.TableNotes, rec.ClientID)
	if !stored.Deleted || stored.Synced {
		t.Errorf("stored = %+v, want deleted and unsynced", stored)
	}
	items := pendingItems(t, q)
	if len(items) != 2 || items[1].Operation != models.OperationDelete {
		t.Errorf("queue = %d items, want create then one delete", len(items))
	}
	if _, err := r.Update(ctx, models.TableNotes, rec.ClientID, map[string]interface{}{"body": "x"}); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Update(deleted) error = %v, want NOT_FOUND", err)
	}
}

// TestRecorder_enqueueFailureRollsBack verifies a failed enqueue leaves no
// local change behind.
func TestRecorder_enqueueFailureRollsBack(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	store := db.NewStore(database.DB)
	t.Cleanup(func() {
		store.Close()
		database.Close()
	})
	r := NewRecorder(store, queue.NewSyncQueue(store), "user-1")
	var queued int
	r.OnQueued(func() { queued++ })
	ctx := context.Background()

	rec, err := r.CreateJournal(ctx, models.Journal{Title: "Morning", Content: "slept well"})
	if err != nil {
		t.Fatalf("CreateJournal() failed: %v", err)
	}
	if _, err := database.Exec("DROP TABLE sync_queue"); err != nil {
		t.Fatalf("DROP TABLE failed: %v", err)
	}

	if _, err := r.CreateCheckin(ctx, models.Checkin{Emotion: "joy", Intensity: 7}); err == nil {
		t.Fatal("CreateCheckin() should fail without a queue")
	}
	if n, _ := store.CountWhere(ctx, models.TableCheckins, models.Filter{}); n != 0 {
		t.Errorf("checkins = %d, want 0 after a failed enqueue", n)
	}

	if _, err := r.Update(ctx, models.TableJournals, rec.ClientID, map[string]interface{}{"content": "slept badly"}); err == nil {
		t.Fatal("Update() should fail without a queue")
	}
	if err := r.Delete(ctx, models.TableJournals, rec.ClientID); err == nil {
		t.Fatal("Delete() should fail without a queue")
	}

	stored, err := store.FindByClientID(ctx, models.TableJournals, rec.ClientID)
	if err != nil {
		t.Fatalf("FindByClientID() failed: %v", err)
	}
	if stored.Data["content"] != "slept well" || stored.Deleted {
		t.Errorf("stored = %+v, want the original journal", stored)
	}
	if queued != 1 {
		t.Errorf("OnQueued ran %d times, want 1", queued)
	}
}

// TestRecorder_createUpdateDeleteSync replays a full lifecycle through a pass.
func TestRecorder_createUpdateDeleteSync(t *testing.T) {
	r, store, q := createTestRecorder(t)
	ctx := context.Background()
	rem := remote.NewMemoryRemote()
	s := syncpkg.NewSynchronizer(store, q, rem, syncpkg.Options{})

	rec, _ := r.CreateJournal(ctx, models.Journal{Title: "Draft"})
	if _, err := r.Update(ctx, models.TableJournals, rec.ClientID, map[string]interface{}{"title": "Final"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := r.Delete(ctx, models.TableJournals, rec.ClientID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	res := s.Sync(ctx)
	if !res.Success || res.SyncedCount != 3 {
		t.Fatalf("Sync() = %+v", res)
	}
	if rows := rem.Rows("journal_entries"); len(rows) != 0 {
		t.Errorf("remote rows = %d, want 0 after delete", len(rows))
	}
	stored, _ := store.FindByClientID(ctx, models.TableJournals, rec.ClientID)
	if !stored.Synced || !stored.Deleted || stored.RemoteID == "" {
		t.Errorf("stored = %+v", stored)
	}
}
