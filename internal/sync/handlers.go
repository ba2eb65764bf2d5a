package sync

import (
	"context"
	"fmt"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/sync/remote"
)

// HandlerKind tags the variants of Handler.
type HandlerKind string

const (
	// HandlerRemote replays the item against a remote table.
	HandlerRemote HandlerKind = "remote"
	// HandlerLocalOnly marks the item done without a remote call because the
	// table has no remote counterpart yet.
	HandlerLocalOnly HandlerKind = "local_only"
)

// Result is what a handler reports for one applied item.
type Result struct {
	// RemoteID is merged into the queue payload when non-empty.
	RemoteID string
	// Outcome is the label used in logs and metrics.
	Outcome string
}

// Handler applies one queue item. Implementations perform at most one remote call.
type Handler interface {
	Kind() HandlerKind
	Apply(ctx context.Context, env Env, item *models.SyncQueue) (Result, error)
}

// Env is what handlers may touch.
type Env struct {
	Store  *db.Store
	Remote remote.Remote
}

// DefaultHandlers returns the handler table. cached_modules is deliberately
// absent: those rows are never queued.
func DefaultHandlers() map[models.Table]Handler {
	return map[models.Table]Handler{
		models.TableJournals:    RemoteHandler{Local: models.TableJournals, RemoteTable: "journal_entries"},
		models.TableCheckins:    RemoteHandler{Local: models.TableCheckins, RemoteTable: "emotional_checkins"},
		models.TableMeditations: RemoteHandler{Local: models.TableMeditations, RemoteTable: "meditation_sessions"},
		models.TableProfiles:    RemoteHandler{Local: models.TableProfiles, RemoteTable: "profiles"},
		models.TableNotes:       LocalOnlyHandler{Local: models.TableNotes, Reason: "notes have no remote table"},
	}
}

// =====================================================
// Remote handler
// =====================================================

// RemoteHandler maps a local table onto a remote table.
type RemoteHandler struct {
	Local       models.Table
	RemoteTable string
}

// Kind implements Handler.
func (h RemoteHandler) Kind() HandlerKind { return HandlerRemote }

// Apply implements Handler.
func (h RemoteHandler) Apply(ctx context.Context, env Env, item *models.SyncQueue) (Result, error) {
	fields, err := queue.DecodePayload(item.Payload)
	if err != nil {
		return Result{}, err
	}
	clientID := queue.PayloadString(fields, models.PayloadClientID)

	switch item.Operation {
	case models.OperationCreate:
		return h.create(ctx, env, item.ID, clientID, fields)
	case models.OperationUpdate:
		return h.update(ctx, env, item.ID, clientID, fields)
	case models.OperationDelete:
		return h.delete(ctx, env, item.ID, clientID, fields)
	default:
		return Result{}, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", item.Operation)
	}
}

func (h RemoteHandler) create(ctx context.Context, env Env, itemID, clientID string, fields map[string]interface{}) (Result, error) {
	if clientID == "" {
		return Result{}, apperrors.New(apperrors.ErrInvalidPayload, "create payload has no client_id")
	}

	out := env.Remote.Insert(ctx, h.RemoteTable, clientID, remoteFields(fields))
	if err := outcomeError(out); err != nil {
		return Result{}, err
	}
	if out.Kind == remote.AlreadyExists {
		logging.Warn("remote row already exists, treating create as synced", map[string]interface{}{
			"table":     string(h.Local),
			"client_id": clientID,
			"remote_id": out.RemoteID,
		})
	}

	var patch models.RecordPatch
	if out.RemoteID != "" {
		patch.RemoteID = models.String(out.RemoteID)
	}
	if err := markLocal(ctx, env.Store, h.Local, itemID, clientID, patch); err != nil {
		return Result{}, err
	}
	return Result{RemoteID: out.RemoteID, Outcome: out.Kind.String()}, nil
}

func (h RemoteHandler) update(ctx context.Context, env Env, itemID, clientID string, fields map[string]interface{}) (Result, error) {
	remoteID, err := resolveRemoteID(ctx, env.Store, h.Local, clientID, fields)
	if err != nil {
		return Result{}, err
	}

	out := env.Remote.Update(ctx, h.RemoteTable, remoteID, remoteFields(fields))
	if err := outcomeError(out); err != nil {
		return Result{}, err
	}
	if err := markLocal(ctx, env.Store, h.Local, itemID, clientID, models.RecordPatch{}); err != nil {
		return Result{}, err
	}
	return Result{RemoteID: remoteID, Outcome: out.Kind.String()}, nil
}

func (h RemoteHandler) delete(ctx context.Context, env Env, itemID, clientID string, fields map[string]interface{}) (Result, error) {
	remoteID, err := resolveRemoteID(ctx, env.Store, h.Local, clientID, fields)
	if err != nil {
		return Result{}, err
	}

	out := env.Remote.Delete(ctx, h.RemoteTable, remoteID)
	if err := outcomeError(out); err != nil {
		return Result{}, err
	}
	if err := markLocal(ctx, env.Store, h.Local, itemID, clientID, models.RecordPatch{}); err != nil {
		return Result{}, err
	}
	return Result{RemoteID: remoteID, Outcome: out.Kind.String()}, nil
}

// =====================================================
// Local-only handler
// =====================================================

// LocalOnlyHandler completes items for tables without a remote counterpart.
// The local record is marked synced so retention can eventually purge it.
type LocalOnlyHandler struct {
	Local  models.Table
	Reason string
}

// Kind implements Handler.
func (h LocalOnlyHandler) Kind() HandlerKind { return HandlerLocalOnly }

// Apply implements Handler.
func (h LocalOnlyHandler) Apply(ctx context.Context, env Env, item *models.SyncQueue) (Result, error) {
	fields, err := queue.DecodePayload(item.Payload)
	if err != nil {
		return Result{}, err
	}
	clientID := queue.PayloadString(fields, models.PayloadClientID)

	logging.Debug("no remote call for local-only table", map[string]interface{}{
		"table":     string(h.Local),
		"operation": string(item.Operation),
		"id":        item.ID,
		"reason":    h.Reason,
	})
	if clientID != "" {
		if err := markLocal(ctx, env.Store, h.Local, item.ID, clientID, models.RecordPatch{}); err != nil {
			return Result{}, err
		}
	}
	return Result{Outcome: string(HandlerLocalOnly)}, nil
}

// =====================================================
// Helpers
// =====================================================

// remoteFields drops the bookkeeping keys the remote assigns or receives separately.
func remoteFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == models.PayloadClientID || k == models.PayloadRemoteID {
			continue
		}
		out[k] = v
	}
	return out
}

func outcomeError(out remote.Outcome) error {
	if out.OK() {
		return nil
	}
	err := out.Err
	if err == nil {
		err = fmt.Errorf("remote call failed")
	}
	msg := "remote call failed"
	if out.Permanent {
		msg = "remote rejected request"
	}
	return apperrors.Wrap(apperrors.ErrRemoteFailed, msg, err)
}

// resolveRemoteID takes the remote id from the payload, falling back to the
// local record when an earlier create has since resolved.
func resolveRemoteID(ctx context.Context, store *db.Store, table models.Table, clientID string, fields map[string]interface{}) (string, error) {
	if id := queue.PayloadString(fields, models.PayloadRemoteID); id != "" {
		return id, nil
	}
	if clientID != "" {
		rec, err := store.FindByClientID(ctx, table, clientID)
		switch {
		case err == nil && rec.RemoteID != "":
			return rec.RemoteID, nil
		case err != nil && !apperrors.Is(err, apperrors.ErrNotFound):
			return "", err
		}
	}
	return "", apperrors.Newf(apperrors.ErrRemoteIDMissing, "%s record %s has no remote id yet", table, clientID)
}

// markLocal patches the local record after itemID was applied. The record is
// flagged synced only when no other unsynced item still references it, so
// retention cannot purge a row whose later changes are queued. A record that
// no longer exists locally is not an error; the remote write already happened.
func markLocal(ctx context.Context, store *db.Store, table models.Table, itemID, clientID string, patch models.RecordPatch) error {
	rec, err := store.FindByClientID(ctx, table, clientID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Warn("local record missing after remote write", map[string]interface{}{
			"table":     string(table),
			"client_id": clientID,
		})
		return nil
	}
	if err != nil {
		return err
	}

	remaining, err := store.CountPendingForRecord(ctx, table, clientID, itemID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		patch.Synced = models.Bool(true)
	} else {
		logging.Debug("record stays unsynced, later items pending", map[string]interface{}{
			"table":     string(table),
			"client_id": clientID,
			"pending":   remaining,
		})
	}
	return store.Update(ctx, table, rec.LocalID, patch)
}
