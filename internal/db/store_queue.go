package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/models"
)

// =====================================================
// SyncQueue Operations
// =====================================================

const queueColumns = `id, table_name, operation, payload, created_at, retry_count, last_error, synced`

// InsertQueueItem stores a new sync queue entry.
func (s *Store) InsertQueueItem(ctx context.Context, entry *models.SyncQueue) error {
	if err := s.Probe(ctx); err != nil {
		return err
	}

	query := `
	INSERT INTO sync_queue (id, table_name, operation, payload, created_at, retry_count, last_error, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, entry.ID, string(entry.TableName), string(entry.Operation),
		string(entry.Payload), entry.CreatedAt, entry.RetryCount, nullString(entry.LastError),
		boolToInt(entry.Synced))
	return classify("insert queue item", err)
}

// GetQueueItem returns one queue entry by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.SyncQueue, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	entry, err := scanQueueItem(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrQueueItemNotFound, "queue item %s not found", id)
	}
	if err != nil {
		return nil, classify("select queue item", err)
	}
	return entry, nil
}

// ListPendingQueueItems returns unsynced entries oldest first. Ties on
// created_at fall back to insertion order.
func (s *Store) ListPendingQueueItems(ctx context.Context) ([]*models.SyncQueue, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue
	WHERE synced = 0 ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return s.queryQueueItems(ctx, stmt)
}

// ListExhaustedQueueItems returns unsynced entries at or above the retry ceiling.
func (s *Store) ListExhaustedQueueItems(ctx context.Context, maxRetries int) ([]*models.SyncQueue, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue
	WHERE synced = 0 AND retry_count >= ? ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return s.queryQueueItems(ctx, stmt, maxRetries)
}

func (s *Store) queryQueueItems(ctx context.Context, stmt *sql.Stmt, args ...interface{}) ([]*models.SyncQueue, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, classify("list queue items", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueue
	for rows.Next() {
		entry, err := scanQueueItem(rows)
		if err != nil {
			return nil, classify("scan queue item", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list queue items", err)
	}
	return entries, nil
}

// CountPendingQueueItems returns the number of unsynced entries.
func (s *Store) CountPendingQueueItems(ctx context.Context) (int, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT COUNT(*) FROM sync_queue WHERE synced = 0`)
	if err != nil {
		return 0, err
	}
	var count int
	if err := stmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, classify("count queue items", err)
	}
	return count, nil
}

// CountPendingForRecord counts unsynced entries whose payload references
// clientID in table, leaving out the entry excludeID.
func (s *Store) CountPendingForRecord(ctx context.Context, table models.Table, clientID, excludeID string) (int, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT COUNT(*) FROM sync_queue
	WHERE synced = 0 AND table_name = ? AND id <> ?
	AND json_extract(payload, '$.client_id') = ?`)
	if err != nil {
		return 0, err
	}
	var count int
	if err := stmt.QueryRowContext(ctx, string(table), excludeID, clientID).Scan(&count); err != nil {
		return 0, classify("count queue items for record", err)
	}
	return count, nil
}

// MarkQueueItemSynced flags an entry as synced. A non-nil payload replaces
// the stored payload in the same statement.
func (s *Store) MarkQueueItemSynced(ctx context.Context, id string, payload json.RawMessage) error {
	if payload != nil {
		return s.execQueueUpdate(ctx, id, `UPDATE sync_queue SET synced = 1, payload = ? WHERE id = ?`, string(payload), id)
	}
	return s.execQueueUpdate(ctx, id, `UPDATE sync_queue SET synced = 1 WHERE id = ?`, id)
}

// IncrementQueueRetry bumps the retry counter and records the error.
func (s *Store) IncrementQueueRetry(ctx context.Context, id string, lastError string) error {
	return s.execQueueUpdate(ctx, id,
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		nullString(lastError), id)
}

// ResetQueueRetry zeroes the retry counter and clears the last error.
func (s *Store) ResetQueueRetry(ctx context.Context, id string) error {
	return s.execQueueUpdate(ctx, id,
		`UPDATE sync_queue SET retry_count = 0, last_error = NULL WHERE id = ?`, id)
}

// DeleteQueueItem hard-deletes an entry.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	return s.execQueueUpdate(ctx, id, `DELETE FROM sync_queue WHERE id = ?`, id)
}

// DeleteSyncedQueueItemsBefore purges synced entries created before cutoff
// (unix nanos). Unsynced entries are never purged.
func (s *Store) DeleteSyncedQueueItemsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM sync_queue WHERE synced = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, classify("purge queue items", err)
	}
	return res.RowsAffected()
}

// QueueCounts summarizes the queue table.
type QueueCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Synced    int `json:"synced"`
	Exhausted int `json:"exhausted"`
}

// CountQueueItems returns queue totals; exhausted counts pending entries at
// or above maxRetries.
func (s *Store) CountQueueItems(ctx context.Context, maxRetries int) (QueueCounts, error) {
	var c QueueCounts
	err := s.conn().QueryRowContext(ctx, `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 0 AND retry_count >= ? THEN 1 ELSE 0 END), 0)
	FROM sync_queue`, maxRetries).Scan(&c.Total, &c.Pending, &c.Synced, &c.Exhausted)
	if err != nil {
		return QueueCounts{}, classify("count queue items", err)
	}
	return c, nil
}

func (s *Store) execQueueUpdate(ctx context.Context, id string, query string, args ...interface{}) error {
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return classify("update queue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrQueueItemNotFound, "queue item %s not found", id)
	}
	return nil
}

func scanQueueItem(row rowScanner) (*models.SyncQueue, error) {
	var entry models.SyncQueue
	var table, operation, payload string
	var lastError sql.NullString
	var synced int
	if err := row.Scan(&entry.ID, &table, &operation, &payload, &entry.CreatedAt,
		&entry.RetryCount, &lastError, &synced); err != nil {
		return nil, err
	}
	entry.TableName = models.Table(table)
	entry.Operation = models.Operation(operation)
	entry.Payload = json.RawMessage(payload)
	entry.LastError = lastError.String
	entry.Synced = synced != 0
	return &entry, nil
}
