package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/models"
)

// Store provides typed access to the entity tables and the sync queue.
type Store struct {
	db *sql.DB
	// tx is set on the Store handed to a WithTx callback.
	tx  *sql.Tx
	now func() time.Time

	// Prepared statements are created on first use and reused.
	stmtCache *sync.Map // map[string]*sql.Stmt
}

// NewStore creates a Store on top of an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now, stmtCache: &sync.Map{}}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn returns the transaction when the Store is bound to one. The pool has a
// single connection, so nothing may bypass an open transaction.
func (s *Store) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// WithTx runs fn against a Store bound to one transaction, committing when
// fn returns nil. Nested calls reuse the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	if err := s.Probe(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	bound := &Store{db: s.db, tx: tx, now: s.now, stmtCache: s.stmtCache}
	if err := fn(bound); err != nil {
		return err
	}
	return classify("commit transaction", tx.Commit())
}

// SetClock overrides the time source used for created_at/updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// PrepareStmt gets or creates a prepared statement from cache.
// Inside a transaction the statement is prepared on the transaction and
// released when it ends.
func (s *Store) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if s.tx != nil {
		stmt, err := s.tx.PrepareContext(ctx, query)
		return stmt, classify("prepare statement", err)
	}
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, classify("prepare statement", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. It does not close the database.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Probe performs a trivial read to check that storage is usable. Callers use
// it before relying on the store and degrade gracefully when it fails.
func (s *Store) Probe(ctx context.Context) error {
	if s == nil || s.db == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "storage is not open")
	}
	var one int
	if err := s.conn().QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "storage probe failed", err)
	}
	return nil
}

// classify maps driver errors onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	msg := err.Error()
	switch {
	case stderrors.Is(err, sql.ErrConnDone),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open database"):
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return apperrors.Wrap(apperrors.ErrDuplicate, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
}

func checkTable(table models.Table) error {
	if !table.Valid() {
		return apperrors.Newf(apperrors.ErrUnknownTable, "unknown table %q", table)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `local_id, client_id, remote_id, user_id, data, synced, deleted, created_at, updated_at`

// Insert stores a record and returns its local row handle. The caller
// supplies the client identifier; nothing else is assigned implicitly except
// timestamps left at zero.
func (s *Store) Insert(ctx context.Context, table models.Table, rec *models.Record) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if rec == nil || rec.ClientID == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "record requires a client id")
	}
	if err := s.Probe(ctx); err != nil {
		return 0, err
	}

	now := s.now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rec.CreatedAt
	}

	data, err := encodeData(rec.Data)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (client_id, remote_id, user_id, data, synced, deleted, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return 0, err
	}

	res, err := stmt.ExecContext(ctx, rec.ClientID, nullString(rec.RemoteID), rec.UserID, data,
		boolToInt(rec.Synced), boolToInt(rec.Deleted), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return 0, classify(fmt.Sprintf("insert into %s", table), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("read row id", err)
	}
	rec.LocalID = id
	return id, nil
}

// FindByClientID returns the record with the given client identifier, or an
// ErrNotFound AppError when there is none.
func (s *Store) FindByClientID(ctx context.Context, table models.Table, clientID string) (*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE client_id = ?`, recordColumns, table)
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(stmt.QueryRowContext(ctx, clientID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s record %s not found", table, clientID)
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("select from %s", table), err)
	}
	return rec, nil
}

// Get returns the record with the given local row handle.
func (s *Store) Get(ctx context.Context, table models.Table, localID int64) (*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ?`, recordColumns, table)
	rec, err := scanRecord(s.conn().QueryRowContext(ctx, query, localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s record #%d not found", table, localID)
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("select from %s", table), err)
	}
	return rec, nil
}

// List returns records for a user, newest first. Deleted records are skipped
// unless includeDeleted is set.
func (s *Store) List(ctx context.Context, table models.Table, userID string, includeDeleted bool, limit int) ([]*models.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ?`, recordColumns, table)
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY created_at DESC, local_id DESC LIMIT ?`

	rows, err := s.conn().QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, classify(fmt.Sprintf("list %s", table), err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(fmt.Sprintf("scan %s", table), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Sprintf("list %s", table), err)
	}
	return records, nil
}

// Update merges patch into the record identified by localID. Fields left nil
// in the patch are untouched; Data keys are merged into the stored data.
func (s *Store) Update(ctx context.Context, table models.Table, localID int64, patch models.RecordPatch) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	return s.WithTx(ctx, func(tx *Store) error {
		return tx.update(ctx, table, localID, patch)
	})
}

func (s *Store) update(ctx context.Context, table models.Table, localID int64, patch models.RecordPatch) error {
	tx := s.tx
	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now().UnixMilli()}

	if patch.RemoteID != nil {
		sets = append(sets, "remote_id = ?")
		args = append(args, nullString(*patch.RemoteID))
	}
	if patch.Synced != nil {
		sets = append(sets, "synced = ?")
		args = append(args, boolToInt(*patch.Synced))
	}
	if patch.Deleted != nil {
		sets = append(sets, "deleted = ?")
		args = append(args, boolToInt(*patch.Deleted))
	}
	if len(patch.Data) > 0 {
		var raw string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE local_id = ?`, table), localID).Scan(&raw)
		if stderrors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "%s record #%d not found", table, localID)
		}
		if err != nil {
			return classify(fmt.Sprintf("select from %s", table), err)
		}
		current, err := decodeData(raw)
		if err != nil {
			return err
		}
		for k, v := range patch.Data {
			current[k] = v
		}
		merged, err := encodeData(current)
		if err != nil {
			return err
		}
		sets = append(sets, "data = ?")
		args = append(args, merged)
	}

	args = append(args, localID)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE local_id = ?`, table, strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Sprintf("update %s", table), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s record #%d not found", table, localID)
	}
	return nil
}

// CountWhere counts records matching filter.
func (s *Store) CountWhere(ctx context.Context, table models.Table, filter models.Filter) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	where, args := filterClause(filter)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, table, where)
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRowContext(ctx, args...).Scan(&count); err != nil {
		return 0, classify(fmt.Sprintf("count %s", table), err)
	}
	return count, nil
}

// CountUnsynced returns the number of unsynced records per entity table.
func (s *Store) CountUnsynced(ctx context.Context) (map[models.Table]int, error) {
	counts := make(map[models.Table]int, len(models.Tables))
	for _, table := range models.Tables {
		n, err := s.CountWhere(ctx, table, models.Filter{Synced: models.Bool(false)})
		if err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}

// DeleteOlderThan purges records last updated before cutoff that match
// filter. Only synced records with no unsynced queue item referencing them
// are ever purged, whatever the filter says, so unsynced work is never lost.
func (s *Store) DeleteOlderThan(ctx context.Context, table models.Table, cutoff time.Time, filter models.Filter) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	filter.Synced = models.Bool(true)
	where, args := filterClause(filter)
	args = append(args, cutoff.UnixMilli(), string(table))

	query := fmt.Sprintf(`DELETE FROM %[1]s%[2]s AND updated_at < ?
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue q
		WHERE q.synced = 0 AND q.table_name = ?
		AND json_extract(q.payload, '$.client_id') = %[1]s.client_id
	)`, table, where)
	res, err := s.conn().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(fmt.Sprintf("purge %s", table), err)
	}
	return res.RowsAffected()
}

func filterClause(f models.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Synced != nil {
		conds = append(conds, "synced = ?")
		args = append(args, boolToInt(*f.Synced))
	}
	if f.Deleted != nil {
		conds = append(conds, "deleted = ?")
		args = append(args, boolToInt(*f.Deleted))
	}
	if len(conds) == 0 {
		return " WHERE 1 = 1", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var remoteID sql.NullString
	var data string
	var synced, deleted int
	if err := row.Scan(&rec.LocalID, &rec.ClientID, &remoteID, &rec.UserID, &data,
		&synced, &deleted, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = remoteID.String
	}
	rec.Synced = synced != 0
	rec.Deleted = deleted != 0

	decoded, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	rec.Data = decoded
	return &rec, nil
}

func encodeData(data map[string]interface{}) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidPayload, "encode record data", err)
	}
	return string(raw), nil
}

func decodeData(raw string) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "decode record data", err)
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
