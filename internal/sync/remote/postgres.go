package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE codes the remote treats specially.
const (
	pgUniqueViolation = "23505"
)

// pgConn is the subset of *pgxpool.Pool used by PostgresRemote.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresRemote writes rows to a Postgres backend. Every remote table has an
// id primary key, a unique client_id column and one column per field.
type PostgresRemote struct {
	conn pgConn
	pool *pgxpool.Pool
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolOptions keeps a small pool; sync is sequential.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:        3,
		MinConns:        0,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}
}

// NewPostgresRemote opens a pool for dsn. The pool connects lazily, so an
// unreachable server is reported by Ping and per-call outcomes, not here.
func NewPostgresRemote(ctx context.Context, dsn string, opts PoolOptions) (*PostgresRemote, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = opts.MinConns
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create remote pool: %w", err)
	}
	return &PostgresRemote{conn: pool, pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRemote) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping implements Remote.
func (r *PostgresRemote) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// Insert implements Remote. A unique violation resolves to AlreadyExists with
// the id of the row that is already there. When no row carries clientID the
// conflict came from another constraint and the insert is a failure.
func (r *PostgresRemote) Insert(ctx context.Context, table string, clientID string, fields map[string]interface{}) Outcome {
	query, args := buildInsert(table, clientID, fields)

	var id string
	err := r.conn.QueryRow(ctx, query, args...).Scan(&id)
	if err == nil {
		return Succeeded(id)
	}
	if pgCode(err) != pgUniqueViolation {
		return classifyPgError(err)
	}

	lookup := fmt.Sprintf("SELECT id::text FROM %s WHERE client_id = $1", pgx.Identifier{table}.Sanitize())
	lerr := r.conn.QueryRow(ctx, lookup, clientID).Scan(&id)
	switch {
	case errors.Is(lerr, pgx.ErrNoRows):
		out := classifyPgError(err)
		out.Permanent = true
		return out
	case lerr != nil:
		return Failed(fmt.Errorf("look up existing row after %v: %w", err, lerr))
	}
	return Existing(id, err)
}

// Update implements Remote.
func (r *PostgresRemote) Update(ctx context.Context, table string, remoteID string, fields map[string]interface{}) Outcome {
	query, args := buildUpdate(table, remoteID, fields)
	if query == "" {
		return Succeeded(remoteID)
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return Failed(fmt.Errorf("%s row %s not found", table, remoteID))
	}
	return Succeeded(remoteID)
}

// Delete implements Remote. Deleting a missing row succeeds.
func (r *PostgresRemote) Delete(ctx context.Context, table string, remoteID string) Outcome {
	query := fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", pgx.Identifier{table}.Sanitize())
	if _, err := r.conn.Exec(ctx, query, remoteID); err != nil {
		return classifyPgError(err)
	}
	return Succeeded(remoteID)
}

// sortedColumns returns field names in stable order, dropping keys the
// remote manages itself.
func sortedColumns(fields map[string]interface{}) []string {
	cols := make([]string, 0, len(fields))
	for k := range fields {
		switch k {
		case "id", "client_id", "remote_id":
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(table, clientID string, fields map[string]interface{}) (string, []any) {
	cols := sortedColumns(fields)
	names := make([]string, 0, len(cols)+1)
	holders := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)

	names = append(names, pgx.Identifier{"client_id"}.Sanitize())
	holders = append(holders, "$1")
	args = append(args, clientID)
	for i, c := range cols {
		names = append(names, pgx.Identifier{c}.Sanitize())
		holders = append(holders, fmt.Sprintf("$%d", i+2))
		args = append(args, fields[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id::text",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(holders, ", "))
	return query, args
}

func buildUpdate(table, remoteID string, fields map[string]interface{}) (string, []any) {
	cols := sortedColumns(fields)
	if len(cols) == 0 {
		return "", nil
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1))
		args = append(args, fields[c])
	}
	args = append(args, remoteID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id::text = $%d",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), len(args))
	return query, args
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classifyPgError turns a failed call into a RetryableFailure, tagging
// errors the server will keep returning.
func classifyPgError(err error) Outcome {
	out := Failed(err)
	code := pgCode(err)
	switch {
	case code == "":
	case strings.HasPrefix(code, "22"), // data exception
		strings.HasPrefix(code, "42"), // syntax error or access rule violation
		code == "23502", code == "23503", code == "23514":
		out.Permanent = true
	}
	return out
}
