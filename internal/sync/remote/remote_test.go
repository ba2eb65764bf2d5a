package remote

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// =====================================================
// MemoryRemote Tests
// =====================================================

// TestMemoryRemote_InsertAssignsID tests creates get a remote id.
func TestMemoryRemote_InsertAssignsID(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	out := m.Insert(ctx, "checkins", "c-1", map[string]interface{}{"emotion": "joy"})
	if out.Kind != Success || out.RemoteID == "" {
		t.Fatalf("Insert() = %+v, want success with id", out)
	}
	row, ok := m.Get("checkins", out.RemoteID)
	if !ok || row.Fields["emotion"] != "joy" || row.ClientID != "c-1" {
		t.Errorf("stored row = %+v", row)
	}
}

// TestMemoryRemote_duplicateInsert tests a re-submitted create resolves to
// AlreadyExists with the original id.
func TestMemoryRemote_duplicateInsert(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	first := m.Insert(ctx, "journals", "j-1", nil)
	second := m.Insert(ctx, "journals", "j-1", nil)
	if second.Kind != AlreadyExists {
		t.Fatalf("second Insert() kind = %v, want already_exists", second.Kind)
	}
	if second.RemoteID != first.RemoteID {
		t.Errorf("RemoteID = %q, want %q", second.RemoteID, first.RemoteID)
	}
	if !second.OK() {
		t.Error("AlreadyExists should count as OK")
	}
	if len(m.Rows("journals")) != 1 {
		t.Errorf("rows = %d, want 1", len(m.Rows("journals")))
	}
}

// TestMemoryRemote_lostResponse tests a lost response followed by a retry.
func TestMemoryRemote_lostResponse(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()
	m.LoseNextResponse("journals", 1)

	first := m.Insert(ctx, "journals", "j-1", nil)
	if first.Kind != RetryableFailure {
		t.Fatalf("first Insert() kind = %v, want retryable_failure", first.Kind)
	}
	retry := m.Insert(ctx, "journals", "j-1", nil)
	if retry.Kind != AlreadyExists || retry.RemoteID == "" {
		t.Errorf("retry = %+v, want already_exists with id", retry)
	}
}

// TestMemoryRemote_FailNext tests injected failures run out.
func TestMemoryRemote_FailNext(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()
	boom := errors.New("503 service unavailable")
	m.FailNext("insert", "journals", 2, boom)

	for i := 0; i < 2; i++ {
		out := m.Insert(ctx, "journals", "j-1", nil)
		if out.Kind != RetryableFailure || !errors.Is(out.Err, boom) {
			t.Fatalf("attempt %d = %+v, want injected failure", i, out)
		}
	}
	if out := m.Insert(ctx, "journals", "j-1", nil); out.Kind != Success {
		t.Errorf("third attempt = %+v, want success", out)
	}
	if len(m.Calls()) != 3 {
		t.Errorf("calls = %d, want 3", len(m.Calls()))
	}
}

// TestMemoryRemote_offline tests Ping and writes fail while offline.
func TestMemoryRemote_offline(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()
	m.SetOffline(true)

	if err := m.Ping(ctx); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Ping() = %v, want ErrUnreachable", err)
	}
	if out := m.Delete(ctx, "journals", "srv-1"); out.Kind != RetryableFailure {
		t.Errorf("Delete() = %+v, want failure", out)
	}

	m.SetOffline(false)
	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}

// TestMemoryRemote_UpdateDelete tests update needs an existing row and delete
// is idempotent.
func TestMemoryRemote_UpdateDelete(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	if out := m.Update(ctx, "journals", "missing", map[string]interface{}{"title": "x"}); out.Kind != RetryableFailure {
		t.Errorf("Update(missing) = %+v, want failure", out)
	}

	created := m.Insert(ctx, "journals", "j-1", map[string]interface{}{"title": "a"})
	if out := m.Update(ctx, "journals", created.RemoteID, map[string]interface{}{"title": "b"}); out.Kind != Success {
		t.Fatalf("Update() = %+v", out)
	}
	row, _ := m.Get("journals", created.RemoteID)
	if row.Fields["title"] != "b" {
		t.Errorf("title = %v, want b", row.Fields["title"])
	}

	for i := 0; i < 2; i++ {
		if out := m.Delete(ctx, "journals", created.RemoteID); out.Kind != Success {
			t.Errorf("Delete() #%d = %+v, want success", i, out)
		}
	}
}

// =====================================================
// PostgresRemote Tests
// =====================================================

type fakeRow struct {
	id  string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.id
	return nil
}

type fakeConn struct {
	rows    []fakeRow
	queries []string
	execErr error
	tag     pgconn.CommandTag
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.queries = append(c.queries, sql)
	return c.tag, c.execErr
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.queries = append(c.queries, sql)
	row := c.rows[0]
	c.rows = c.rows[1:]
	return row
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

// TestBuildInsert tests column quoting and placeholder order.
func TestBuildInsert(t *testing.T) {
	query, args := buildInsert("emotional_checkins", "c-1", map[string]interface{}{
		"intensity": 7,
		"emotion":   "joy",
		"remote_id": "ignored",
	})

	want := `INSERT INTO "emotional_checkins" ("client_id", "emotion", "intensity") VALUES ($1, $2, $3) RETURNING id::text`
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 3 || args[0] != "c-1" || args[1] != "joy" || args[2] != 7 {
		t.Errorf("args = %v", args)
	}
}

// TestBuildUpdate tests the id placeholder comes last.
func TestBuildUpdate(t *testing.T) {
	query, args := buildUpdate("journal_entries", "srv-1", map[string]interface{}{"title": "t", "client_id": "x"})
	want := `UPDATE "journal_entries" SET "title" = $1 WHERE id::text = $2`
	if query != want {
		t.Errorf("query = %s, want %s", query, want)
	}
	if len(args) != 2 || args[1] != "srv-1" {
		t.Errorf("args = %v", args)
	}

	if q, _ := buildUpdate("journal_entries", "srv-1", map[string]interface{}{"client_id": "x"}); q != "" {
		t.Errorf("update with no columns should be empty, got %s", q)
	}
}

// TestPostgresRemote_InsertUniqueViolation tests 23505 becomes AlreadyExists.
func TestPostgresRemote_InsertUniqueViolation(t *testing.T) {
	conn := &fakeConn{rows: []fakeRow{
		{err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}},
		{id: "srv-7"},
	}}
	r := &PostgresRemote{conn: conn}

	out := r.Insert(context.Background(), "journal_entries", "j-1", map[string]interface{}{"title": "x"})
	if out.Kind != AlreadyExists || out.RemoteID != "srv-7" {
		t.Errorf("Insert() = %+v, want already_exists srv-7", out)
	}
	if len(conn.queries) != 2 || !strings.Contains(conn.queries[1], "WHERE client_id = $1") {
		t.Errorf("queries = %v", conn.queries)
	}
}

// TestPostgresRemote_InsertOtherUniqueConstraint tests a 23505 from a
// constraint other than client_id stays a failure.
func TestPostgresRemote_InsertOtherUniqueConstraint(t *testing.T) {
	conn := &fakeConn{rows: []fakeRow{
		{err: &pgconn.PgError{Code: "23505", ConstraintName: "profiles_user_id_key", Message: "duplicate key"}},
		{err: pgx.ErrNoRows},
	}}
	r := &PostgresRemote{conn: conn}

	out := r.Insert(context.Background(), "profiles", "p-1", map[string]interface{}{"display_name": "Kim"})
	if out.OK() || out.Kind != RetryableFailure {
		t.Fatalf("Insert() = %+v, want retryable_failure", out)
	}
	if !out.Permanent {
		t.Error("conflict on another constraint should be tagged permanent")
	}
	if pgCode(out.Err) != "23505" {
		t.Errorf("Err = %v, want the original unique violation", out.Err)
	}
}

// TestPostgresRemote_InsertLookupFailure tests a failed id lookup after a
// unique violation is retried instead of reported as synced.
func TestPostgresRemote_InsertLookupFailure(t *testing.T) {
	conn := &fakeConn{rows: []fakeRow{
		{err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}},
		{err: errors.New("connection reset")},
	}}
	r := &PostgresRemote{conn: conn}

	out := r.Insert(context.Background(), "journal_entries", "j-1", map[string]interface{}{"title": "x"})
	if out.OK() || out.Permanent {
		t.Errorf("Insert() = %+v, want retryable failure", out)
	}
}

// TestPostgresRemote_InsertFailure tests other errors stay retryable.
func TestPostgresRemote_InsertFailure(t *testing.T) {
	conn := &fakeConn{rows: []fakeRow{{err: &pgconn.PgError{Code: "23502", Message: "null value"}}}}
	r := &PostgresRemote{conn: conn}

	out := r.Insert(context.Background(), "journal_entries", "j-1", nil)
	if out.Kind != RetryableFailure {
		t.Fatalf("Insert() kind = %v, want retryable_failure", out.Kind)
	}
	if !out.Permanent {
		t.Error("not-null violation should be tagged permanent")
	}
}

// TestPostgresRemote_UpdateNoRows tests a missing row is a failure.
func TestPostgresRemote_UpdateNoRows(t *testing.T) {
	conn := &fakeConn{tag: pgconn.NewCommandTag("UPDATE 0")}
	r := &PostgresRemote{conn: conn}

	out := r.Update(context.Background(), "journal_entries", "srv-1", map[string]interface{}{"title": "x"})
	if out.Kind != RetryableFailure {
		t.Errorf("Update() = %+v, want failure", out)
	}

	conn.tag = pgconn.NewCommandTag("UPDATE 1")
	if out := r.Update(context.Background(), "journal_entries", "srv-1", map[string]interface{}{"title": "x"}); out.Kind != Success {
		t.Errorf("Update() = %+v, want success", out)
	}
}

// TestClassifyPgError tests the permanent tag.
func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{errors.New("dial tcp: connection refused"), false},
		{&pgconn.PgError{Code: "22P02"}, true},
		{&pgconn.PgError{Code: "42P01"}, true},
		{&pgconn.PgError{Code: "23503"}, true},
		{&pgconn.PgError{Code: "40001"}, false},
		{&pgconn.PgError{Code: "57P01"}, false},
	}
	for _, tt := range tests {
		out := classifyPgError(tt.err)
		if out.Kind != RetryableFailure {
			t.Errorf("%v: kind = %v", tt.err, out.Kind)
		}
		if out.Permanent != tt.permanent {
			t.Errorf("%v: permanent = %v, want %v", tt.err, out.Permanent, tt.permanent)
		}
	}
}

// TestKind_String tests kind names used in logs.
func TestKind_String(t *testing.T) {
	if Success.String() != "success" || AlreadyExists.String() != "already_exists" || RetryableFailure.String() != "retryable_failure" {
		t.Error("unexpected kind names")
	}
}
