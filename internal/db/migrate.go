package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration is one row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// step pairs the up and down scripts of one schema version.
type step struct {
	version int
	name    string
	up      string
	down    string
}

// V3__add_index.up.sql / V3__add_index.down.sql
var stepFile = regexp.MustCompile(`^V(\d+)__(.+)\.(up|down)\.sql$`)

// Migrator applies versioned schema scripts and records them in
// schema_migrations.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator reads V<n>__<name>.{up,down}.sql scripts from files.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL,
	description TEXT NOT NULL,
	checksum    TEXT NOT NULL CHECK(length(checksum) = 64)
);`

// Initialize creates schema_migrations.
func (m *Migrator) Initialize() error {
	if _, err := m.db.Exec(createMigrationsTable); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion() (int, error) {
	var v int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Applied lists the recorded migrations by version.
func (m *Migrator) Applied() ([]Migration, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description, checksum
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			mig Migration
			ts  int64
		)
		if err := rows.Scan(&mig.Version, &ts, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(ts, 0)
		out = append(out, mig)
	}
	return out, rows.Err()
}

// steps groups the script files by version. Files that don't match the
// naming scheme are ignored.
func (m *Migrator) steps() ([]step, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read migration scripts", err)
	}

	byVersion := make(map[int]*step)
	for _, e := range entries {
		match := stepFile.FindStringSubmatch(e.Name())
		if e.IsDir() || match == nil {
			continue
		}
		v, _ := strconv.Atoi(match[1])
		s, ok := byVersion[v]
		if !ok {
			s = &step{version: v, name: match[2]}
			byVersion[v] = s
		}
		if match[3] == "up" {
			s.up = e.Name()
		} else {
			s.down = e.Name()
		}
	}

	out := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Up applies every script newer than the current version, each in its own
// transaction.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	steps, err := m.steps()
	if err != nil {
		return err
	}

	for _, s := range steps {
		if s.version <= current || s.up == "" {
			continue
		}
		script, err := fs.ReadFile(m.files, s.up)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, s.up, err)
		}
		sum := sha256.Sum256(script)
		err = m.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum)
				VALUES (?, ?, ?, ?)`, s.version, time.Now().Unix(), s.name, hex.EncodeToString(sum[:]))
			return err
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply V%d %s", s.version, s.name), err)
		}
		logging.Debug("schema migration applied", map[string]interface{}{
			"version": s.version,
			"name":    s.name,
		})
	}
	return nil
}

// Down reverts the latest applied version using its down script.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to roll back")
	}

	steps, err := m.steps()
	if err != nil {
		return err
	}
	var target *step
	for i := range steps {
		if steps[i].version == current {
			target = &steps[i]
		}
	}
	if target == nil || target.down == "" {
		return apperrors.Newf(apperrors.ErrMigration, "no down script for version %d", current)
	}

	script, err := fs.ReadFile(m.files, target.down)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, target.down, err)
	}
	err = m.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(script)); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, current)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("revert V%d %s", current, target.name), err)
	}
	logging.Info("schema migration reverted", map[string]interface{}{"version": current})
	return nil
}

func (m *Migrator) inTx(fn func(*sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
