// Package models provides data model definitions for Wellnest.
package models

import "time"

// Table names a local record kind. Each kind lives in its own SQLite table.
type Table string

const (
	TableJournals      Table = "journals"
	TableCheckins      Table = "checkins"
	TableMeditations   Table = "meditations"
	TableNotes         Table = "notes"
	TableProfiles      Table = "profiles"
	TableCachedModules Table = "cached_modules"
)

// Tables lists every entity table in schema order.
var Tables = []Table{
	TableJournals,
	TableCheckins,
	TableMeditations,
	TableNotes,
	TableProfiles,
	TableCachedModules,
}

// Valid reports whether t is a known entity table.
func (t Table) Valid() bool {
	for _, known := range Tables {
		if t == known {
			return true
		}
	}
	return false
}

func (t Table) String() string {
	return string(t)
}

// Record is one row of an entity table.
type Record struct {
	LocalID   int64                  `db:"local_id" json:"local_id"`
	ClientID  string                 `db:"client_id" json:"client_id"`
	RemoteID  string                 `db:"remote_id" json:"remote_id,omitempty"`
	UserID    string                 `db:"user_id" json:"user_id"`
	Data      map[string]interface{} `db:"data" json:"data"`
	Synced    bool                   `db:"synced" json:"synced"`
	Deleted   bool                   `db:"deleted" json:"deleted"`
	CreatedAt int64                  `db:"created_at" json:"created_at"` // unix millis
	UpdatedAt int64                  `db:"updated_at" json:"updated_at"` // unix millis
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// RecordPatch describes a partial update. Nil fields are left untouched and
// Data keys are merged into the stored data.
type RecordPatch struct {
	RemoteID *string
	Synced   *bool
	Deleted  *bool
	Data     map[string]interface{}
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.RemoteID == nil && p.Synced == nil && p.Deleted == nil && len(p.Data) == 0
}

// Filter narrows CountWhere and DeleteOlderThan. Nil fields match anything.
type Filter struct {
	UserID  string
	Synced  *bool
	Deleted *bool
}

// Bool returns a pointer to b, for building patches and filters.
func Bool(b bool) *bool {
	return &b
}

// String returns a pointer to s.
func String(s string) *string {
	return &s
}
