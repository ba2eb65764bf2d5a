package models

import "encoding/json"

// Operation is the kind of mutation a queue item replays remotely.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Well-known payload keys.
const (
	PayloadClientID = "client_id"
	PayloadRemoteID = "remote_id"
	PayloadUserID   = "user_id"
)

// SyncQueue represents a pending mutation row.
type SyncQueue struct {
	ID         string          `db:"id" json:"id"`
	TableName  Table           `db:"table_name" json:"table_name"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix nanos
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	Synced     bool            `db:"synced" json:"synced"`
}
