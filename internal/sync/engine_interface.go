package sync

import (
	"context"
	"time"
)

// Runner is the part of Synchronizer that triggers depend on. It allows
// monitors and HTTP handlers to be tested with a stub.
type Runner interface {
	// Sync runs one pass and returns its result. It never returns nil.
	Sync(ctx context.Context) *PassResult

	// IsSyncing reports whether a pass is in flight.
	IsSyncing() bool

	// LastSyncTime returns when the last pass completed, or nil.
	LastSyncTime() *time.Time

	// PendingCount returns the unsynced queue size, zero when storage is unavailable.
	PendingCount(ctx context.Context) int

	// SetConnectivity installs the online check used by the pass guard.
	SetConnectivity(c Connectivity)
}

var _ Runner = (*Synchronizer)(nil)
