// Package remote is the boundary to the hosted backend. Every call returns an
// Outcome instead of a bare error so the duplicate-key policy is part of the type.
package remote

import (
	"context"
	"fmt"
)

// Kind classifies the result of one remote call.
type Kind int

const (
	// Success means the remote applied the mutation.
	Success Kind = iota
	// RetryableFailure means the mutation was not applied and should be retried.
	RetryableFailure
	// AlreadyExists means a create hit a uniqueness violation: a previous
	// attempt already landed. Treated as a qualified success.
	AlreadyExists
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case AlreadyExists:
		return "already_exists"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one remote call.
type Outcome struct {
	Kind Kind
	// RemoteID is set for creates that succeeded or already existed, when known.
	RemoteID string
	// Err carries the failure for RetryableFailure, and the original
	// uniqueness error for AlreadyExists.
	Err error
	// Permanent marks failures the backend will keep rejecting (validation,
	// constraint, schema). They are still retried up to the ceiling.
	Permanent bool
}

// OK reports whether the outcome counts as success for queue bookkeeping.
func (o Outcome) OK() bool {
	return o.Kind == Success || o.Kind == AlreadyExists
}

// Succeeded builds a Success outcome.
func Succeeded(remoteID string) Outcome {
	return Outcome{Kind: Success, RemoteID: remoteID}
}

// Failed builds a RetryableFailure outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: RetryableFailure, Err: err}
}

// Existing builds an AlreadyExists outcome.
func Existing(remoteID string, err error) Outcome {
	return Outcome{Kind: AlreadyExists, RemoteID: remoteID, Err: err}
}

// Remote is the hosted backend. Table names are remote table names.
type Remote interface {
	// Insert creates a row tagged with clientID and returns its remote id.
	Insert(ctx context.Context, table string, clientID string, fields map[string]interface{}) Outcome
	// Update applies fields to the row with remoteID.
	Update(ctx context.Context, table string, remoteID string, fields map[string]interface{}) Outcome
	// Delete removes the row with remoteID.
	Delete(ctx context.Context, table string, remoteID string) Outcome
	// Ping checks reachability.
	Ping(ctx context.Context) error
}
