package sync

import (
	stdsync "sync"
	"time"
)

// Phase is the pass state machine: Idle -> Running -> Idle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// State owns the single-flight guard and the last pass bookkeeping.
type State struct {
	mu        stdsync.Mutex
	phase     Phase
	startedAt time.Time
	lastSync  *time.Time
	lastError string
}

// NewState creates an idle State.
func NewState() *State {
	return &State{phase: PhaseIdle}
}

// TryBegin moves Idle -> Running. It returns false when a pass is already running.
func (s *State) TryBegin(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseRunning {
		return false
	}
	s.phase = PhaseRunning
	s.startedAt = now
	return true
}

// Finish moves Running -> Idle. When ran is true the pass counts as
// completed: the last sync time is recorded and the last error replaced.
func (s *State) Finish(now time.Time, ran bool, errSummary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.startedAt = time.Time{}
	if !ran {
		return
	}
	t := now
	s.lastSync = &t
	s.lastError = errSummary
}

// StateSnapshot is a read-only copy of State.
type StateSnapshot struct {
	Phase     Phase      `json:"phase"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Syncing reports whether a pass is in flight.
func (s StateSnapshot) Syncing() bool {
	return s.Phase == PhaseRunning
}

// Snapshot returns the current state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StateSnapshot{Phase: s.phase, LastError: s.lastError}
	if s.phase == PhaseRunning {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if s.lastSync != nil {
		t := *s.lastSync
		snap.LastSync = &t
	}
	return snap
}
