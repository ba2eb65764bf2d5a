// Package monitor decides when to sync and exposes the status shown to users.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/logging"
	syncpkg "github.com/kimhsiao/wellnest/backend/internal/sync"
)

// SessionProvider reports the signed-in user. Passes only run with a session.
type SessionProvider interface {
	UserID() (string, bool)
}

// StaticSession is a fixed session; an empty ID means signed out.
type StaticSession struct {
	ID string
}

// UserID implements SessionProvider.
func (s StaticSession) UserID() (string, bool) {
	return s.ID, s.ID != ""
}

// Config holds monitor timing.
type Config struct {
	PollInterval     time.Duration // pending count refresh (default: 5s)
	SettleDelay      time.Duration // wait after going online (default: 1s)
	MountSettleDelay time.Duration // wait after Start with a backlog (default: 2s)
	SyncInterval     time.Duration // background pass while online; 0 disables
	SyncTimeout      time.Duration // upper bound for one automatic pass (default: 5m)
	StartOffline     bool
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     5 * time.Second,
		SettleDelay:      1 * time.Second,
		MountSettleDelay: 2 * time.Second,
		SyncTimeout:      5 * time.Minute,
	}
}

// Status is the whole contract the presentation layer needs.
type Status struct {
	IsOnline     bool       `json:"isOnline"`
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
	SyncError    *string    `json:"syncError"`
}

// Monitor owns the "should we sync now" decision.
type Monitor struct {
	runner  syncpkg.Runner
	session SessionProvider
	cfg     Config

	triggerCh chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	pendingCount int
	syncError    string
	syncing      bool
	settleTimer  *time.Timer

	subMu       sync.Mutex
	subscribers map[int]func(Status)
	nextSub     int
}

// New creates a Monitor and installs it as the runner's connectivity source.
func New(runner syncpkg.Runner, session SessionProvider, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if session == nil {
		session = StaticSession{}
	}

	m := &Monitor{
		runner:      runner,
		session:     session,
		cfg:         cfg,
		triggerCh:   make(chan string, 1),
		stopCh:      make(chan struct{}),
		isOnline:    !cfg.StartOffline,
		subscribers: make(map[int]func(Status)),
	}
	runner.SetConnectivity(m)
	return m
}

// Start refreshes the pending count, schedules the mount pass when online
// with a backlog, and starts the background loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	pending := m.refreshPending(ctx)
	if m.IsOnline() && pending > 0 && m.hasSession() {
		m.schedule(m.cfg.MountSettleDelay, "mount")
	}

	m.wg.Add(1)
	go m.loop(ctx)

	logging.Info("connectivity monitor started", map[string]interface{}{
		"online":  m.IsOnline(),
		"pending": pending,
	})
}

// Stop stops the background loop and waits for an in-flight automatic pass.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	close(m.stopCh)
	cancel()
	m.wg.Wait()

	logging.Info("connectivity monitor stopped")
}

// IsOnline implements syncpkg.Connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOnline
}

// IsRunning returns whether the background loop is running.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// SetOnline records a connectivity transition. Going online clears the last
// error and schedules a pass after the settle delay; going offline only flips
// the flag.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.isOnline
	m.isOnline = online
	if online && !was {
		m.syncError = ""
	}
	if !online && m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.mu.Unlock()

	if was == online {
		return
	}
	logging.Info("online status changed", map[string]interface{}{
		"was_online": was,
		"is_online":  online,
	})
	m.notify()

	if online && m.hasSession() {
		m.schedule(m.cfg.SettleDelay, "reconnect")
	}
}

// Sync runs a pass now and waits for it. Without a session, while offline or
// while a pass is running it returns a skipped result and changes nothing.
func (m *Monitor) Sync(ctx context.Context) *syncpkg.PassResult {
	now := time.Now()
	switch {
	case !m.hasSession():
		return skippedResult(syncpkg.SkipNoSession, now)
	case !m.IsOnline():
		return skippedResult(syncpkg.SkipOffline, now)
	case !m.beginSync():
		return skippedResult(syncpkg.SkipAlreadySyncing, now)
	}
	m.notify()

	result := m.runner.Sync(ctx)

	m.mu.Lock()
	m.syncing = false
	if result.Ran {
		m.syncError = result.ErrorSummary()
	}
	m.mu.Unlock()

	m.refreshPending(ctx)
	m.notify()
	return result
}

// beginSync claims the monitor's in-flight flag.
func (m *Monitor) beginSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing || m.runner.IsSyncing() {
		return false
	}
	m.syncing = true
	return true
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	st := Status{
		IsOnline:     m.isOnline,
		IsSyncing:    m.syncing,
		PendingCount: m.pendingCount,
	}
	if m.syncError != "" {
		msg := m.syncError
		st.SyncError = &msg
	}
	m.mu.RUnlock()

	st.IsSyncing = st.IsSyncing || m.runner.IsSyncing()
	st.LastSyncTime = m.runner.LastSyncTime()
	return st
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn runs on the goroutine that caused the change.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

// RefreshPending re-reads the pending count and notifies observers.
func (m *Monitor) RefreshPending(ctx context.Context) int {
	return m.refreshPending(ctx)
}

func (m *Monitor) refreshPending(ctx context.Context) int {
	n := m.runner.PendingCount(ctx)
	m.mu.Lock()
	changed := n != m.pendingCount
	m.pendingCount = n
	m.mu.Unlock()
	if changed {
		m.notify()
	}
	return n
}

func (m *Monitor) notify() {
	st := m.Status()
	m.subMu.Lock()
	subs := make([]func(Status), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (m *Monitor) hasSession() bool {
	_, ok := m.session.UserID()
	return ok
}

// schedule arms the settle timer. A newer schedule replaces an older one so
// a mount and a reconnect in quick succession produce one pass.
func (m *Monitor) schedule(delay time.Duration, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	m.settleTimer = time.AfterFunc(delay, func() {
		select {
		case m.triggerCh <- reason:
		default:
			// A trigger is already waiting.
		}
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	var syncTick <-chan time.Time
	if m.cfg.SyncInterval > 0 {
		t := time.NewTicker(m.cfg.SyncInterval)
		defer t.Stop()
		syncTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-poll.C:
			m.refreshPending(ctx)
		case <-syncTick:
			if m.IsOnline() && m.hasSession() && m.refreshPending(ctx) > 0 {
				m.runAutomatic(ctx, "interval")
			}
		case reason := <-m.triggerCh:
			m.runAutomatic(ctx, reason)
		}
	}
}

func (m *Monitor) runAutomatic(ctx context.Context, reason string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		syncCtx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
		defer cancel()

		result := m.Sync(syncCtx)
		if !result.Ran {
			logging.Debug("automatic sync skipped", map[string]interface{}{
				"trigger": reason,
				"reason":  string(result.Reason),
			})
			return
		}
		logging.Info("automatic sync completed", map[string]interface{}{
			"trigger": reason,
			"synced":  result.SyncedCount,
			"failed":  len(result.Errors),
		})
	}()
}

func skippedResult(reason syncpkg.SkipReason, now time.Time) *syncpkg.PassResult {
	return &syncpkg.PassResult{
		Reason:     reason,
		Message:    reason.Message(),
		StartedAt:  now,
		FinishedAt: now,
	}
}
