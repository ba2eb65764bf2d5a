package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnreachable is returned by MemoryRemote while it is marked offline.
var ErrUnreachable = errors.New("remote unreachable")

// Call records one request seen by MemoryRemote.
type Call struct {
	Op       string
	Table    string
	ClientID string
	RemoteID string
}

// Row is one stored row in MemoryRemote.
type Row struct {
	ID       string
	ClientID string
	Fields   map[string]interface{}
}

type injectedFailure struct {
	remaining int
	err       error
	permanent bool
	// lost applies the write but still reports failure, like a response
	// dropped after the server committed.
	lost bool
}

// MemoryRemote is an in-process Remote used by tests and by the "memory"
// remote driver. Failures can be injected per table and operation.
type MemoryRemote struct {
	mu       sync.Mutex
	rows     map[string]map[string]*Row // table -> remote id -> row
	byClient map[string]map[string]string
	calls    []Call
	failures map[string]*injectedFailure // "op:table"
	offline  bool
	seq      int
	nextID   func() string
	hook     func(Call)
}

// NewMemoryRemote creates an empty MemoryRemote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		rows:     make(map[string]map[string]*Row),
		byClient: make(map[string]map[string]string),
		failures: make(map[string]*injectedFailure),
	}
}

// SetIDGenerator overrides remote id assignment.
func (m *MemoryRemote) SetIDGenerator(next func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = next
}

// SetHook installs a function called before every request, outside the lock.
func (m *MemoryRemote) SetHook(hook func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// SetOffline makes every request and Ping fail with ErrUnreachable.
func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n requests for op ("insert", "update", "delete")
// on table fail with err. A negative n fails until cleared.
func (m *MemoryRemote) FailNext(op, table string, n int, err error) {
	m.setFailure(op, table, &injectedFailure{remaining: n, err: err})
}

// FailPermanently is FailNext with the Permanent tag set.
func (m *MemoryRemote) FailPermanently(op, table string, n int, err error) {
	m.setFailure(op, table, &injectedFailure{remaining: n, err: err, permanent: true})
}

// LoseNextResponse applies the next n inserts on table but reports them as failed.
func (m *MemoryRemote) LoseNextResponse(table string, n int) {
	m.setFailure("insert", table, &injectedFailure{remaining: n, err: errors.New("response lost"), lost: true})
}

// ClearFailures removes all injected failures.
func (m *MemoryRemote) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]*injectedFailure)
}

func (m *MemoryRemote) setFailure(op, table string, f *injectedFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+":"+table] = f
}

// Calls returns a copy of the request log.
func (m *MemoryRemote) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Rows returns the rows stored for table.
func (m *MemoryRemote) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, r := range m.rows[table] {
		out = append(out, *r)
	}
	return out
}

// Get returns one stored row.
func (m *MemoryRemote) Get(table, remoteID string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[table][remoteID]
	if !ok {
		return Row{}, false
	}
	return *r, true
}

func (m *MemoryRemote) begin(c Call) (*injectedFailure, error) {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.offline {
		return nil, ErrUnreachable
	}
	f := m.failures[c.Op+":"+c.Table]
	if f == nil || f.remaining == 0 {
		return nil, nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f, nil
}

func (m *MemoryRemote) assignID() string {
	if m.nextID != nil {
		return m.nextID()
	}
	m.seq++
	return fmt.Sprintf("srv-%d", m.seq)
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Insert implements Remote.
func (m *MemoryRemote) Insert(ctx context.Context, table string, clientID string, fields map[string]interface{}) Outcome {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	f, err := m.begin(Call{Op: "insert", Table: table, ClientID: clientID})
	if err != nil {
		return Failed(err)
	}
	if f != nil && !f.lost {
		return Outcome{Kind: RetryableFailure, Err: f.err, Permanent: f.permanent}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byClient[table][clientID]; ok {
		return Existing(existing, fmt.Errorf("duplicate key value violates unique constraint on %s.client_id", table))
	}
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]*Row)
		m.byClient[table] = make(map[string]string)
	}
	id := m.assignID()
	m.rows[table][id] = &Row{ID: id, ClientID: clientID, Fields: copyFields(fields)}
	m.byClient[table][clientID] = id

	if f != nil {
		return Failed(f.err)
	}
	return Succeeded(id)
}

// Update implements Remote.
func (m *MemoryRemote) Update(ctx context.Context, table string, remoteID string, fields map[string]interface{}) Outcome {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	f, err := m.begin(Call{Op: "update", Table: table, RemoteID: remoteID})
	if err != nil {
		return Failed(err)
	}
	if f != nil {
		return Outcome{Kind: RetryableFailure, Err: f.err, Permanent: f.permanent}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[table][remoteID]
	if !ok {
		return Failed(fmt.Errorf("%s row %s not found", table, remoteID))
	}
	for k, v := range fields {
		row.Fields[k] = v
	}
	return Succeeded(remoteID)
}

// Delete implements Remote. Deleting a missing row succeeds.
func (m *MemoryRemote) Delete(ctx context.Context, table string, remoteID string) Outcome {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	f, err := m.begin(Call{Op: "delete", Table: table, RemoteID: remoteID})
	if err != nil {
		return Failed(err)
	}
	if f != nil {
		return Outcome{Kind: RetryableFailure, Err: f.err, Permanent: f.permanent}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[table][remoteID]; ok {
		delete(m.byClient[table], row.ClientID)
		delete(m.rows[table], remoteID)
	}
	return Succeeded(remoteID)
}

// Ping implements Remote.
func (m *MemoryRemote) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnreachable
	}
	return nil
}
