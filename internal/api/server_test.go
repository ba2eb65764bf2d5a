package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/wellnest/backend/internal/db"
	"github.com/kimhsiao/wellnest/backend/internal/models"
	"github.com/kimhsiao/wellnest/backend/internal/services"
	syncpkg "github.com/kimhsiao/wellnest/backend/internal/sync"
	"github.com/kimhsiao/wellnest/backend/internal/sync/monitor"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/sync/remote"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

// =====================================================
// Test Helpers
// =====================================================

type testEnv struct {
	server   *Server
	monitor  *monitor.Monitor
	queue    *queue.SyncQueue
	remote   *remote.MemoryRemote
	recorder *services.Recorder
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	store := db.NewStore(database.DB)

	q := queue.NewSyncQueue(store)
	r := remote.NewMemoryRemote()
	metrics := telemetry.New()
	s := syncpkg.NewSynchronizer(store, q, r, syncpkg.Options{MaxRetries: 2, Metrics: metrics})
	m := monitor.New(s, monitor.StaticSession{ID: "user-1"}, nil)
	srv := NewServer(Deps{Monitor: m, Queue: q, MaxRetries: 2, Metrics: metrics})

	t.Cleanup(func() {
		srv.Close()
		store.Close()
		database.Close()
	})
	return &testEnv{
		server:   srv,
		monitor:  m,
		queue:    q,
		remote:   r,
		recorder: services.NewRecorder(store, q, "user-1"),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// =====================================================
// Status / Sync Tests
// =====================================================

func TestHealth(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	_, err := env.recorder.CreateCheckin(ctx, models.Checkin{Emotion: "joy", Intensity: 7})
	require.NoError(t, err)
	env.monitor.RefreshPending(ctx)

	rec := env.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st map[string]interface{}
	decode(t, rec, &st)
	assert.Equal(t, true, st["isOnline"])
	assert.Equal(t, false, st["isSyncing"])
	assert.EqualValues(t, 1, st["pendingCount"])
	assert.Nil(t, st["lastSyncTime"])
	assert.Nil(t, st["syncError"])
}

func TestSync_runsPass(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	_, err := env.recorder.CreateJournal(ctx, models.Journal{Title: "Evening"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Result syncpkg.PassResult `json:"result"`
		Status monitor.Status     `json:"status"`
	}
	decode(t, rec, &body)
	assert.True(t, body.Result.Ran)
	assert.Equal(t, 1, body.Result.SyncedCount)
	assert.Equal(t, 0, body.Status.PendingCount)
	assert.NotNil(t, body.Status.LastSyncTime)
	assert.Len(t, env.remote.Rows("journal_entries"), 1)
}

func TestSync_offline(t *testing.T) {
	env := setupServer(t)

	rec := env.do(t, http.MethodPost, "/api/connectivity", `{"online": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), string(syncpkg.SkipOffline))
}

func TestConnectivity_badBody(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodPost, "/api/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
}

func TestSync_failureSurfacesInStatus(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	env.remote.FailNext("insert", "emotional_checkins", -1, errors.New("503 service unavailable"))
	_, err := env.recorder.CreateCheckin(ctx, models.Checkin{Emotion: "anxious", Intensity: 6})
	require.NoError(t, err)

	env.do(t, http.MethodPost, "/api/sync", "")

	var st monitor.Status
	decode(t, env.do(t, http.MethodGet, "/api/sync/status", ""), &st)
	require.NotNil(t, st.SyncError)
	assert.Contains(t, *st.SyncError, "503 service unavailable")
	assert.Equal(t, 1, st.PendingCount)
}

// =====================================================
// Queue Tests
// =====================================================

func TestQueue_listAndReset(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	env.remote.FailNext("insert", "meditation_sessions", -1, errors.New("timeout"))
	_, err := env.recorder.RecordMeditation(ctx, models.MeditationSession{ModuleID: "m-1", DurationSeconds: 300})
	require.NoError(t, err)

	env.do(t, http.MethodPost, "/api/sync", "")
	env.do(t, http.MethodPost, "/api/sync", "")

	var queued struct {
		Items []models.SyncQueue `json:"items"`
		Stats db.QueueCounts     `json:"stats"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/sync/queue", ""), &queued)
	require.Len(t, queued.Items, 1)
	assert.Equal(t, 1, queued.Stats.Exhausted)

	var exhausted struct {
		Items      []models.SyncQueue `json:"items"`
		MaxRetries int                `json:"max_retries"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/sync/exhausted", ""), &exhausted)
	require.Len(t, exhausted.Items, 1)
	assert.Equal(t, 2, exhausted.MaxRetries)

	id := queued.Items[0].ID
	rec := env.do(t, http.MethodPost, "/api/sync/queue/"+id+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var item models.SyncQueue
	decode(t, rec, &item)
	assert.Equal(t, 0, item.RetryCount)

	env.remote.ClearFailures()
	env.do(t, http.MethodPost, "/api/sync", "")
	var st monitor.Status
	decode(t, env.do(t, http.MethodGet, "/api/sync/status", ""), &st)
	assert.Equal(t, 0, st.PendingCount)
}

func TestQueue_resetMissing(t *testing.T) {
	env := setupServer(t)
	rec := env.do(t, http.MethodPost, "/api/sync/queue/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_ITEM_NOT_FOUND")
}

func TestMetrics(t *testing.T) {
	env := setupServer(t)
	env.do(t, http.MethodPost, "/api/sync", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wellnest_sync_passes_total")
}

// =====================================================
// WebSocket Tests
// =====================================================

func TestWebSocket_statusStream(t *testing.T) {
	env := setupServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sync/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.monitor.SetOnline(false)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env1 struct {
		Type string         `json:"type"`
		Data monitor.Status `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env1))
	assert.Equal(t, EventSyncStatus, env1.Type)
	assert.False(t, env1.Data.IsOnline)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

func TestSameHostOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://127.0.0.1:8787": true,
		"https://evil.example":  false,
		"http://[::1]:8080":     true,
		"null":                  false,
		"://no-scheme":          false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/sync/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, sameHostOrigin(req), origin)
	}
}
