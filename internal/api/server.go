// Package api exposes sync status and queue maintenance over local HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/wellnest/backend/internal/logging"
	syncpkg "github.com/kimhsiao/wellnest/backend/internal/sync"
	"github.com/kimhsiao/wellnest/backend/internal/sync/monitor"
	"github.com/kimhsiao/wellnest/backend/internal/sync/queue"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

// StatusSource is the part of the monitor the API drives.
type StatusSource interface {
	Status() monitor.Status
	Sync(ctx context.Context) *syncpkg.PassResult
	SetOnline(online bool)
	Subscribe(fn func(monitor.Status)) func()
	RefreshPending(ctx context.Context) int
}

// Deps wires the server.
type Deps struct {
	Monitor    StatusSource
	Queue      *queue.SyncQueue
	MaxRetries int
	Metrics    *telemetry.Metrics
}

// Server routes the status API and the websocket status stream.
type Server struct {
	deps        Deps
	router      *mux.Router
	hub         *Hub
	unsubscribe func()
}

// NewServer creates a Server and starts forwarding status changes to
// websocket clients. Call Close to stop.
func NewServer(deps Deps) *Server {
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = queue.DefaultMaxRetries
	}
	s := &Server{deps: deps, hub: NewHub()}
	s.router = s.routes()
	s.unsubscribe = deps.Monitor.Subscribe(s.hub.BroadcastStatus)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sync/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/queue", s.handleQueue).Methods(http.MethodGet)
	api.HandleFunc("/sync/exhausted", s.handleExhausted).Methods(http.MethodGet)
	api.HandleFunc("/sync/queue/{id}/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", s.handleConnectivity).Methods(http.MethodPost)
	api.HandleFunc("/sync/ws", s.hub.HandleWebSocket)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops forwarding status changes and disconnects websocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.Close()
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("status server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return srv.Shutdown(shutdownCtx)
	}
}
