package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/kimhsiao/wellnest/backend/internal/errors"
	"github.com/kimhsiao/wellnest/backend/internal/logging"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(code), body)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound, apperrors.ErrQueueItemNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrUnknownTable, apperrors.ErrInvalidPayload:
		return http.StatusBadRequest
	case apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /api/sync/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

// handleSync handles POST /api/sync
// A pass that ran returns 200 even when items failed; a refused pass
// returns 409 with the skip reason.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result := s.deps.Monitor.Sync(r.Context())
	status := http.StatusOK
	if !result.Ran {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"result": result,
		"status": s.deps.Monitor.Status(),
	})
}

// handleConnectivity handles POST /api/connectivity with {"online": bool}.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, `body must be {"online": true|false}`))
		return
	}
	s.deps.Monitor.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

// handleQueue handles GET /api/sync/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := s.deps.Queue.Pending(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Queue.Stats(ctx, s.deps.MaxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"stats": stats,
	})
}

// handleExhausted handles GET /api/sync/exhausted
func (s *Server) handleExhausted(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.CleanupExhausted(r.Context(), s.deps.MaxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"max_retries": s.deps.MaxRetries,
	})
}

// handleReset handles POST /api/sync/queue/{id}/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	if err := s.deps.Queue.ResetRetry(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Monitor.RefreshPending(ctx)
	item, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
