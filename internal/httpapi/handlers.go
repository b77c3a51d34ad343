package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anastasis-go/anastasis/internal/reducer"
	"github.com/anastasis-go/anastasis/internal/session"
)

type createSessionRequest struct {
	Mode string `json:"mode"`
}

type createSessionResponse struct {
	ID    string        `json:"id"`
	Mode  string        `json:"mode"`
	State reducer.State `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	state := reducer.State{}
	field := "backup_state"
	if mode == reducer.ModeRecovery {
		field = "recovery_state"
	}
	state[field] = "CONTINENT_SELECTING"

	if err := s.saveState(r.Context(), id, state); err != nil {
		s.log.Error("save session failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not persist session"})
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{ID: id, Mode: string(mode), State: state})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.loadState(r.Context(), id)
	if err != nil {
		if err == session.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such session"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not load session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.drop(id)
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not delete session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	Mode      string         `json:"mode"`
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// handleAction implements spec §4.I's Dispatch call over HTTP: one
// action against the session named by {id}, persisted on success. A
// *reducer.Error is a well-formed 200-with-error-body response, not
// an HTTP error status — the reducer's closed error enum is the
// caller-facing contract, the HTTP layer is just transport (spec §1).
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req actionRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	state, err := s.loadState(r.Context(), id)
	if err != nil {
		if err == session.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such session"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not load session"})
		return
	}

	sess := s.registry.get(id)
	start := time.Now()
	newState, derr := s.dispatcher.Dispatch(r.Context(), sess, mode, state, req.Action, req.Arguments)
	s.metrics.actionDuration.WithLabelValues(string(mode), req.Action).Observe(time.Since(start).Seconds())
	s.metrics.actionsTotal.WithLabelValues(string(mode), req.Action).Inc()

	if derr != nil {
		s.metrics.actionFailures.WithLabelValues(string(mode), req.Action, strconv.Itoa(derr.Code)).Inc()
		writeJSON(w, http.StatusOK, map[string]any{"error": derr})
		return
	}
	if err := s.saveState(r.Context(), id, newState); err != nil {
		s.log.Error("save session failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not persist session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": newState})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func parseMode(s string) (reducer.Mode, error) {
	switch s {
	case "backup":
		return reducer.ModeBackup, nil
	case "recovery":
		return reducer.ModeRecovery, nil
	default:
		return "", errUnknownMode(s)
	}
}

type unknownModeError string

func (e unknownModeError) Error() string { return "unknown mode: " + string(e) }

func errUnknownMode(s string) error { return unknownModeError(s) }
