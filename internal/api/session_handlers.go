// Package api provides HTTP handlers for ChatLoop session endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/models"
	"github.com/chatloop/chatloop/internal/store"
)

// sessionHandler routes item-level session operations:
//
//	GET  /sessions/{id}
//	GET  /sessions/{id}/log
//	POST /sessions/{id}/pause
//	POST /sessions/{id}/resume
//	POST /sessions/{id}/resume-expired
//	POST /sessions/{id}/cancel
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionHandler: processing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session ID required"))
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getSessionHandler(w, r, sessionID)
		return
	}

	action := segments[1]
	if action == "log" {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getTransitionLogHandler(w, r, sessionID)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	switch action {
	case "pause":
		s.operatorActionHandler(w, r, sessionID, "pause", s.engine.PauseSession)
	case "resume":
		s.operatorActionHandler(w, r, sessionID, "resume", s.engine.ResumeSession)
	case "resume-expired":
		s.operatorActionHandler(w, r, sessionID, "resume-expired", s.engine.ResumeExpired)
	case "cancel":
		s.operatorActionHandler(w, r, sessionID, "cancel", s.engine.CancelSession)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
	}
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.st.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.getSessionHandler: failed to fetch session", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) getTransitionLogHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.st.GetSession(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.getTransitionLogHandler: failed to fetch session", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch session"))
		return
	}
	entries, err := s.st.GetTransitionLog(sessionID)
	if err != nil {
		slog.Error("Server.getTransitionLogHandler: failed to fetch log", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch transition log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// operatorActionHandler executes an operator status change through the engine
// and maps engine errors to HTTP statuses: unknown session to 404, an illegal
// status transition to 409, and transient lock or version contention to 503 so
// the caller retries.
func (s *Server) operatorActionHandler(w http.ResponseWriter, r *http.Request, sessionID, action string, op func(context.Context, string) (*models.Session, error)) {
	slog.Debug("Server.operatorActionHandler: invoking operator action", "sessionID", sessionID, "action", action)

	sess, err := op(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		case errors.Is(err, flow.ErrInvalidStatusTransition):
			slog.Warn("Server.operatorActionHandler: invalid status transition", "sessionID", sessionID, "action", action, "error", err)
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		case flow.Retryable(err):
			slog.Warn("Server.operatorActionHandler: transient contention", "sessionID", sessionID, "action", action, "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Session is busy, retry shortly"))
		default:
			slog.Error("Server.operatorActionHandler: operator action failed", "sessionID", sessionID, "action", action, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to apply session action"))
		}
		return
	}

	slog.Info("Server.operatorActionHandler: operator action applied", "sessionID", sessionID, "action", action, "status", sess.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session "+action+" applied", sess))
}
