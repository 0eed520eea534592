package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// turnHandler handles POST /v1/turns.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.turnHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.runTurn(r.Context(), req)
	if err != nil {
		s.writeSessionError(w, "Server.turnHandler", req.UserID, err)
		return
	}
	slog.Debug("Server.turnHandler: turn completed", "userID", req.UserID, "reply", res.Reply)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// getGraphHandler handles GET /v1/users/{userID}/graph.
func (s *Server) getGraphHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	g, err := s.sessions.Lookup(r.Context(), userID)
	if err != nil {
		s.writeSessionError(w, "Server.getGraphHandler", userID, err)
		return
	}
	m, err := g.ToMap()
	if err != nil {
		slog.Error("Server.getGraphHandler: failed to serialize graph", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to serialize graph"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

// deleteGraphHandler handles DELETE /v1/users/{userID}/graph.
func (s *Server) deleteGraphHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.sessions.Delete(r.Context(), userID); err != nil {
		s.writeSessionError(w, "Server.deleteGraphHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Graph deleted", nil))
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	}))
}

func (s *Server) writeSessionError(w http.ResponseWriter, op, userID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("No graph for user"))
	case errors.Is(err, session.ErrClosed):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Server is shutting down"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Warn(op+": request abandoned", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Request cancelled"))
	default:
		slog.Error(op+": session failure", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
