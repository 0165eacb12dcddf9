package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/auth"
	"github.com/durlabhjain/sql-browser/pkg/models"
	"github.com/durlabhjain/sql-browser/pkg/services"
)

// QueryHandler exposes the broker's execute, cancel, running, history, and
// stats operations.
type QueryHandler struct {
	broker *services.QueryBroker
	logger *zap.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(broker *services.QueryBroker, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{broker: broker, logger: logger}
}

// RegisterRoutes registers the query routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", h.Execute)
	mux.HandleFunc("POST /api/query/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/query/running", h.Running)
	mux.HandleFunc("GET /api/history", h.History)
	mux.HandleFunc("GET /api/stats", h.Stats)
}

// ExecuteRequest is the body of POST /api/query.
type ExecuteRequest struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Statement    string    `json:"statement"`
}

// Execute handles POST /api/query.
func (h *QueryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ConnectionID == uuid.Nil || req.Statement == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "bad_request", "connection_id and statement are required")
		return
	}

	result, err := h.broker.Execute(r.Context(), identity.UserID, identity.Role, req.ConnectionID, req.Statement)
	if err != nil {
		h.writeExecuteError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to encode execute response", zap.Error(err))
	}
}

func (h *QueryHandler) writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsAuthorization(err):
		_ = ErrorResponse(w, http.StatusForbidden, "authorization_denied", err.Error())
	case errors.Is(err, apperrors.ErrConnectionUnavailable):
		_ = ErrorResponse(w, http.StatusServiceUnavailable, "connection_unavailable", err.Error())
	case errors.Is(err, apperrors.ErrExecutionTimedOut):
		_ = ErrorResponse(w, http.StatusRequestTimeout, "execution_timed_out", err.Error())
	case errors.Is(err, apperrors.ErrExecutionCancelled):
		_ = ErrorResponse(w, http.StatusConflict, "execution_cancelled", err.Error())
	default:
		_ = ErrorResponse(w, http.StatusBadRequest, "execution_failed", err.Error())
	}
}

// Cancel handles POST /api/query/{id}/cancel.
func (h *QueryHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
		return
	}

	executionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "bad_request", "invalid execution id")
		return
	}

	switch err := h.broker.Cancel(executionID, identity.UserID, identity.Role); {
	case err == nil:
		_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, apperrors.ErrCancelForbidden):
		_ = ErrorResponse(w, http.StatusForbidden, "cancel_forbidden", err.Error())
	case errors.Is(err, apperrors.ErrCancelTargetNotFound):
		// Too late is not an error; the execution already reached a
		// terminal state.
		_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "not_found"})
	default:
		_ = ErrorResponse(w, http.StatusInternalServerError, "cancel_failed", err.Error())
	}
}

// Running handles GET /api/query/running.
func (h *QueryHandler) Running(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.broker.ListRunning(identity.UserID))
}

// History handles GET /api/history. Callers see their own records only.
func (h *QueryHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
		return
	}

	filters := models.HistoryFilters{UserID: identity.UserID}
	if v := r.URL.Query().Get("limit"); v != "" {
		filters.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filters.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filters.Status = models.ExecutionStatus(v)
	}
	if v := r.URL.Query().Get("connection_id"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			filters.ConnectionID = id
		}
	}

	records, total, err := h.broker.History(r.Context(), filters)
	if err != nil {
		h.logger.Error("Failed to list history", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "history_failed", "failed to list history")
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

// Stats handles GET /api/stats.
func (h *QueryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity")
		return
	}

	sinceDays := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			sinceDays = d
		}
	}

	stats, err := h.broker.UserStats(r.Context(), identity.UserID, sinceDays)
	if err != nil {
		h.logger.Error("Failed to compute stats", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "stats_failed", "failed to compute stats")
		return
	}
	_ = WriteJSON(w, http.StatusOK, stats)
}
