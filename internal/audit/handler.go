package audit

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/db"
	"github.com/wisbric/groupowl/internal/httpserver"
)

// LogEntry is a persisted audit entry as returned by the API.
type LogEntry struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  *uuid.UUID `json:"tenant_id"`
	Step      string     `json:"step"`
	Outcome   string     `json:"outcome"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	dbtx   db.DBTX
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(dbtx db.DBTX, logger *slog.Logger) *Handler {
	return &Handler{dbtx: dbtx, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenantID}", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant id")
		return
	}

	params, err := parsePageRequest(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	query := `SELECT id, tenant_id, step, outcome, error, created_at FROM onboarding_audit
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if params.After != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, params.After.CreatedAt, params.After.ID)
	}
	args = append(args, params.Limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := h.dbtx.Query(r.Context(), query, args...)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	entries := make([]LogEntry, 0, params.Limit+1)
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Step, &e.Outcome, &e.Error, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit log", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("iterating audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, newPage(entries, params.Limit))
}
