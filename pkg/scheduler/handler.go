package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/httpserver"
	"github.com/wisbric/groupowl/pkg/tenant"
)

// ScheduleStore is the tenant persistence behind the schedule endpoints.
// *tenant.Store satisfies it.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id uuid.UUID) (*tenant.Schedule, error)
	SetSchedule(ctx context.Context, id uuid.UUID, sch tenant.Schedule) error
	RequestPostNow(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ChangeFunc announces a schedule edit to running workers.
type ChangeFunc func(ctx context.Context, tenantID uuid.UUID) error

// Handler exposes tenant schedules and manual post requests to operators.
type Handler struct {
	store    ScheduleStore
	onChange ChangeFunc
	logger   *slog.Logger
}

// NewHandler creates a schedule Handler. onChange may be nil.
func NewHandler(store ScheduleStore, onChange ChangeFunc, logger *slog.Logger) *Handler {
	return &Handler{store: store, onChange: onChange, logger: logger}
}

// Routes returns a chi.Router with schedule routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenantID}", h.handleGet)
	r.Put("/{tenantID}", h.handlePut)
	r.Post("/{tenantID}/post-now", h.handlePostNow)
	return r
}

type scheduleRequest struct {
	Enabled *bool    `json:"enabled" validate:"required"`
	Times   []string `json:"times" validate:"required,min=1,max=24,dive,datetime=15:04"`
}

type scheduleResponse struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Enabled  bool      `json:"enabled"`
	Times    []string  `json:"times"`
	Default  bool      `json:"default"`
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	sch, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		h.respondStoreErr(w, id, err)
		return
	}
	resp := scheduleResponse{TenantID: id}
	if sch == nil || len(sch.Times) == 0 {
		d := DefaultSchedule()
		resp.Enabled, resp.Times, resp.Default = d.Enabled, d.Times, true
	} else {
		resp.Enabled, resp.Times = sch.Enabled, sch.Times
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	sch := tenant.Schedule{Enabled: *req.Enabled, Times: req.Times}
	if err := h.store.SetSchedule(r.Context(), id, sch); err != nil {
		h.respondStoreErr(w, id, err)
		return
	}
	if h.onChange != nil {
		if err := h.onChange(r.Context(), id); err != nil {
			// Workers still pick the change up on their next periodic reload.
			h.logger.Warn("announcing schedule change", "tenant_id", id, "error", err)
		}
	}
	h.logger.Info("schedule updated", "tenant_id", id, "enabled", sch.Enabled, "times", sch.Times)
	httpserver.Respond(w, http.StatusOK, scheduleResponse{TenantID: id, Enabled: sch.Enabled, Times: sch.Times})
}

func (h *Handler) handlePostNow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	at := time.Now().UTC()
	if err := h.store.RequestPostNow(r.Context(), id, at); err != nil {
		h.respondStoreErr(w, id, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"tenant_id": id, "requested_at": at})
}

func (h *Handler) respondStoreErr(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, tenant.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant not found")
		return
	}
	h.logger.Error("schedule request", "tenant_id", id, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to access schedule")
}
