package onboarding

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/httpserver"
	"github.com/wisbric/groupowl/pkg/tenant"
)

// Handler provides HTTP handlers for onboarding.
type Handler struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// NewHandler creates an onboarding Handler.
func NewHandler(orch *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// Routes returns a chi.Router with onboarding routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/steps", h.handleStep)
	r.Post("/retry", h.handleRetry)
	r.Get("/tenants/{id}", h.handleGetTenant)
	return r
}

type stepRequest struct {
	Step         string `json:"step" validate:"required"`
	TenantID     string `json:"tenant_id" validate:"omitempty,uuid"`
	Name         string `json:"name" validate:"omitempty,max=120"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
	PriceCents   int    `json:"price_cents" validate:"gte=0"`
	WorkerID     string `json:"worker_id" validate:"omitempty,uuid"`
}

type retryRequest struct {
	TenantID string `json:"tenant_id" validate:"required,uuid"`
	Step     string `json:"step" validate:"required"`
}

func (h *Handler) handleStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	step, err := ParseStep(req.Step)
	if err != nil {
		h.respondErr(w, newStepError(CodeValidation, Step(req.Step), uuid.Nil, "%v", err))
		return
	}

	in := StepRequest{
		Step:         step,
		Name:         req.Name,
		ContactEmail: req.ContactEmail,
		PriceCents:   req.PriceCents,
	}
	if req.TenantID != "" {
		in.TenantID = uuid.MustParse(req.TenantID)
	}
	if req.WorkerID != "" {
		id := uuid.MustParse(req.WorkerID)
		in.WorkerID = &id
	}

	res, err := h.orch.Execute(r.Context(), in)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	status := http.StatusOK
	if step == StepCreating {
		status = http.StatusCreated
	}
	httpserver.Respond(w, status, res)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	tenantID := uuid.MustParse(req.TenantID)
	step, err := ParseStep(req.Step)
	if err != nil {
		h.respondErr(w, newStepError(CodeValidation, Step(req.Step), tenantID, "%v", err))
		return
	}

	res, err := h.orch.Retry(r.Context(), RetryRequest{TenantID: tenantID, Step: step})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant id")
		return
	}

	view, err := h.orch.Tenant(r.Context(), id)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
			return
		}
		h.logger.Error("reading tenant", "tenant_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read tenant")
		return
	}
	httpserver.Respond(w, http.StatusOK, view)
}

// statusCodes maps StepError codes to HTTP statuses.
var statusCodes = map[string]int{
	CodeValidation:    http.StatusBadRequest,
	CodeNotFound:      http.StatusNotFound,
	CodeNotFailed:     http.StatusConflict,
	CodeConfiguration: http.StatusUnprocessableEntity,
	CodeNoSession:     http.StatusUnprocessableEntity,
	CodeSessionBusy:   http.StatusServiceUnavailable,
	CodeRateLimited:   http.StatusTooManyRequests,
	CodeAuthExpired:   http.StatusBadGateway,
	CodeExternal:      http.StatusBadGateway,
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var se *StepError
	if !errors.As(err, &se) {
		h.logger.Error("onboarding request failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "onboarding step failed unexpectedly")
		return
	}

	status, ok := statusCodes[se.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if se.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*se.RetryAfterSeconds))
	}
	httpserver.Respond(w, status, se)
}
