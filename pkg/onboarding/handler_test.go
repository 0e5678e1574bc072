package onboarding

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/tenant"
)

func newTestRouter(h *harness) chi.Router {
	router := chi.NewRouter()
	router.Mount("/onboarding", NewHandler(h.orch, testLogger()).Routes())
	return router
}

func do(router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestHandleStep_CreateReturns201(t *testing.T) {
	h := newHarness()
	h.workers.add(&bot.Worker{Token: "123:abc"})

	body := `{"step":"creating","name":"Weekend Tips","contact_email":"owner@example.com","price_cents":1500}`
	w := do(newTestRouter(h), http.MethodPost, "/onboarding/steps", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var res StepResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if res.TenantID == uuid.Nil || res.Status != tenant.StatusCreating {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleStep_Errors(t *testing.T) {
	tests := []struct {
		name string
		body func(id uuid.UUID) string
		want int
	}{
		{"empty body", func(uuid.UUID) string { return "" }, http.StatusBadRequest},
		{"unknown step", func(id uuid.UUID) string { return `{"step":"launching","tenant_id":"` + id.String() + `"}` }, http.StatusBadRequest},
		{"malformed tenant id", func(uuid.UUID) string { return `{"step":"finalizing","tenant_id":"nope"}` }, http.StatusUnprocessableEntity},
		{"unknown tenant", func(uuid.UUID) string { return `{"step":"finalizing","tenant_id":"` + uuid.NewString() + `"}` }, http.StatusNotFound},
		{"not ready", func(id uuid.UUID) string { return `{"step":"finalizing","tenant_id":"` + id.String() + `"}` }, http.StatusUnprocessableEntity},
		{"skips payments", func(id uuid.UUID) string { return `{"step":"deploying_worker","tenant_id":"` + id.String() + `"}` }, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			ten := h.seed(nil)
			w := do(newTestRouter(h), http.MethodPost, "/onboarding/steps", tt.body(ten.ID))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleStep_RateLimitedSetsRetryAfter(t *testing.T) {
	h := newHarness()
	h.cooldown.wait = 75 * time.Second
	ten := h.seedCompleted(StepCreatingAdmin, nil)

	w := do(newTestRouter(h), http.MethodPost, "/onboarding/steps",
		`{"step":"creating_channel","tenant_id":"`+ten.ID.String()+`"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "75" {
		t.Errorf("Retry-After = %q, want 75", got)
	}
	var se StepError
	if err := json.NewDecoder(w.Body).Decode(&se); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if se.Code != CodeRateLimited || se.Step != StepCreatingChannel || se.TenantID != ten.ID {
		t.Errorf("error body = %+v", se)
	}
	if se.RetryAfterSeconds == nil || *se.RetryAfterSeconds != 75 {
		t.Errorf("retry_after_seconds = %v, want 75", se.RetryAfterSeconds)
	}
}

func TestHandleRetry_NotFailed(t *testing.T) {
	h := newHarness()
	ten := h.seed(nil)

	w := do(newTestRouter(h), http.MethodPost, "/onboarding/retry",
		`{"step":"deploying_bot","tenant_id":"`+ten.ID.String()+`"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
}

func TestHandleRetry_Succeeds(t *testing.T) {
	h := newHarness()
	ten := h.seed(func(t *tenant.Tenant) { t.Status = tenant.StatusFailed })

	w := do(newTestRouter(h), http.MethodPost, "/onboarding/retry",
		`{"step":"validating_worker","tenant_id":"`+ten.ID.String()+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var res RetryResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if res.Tenant.Status != tenant.StatusActive || len(res.Steps) != 6 {
		t.Errorf("result status = %s with %d steps", res.Tenant.Status, len(res.Steps))
	}
}

func TestHandleGetTenant(t *testing.T) {
	h := newHarness()
	ten := h.seed(nil)
	router := newTestRouter(h)

	w := do(router, http.MethodGet, "/onboarding/tenants/"+ten.ID.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var view TenantView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if view.ID != ten.ID || view.Name != "Weekend Tips" {
		t.Errorf("view = %+v", view)
	}

	if w := do(router, http.MethodGet, "/onboarding/tenants/"+uuid.NewString(), ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown tenant status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := do(router, http.MethodGet, "/onboarding/tenants/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
