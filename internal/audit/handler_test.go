package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHandleList_Errors(t *testing.T) {
	tenantID := "7d9f4c0e-1b2a-4c3d-8e9f-0a1b2c3d4e5f"

	tests := []struct {
		name string
		path string
		want int
	}{
		{"malformed tenant id", "/audit/not-a-uuid", http.StatusBadRequest},
		{"bad limit", "/audit/" + tenantID + "?limit=0", http.StatusBadRequest},
		{"bad cursor", "/audit/" + tenantID + "?after=not-a-cursor!", http.StatusBadRequest},
		{"query failure", "/audit/" + tenantID, http.StatusInternalServerError},
	}

	r := chi.NewRouter()
	r.Mount("/audit", NewHandler(&recordingDB{}, testLogger()).Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
