package extapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"negative", "-5", 0},
		{"http date", now.Add(2 * time.Minute).Format(http.TimeFormat), 2 * time.Minute},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestDo_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"svc-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := Do(context.Background(), srv.Client(), Request{
		Service: "test",
		Method:  http.MethodPost,
		URL:     srv.URL,
		Body:    map[string]string{"a": "b"},
		Header:  http.Header{"Authorization": {"Bearer k"}},
	}, &out)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if out.ID != "svc-1" {
		t.Errorf("ID = %q, want svc-1", out.ID)
	}
}

func TestDo_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{Service: "test", Method: http.MethodGet, URL: srv.URL}, nil)
	se, ok := AsStatusError(err)
	if !ok {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if !se.RateLimited() {
		t.Error("expected RateLimited() to be true")
	}
	if se.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", se.RetryAfter)
	}
	if se.Body != "slow down" {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestAsStatusError_Wrapped(t *testing.T) {
	base := &StatusError{Service: "x", StatusCode: http.StatusUnauthorized}
	wrapped := errors.Join(errors.New("context"), base)
	se, ok := AsStatusError(wrapped)
	if !ok || !se.Unauthorized() {
		t.Fatalf("expected unauthorized status error, got %v", wrapped)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
		after     time.Duration
	}{
		{"rate limited", &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second}, KindRateLimited, true, 5 * time.Second},
		{"unauthorized", &StatusError{StatusCode: http.StatusUnauthorized}, KindAuthExpired, false, 0},
		{"forbidden", &StatusError{StatusCode: http.StatusForbidden}, KindAuthExpired, false, 0},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, KindGeneric, true, 0},
		{"plain error", errors.New("connection reset"), KindGeneric, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Kind != tt.kind || c.Retryable != tt.retryable || c.RetryAfter != tt.after {
				t.Errorf("Classify() = %+v, want kind=%s retryable=%v after=%v", c, tt.kind, tt.retryable, tt.after)
			}
		})
	}
}
