package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware returns an HTTP middleware that rejects requests without a
// valid operator key. The key is read from X-API-Key or from an
// "Authorization: Bearer" header. When limiter is non-nil, clients that
// keep presenting bad keys are locked out for the limiter's window.
func Middleware(keys *KeySet, limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)

			if limiter != nil {
				res, err := limiter.Check(r.Context(), client)
				if err != nil {
					logger.Error("checking auth rate limit", "client", client, "error", err)
				} else if !res.Allowed {
					secs := int(time.Until(res.RetryAt).Seconds()) + 1
					w.Header().Set("Retry-After", strconv.Itoa(secs))
					respondErr(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
					return
				}
			}

			raw := r.Header.Get("X-API-Key")
			if raw == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
					raw = strings.TrimSpace(h[7:])
				}
			}

			if !keys.Valid(raw) {
				logger.Warn("rejected operator API request", "path", r.URL.Path, "client", client, "key_present", raw != "")
				if limiter != nil {
					if err := limiter.Record(r.Context(), client); err != nil {
						logger.Error("recording auth failure", "client", client, "error", err)
					}
				}
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the request's remote host without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
