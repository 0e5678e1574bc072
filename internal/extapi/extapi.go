// Package extapi holds the request plumbing shared by the external service
// clients: JSON encoding, status checking and Retry-After extraction.
package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout bounds every outbound call made through NewHTTPClient.
const DefaultTimeout = 15 * time.Second

// NewHTTPClient returns an http.Client with the default timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// StatusError is returned when an external service answers with a
// non-success HTTP status.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned HTTP %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// RateLimited reports whether the service throttled the request.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the service rejected the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AsStatusError unwraps err into a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Request describes a JSON call to an external service.
type Request struct {
	Service string
	Method  string
	URL     string
	Body    any
	Header  http.Header
	// OK lists the accepted status codes. Defaults to 200 and 201.
	OK []int
}

// Do performs the request and decodes a JSON response into out (if non-nil).
func Do(ctx context.Context, client *http.Client, r Request, out any) error {
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", r.Service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !accepted(resp.StatusCode, r.OK) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{
			Service:    r.Service,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(raw)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", r.Service, err)
	}
	return nil
}

func accepted(code int, ok []int) bool {
	if len(ok) == 0 {
		return code == http.StatusOK || code == http.StatusCreated
	}
	for _, c := range ok {
		if c == code {
			return true
		}
	}
	return false
}

// ParseRetryAfter interprets a Retry-After header value, either delta
// seconds or an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
