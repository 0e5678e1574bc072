package audit

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// cursor is the (created_at, id) key of the last entry on a page. Entries
// are listed newest first, so the next page holds keys below it.
type cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "." + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func parseCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, errors.New("cursor is not url-safe base64")
	}
	usec, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return cursor{}, errors.New("cursor is malformed")
	}
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return cursor{}, errors.New("cursor timestamp is malformed")
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return cursor{}, errors.New("cursor id is malformed")
	}
	return cursor{CreatedAt: time.UnixMicro(n).UTC(), ID: u}, nil
}

// pageRequest is the ?limit and ?after of a list call.
type pageRequest struct {
	After *cursor
	Limit int
}

func parsePageRequest(r *http.Request) (pageRequest, error) {
	p := pageRequest{Limit: defaultPageSize}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = min(n, maxPageSize)
	}
	if v := q.Get("after"); v != "" {
		c, err := parseCursor(v)
		if err != nil {
			return p, fmt.Errorf("invalid after: %w", err)
		}
		p.After = &c
	}
	return p, nil
}

// Page is one page of the audit log, newest entry first.
type Page struct {
	Entries    []LogEntry `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// newPage trims entries fetched with limit+1 rows and sets NextCursor when
// the extra row shows there is more.
func newPage(entries []LogEntry, limit int) Page {
	if len(entries) <= limit {
		return Page{Entries: entries}
	}
	entries = entries[:limit]
	last := entries[len(entries)-1]
	return Page{Entries: entries, NextCursor: cursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()}
}
