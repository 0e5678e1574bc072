package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/extapi"
)

// ErrNoContent is returned when the content agent has nothing to publish.
var ErrNoContent = errors.New("no content available")

// Post is one piece of content ready for a channel.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentClient fetches posts from the content agent.
type ContentClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewContentClient creates a ContentClient. A nil httpClient selects the
// extapi default.
func NewContentClient(baseURL, apiKey string, httpClient *http.Client) *ContentClient {
	if httpClient == nil {
		httpClient = extapi.NewHTTPClient()
	}
	return &ContentClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

// NextPost returns the next post for tenantID, or ErrNoContent.
func (c *ContentClient) NextPost(ctx context.Context, tenantID uuid.UUID) (*Post, error) {
	if c.baseURL == "" {
		return nil, errors.New("content agent not configured")
	}

	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}

	var p Post
	err := extapi.Do(ctx, c.http, extapi.Request{
		Service: "content",
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/v1/tenants/%s/next-post", c.baseURL, url.PathEscape(tenantID.String())),
		Header:  h,
		OK:      []int{http.StatusOK},
	}, &p)
	if err != nil {
		if se, ok := extapi.AsStatusError(err); ok && (se.StatusCode == http.StatusNoContent || se.StatusCode == http.StatusNotFound) {
			return nil, ErrNoContent
		}
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, ErrNoContent
	}
	return &p, nil
}
