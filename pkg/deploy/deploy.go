// Package deploy provisions per-tenant worker services on the hosting
// provider.
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/extapi"
)

const service = "deploy"

// Config holds the provider endpoint and account settings.
type Config struct {
	BaseURL  string
	APIKey   string
	OwnerID  string
	ImageURL string
}

// ServiceRequest describes a worker service for one tenant.
type ServiceRequest struct {
	TenantID    uuid.UUID
	Name        string
	WorkerToken string
	Env         map[string]string
}

// Service is a created service.
type Service struct {
	ID string
}

type envVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type createServiceBody struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	OwnerID string   `json:"ownerId"`
	Image   image    `json:"image"`
	EnvVars []envVar `json:"envVars"`
}

type image struct {
	OwnerID   string `json:"ownerId"`
	ImagePath string `json:"imagePath"`
}

type createServiceResponse struct {
	Service struct {
		ID string `json:"id"`
	} `json:"service"`
}

// Client talks to the deployment provider.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = extapi.NewHTTPClient()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient}
}

// CreateService starts a background worker running the tenant image.
func (c *Client) CreateService(ctx context.Context, req ServiceRequest) (*Service, error) {
	env := map[string]string{
		"APP_MODE":     "worker",
		"TENANT_ID":    req.TenantID.String(),
		"WORKER_TOKEN": req.WorkerToken,
	}
	for k, v := range req.Env {
		env[k] = v
	}

	var resp createServiceResponse
	err := extapi.Do(ctx, c.http, extapi.Request{
		Service: service,
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL + "/v1/services",
		Header:  c.auth(),
		Body: createServiceBody{
			Type:    "background_worker",
			Name:    req.Name,
			OwnerID: c.cfg.OwnerID,
			Image:   image{OwnerID: c.cfg.OwnerID, ImagePath: c.cfg.ImageURL},
			EnvVars: envVars(env),
		},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}
	if resp.Service.ID == "" {
		return nil, fmt.Errorf("creating service: response has no service id")
	}
	return &Service{ID: resp.Service.ID}, nil
}

// UpdateEnv replaces the service's environment variables with env.
func (c *Client) UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error {
	err := extapi.Do(ctx, c.http, extapi.Request{
		Service: service,
		Method:  http.MethodPut,
		URL:     c.cfg.BaseURL + "/v1/services/" + url.PathEscape(serviceID) + "/env-vars",
		Header:  c.auth(),
		Body:    envVars(env),
	}, nil)
	if err != nil {
		return fmt.Errorf("updating service env: %w", err)
	}
	return nil
}

func (c *Client) auth() http.Header {
	return http.Header{"Authorization": []string{"Bearer " + c.cfg.APIKey}}
}

// envVars flattens env into a key-sorted list.
func envVars(env map[string]string) []envVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]envVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, envVar{Key: k, Value: env[k]})
	}
	return out
}
