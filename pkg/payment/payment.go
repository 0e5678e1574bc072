// Package payment creates recurring billing plans with the payment
// processor. Requests authenticate with OAuth2 client credentials.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wisbric/groupowl/internal/extapi"
)

const service = "payment"

// Config holds the processor endpoint and credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	Currency     string
}

// PlanRequest describes the plan to create for a tenant.
type PlanRequest struct {
	TenantID   uuid.UUID
	Name       string
	PriceCents int
}

// Plan is a created billing plan.
type Plan struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

type createPlanBody struct {
	Name        string `json:"name"`
	ReferenceID string `json:"reference_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	Interval    string `json:"interval"`
	ReturnURL   string `json:"return_url,omitempty"`
}

// Client talks to the payment processor.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. The token source fetches and caches access tokens
// from <BaseURL>/v1/oauth2/token using base as the underlying transport.
func New(cfg Config, base *http.Client) *Client {
	if base == nil {
		base = extapi.NewHTTPClient()
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(ctx)
	httpClient.Timeout = base.Timeout

	return &Client{cfg: cfg, http: httpClient}
}

// CreatePlan creates a monthly billing plan for the tenant.
func (c *Client) CreatePlan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if req.PriceCents <= 0 {
		return nil, fmt.Errorf("price must be positive, got %d", req.PriceCents)
	}

	var plan Plan
	err := extapi.Do(ctx, c.http, extapi.Request{
		Service: service,
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL + "/v1/billing/plans",
		Header:  http.Header{"Idempotency-Key": []string{"plan-" + req.TenantID.String()}},
		Body: createPlanBody{
			Name:        req.Name,
			ReferenceID: req.TenantID.String(),
			AmountCents: req.PriceCents,
			Currency:    c.cfg.Currency,
			Interval:    "month",
			ReturnURL:   c.cfg.ReturnURL,
		},
	}, &plan)
	if err != nil {
		return nil, fmt.Errorf("creating billing plan: %w", err)
	}
	if plan.ID == "" {
		return nil, fmt.Errorf("creating billing plan: response has no plan id")
	}
	return &plan, nil
}
