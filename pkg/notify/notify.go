// Package notify delivers operator alerts through every configured chat
// provider.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
)

// Severity of an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notification.
type Alert struct {
	Severity Severity
	Title    string
	Text     string
	TenantID uuid.UUID
	Step     string
}

// Provider is a chat platform able to deliver alerts.
type Provider interface {
	// Name returns the provider identifier ("slack", "telegram").
	Name() string
	// Enabled reports whether the provider is configured.
	Enabled() bool
	// Send delivers the alert.
	Send(ctx context.Context, alert Alert) error
}

// Registry holds the alert providers and fans alerts out to them.
type Registry struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{providers: make(map[string]Provider), logger: logger}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("notify provider %q not registered", name)
	}
	return p, nil
}

// Enabled returns the configured providers ordered by name.
func (r *Registry) Enabled() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Notify sends alert to every enabled provider. A failing provider does
// not stop delivery to the others; all failures are joined.
func (r *Registry) Notify(ctx context.Context, alert Alert) error {
	providers := r.Enabled()
	if len(providers) == 0 {
		r.logger.Warn("no alert provider configured, alert only logged",
			"title", alert.Title, "tenant_id", alert.TenantID, "step", alert.Step)
		return nil
	}

	var errs []error
	for _, p := range providers {
		if err := p.Send(ctx, alert); err != nil {
			r.logger.Error("sending operator alert", "provider", p.Name(), "title", alert.Title, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (a Alert) summary() string {
	s := fmt.Sprintf("%s %s", severityEmoji(a.Severity), a.Title)
	if a.TenantID != uuid.Nil {
		s += fmt.Sprintf(" (tenant %s", a.TenantID)
		if a.Step != "" {
			s += ", step " + a.Step
		}
		s += ")"
	}
	return s
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	default:
		return "🔵"
	}
}
