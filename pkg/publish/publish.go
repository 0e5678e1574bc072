// Package publish implements the jobs the scheduler fires: distribution
// fetches and stages the next post, posting sends it to the tenant's
// channel.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/tenant"
)

var tracer = otel.Tracer("github.com/wisbric/groupowl/pkg/publish")

// Source yields posts. *ContentClient satisfies it.
type Source interface {
	NextPost(ctx context.Context, tenantID uuid.UUID) (*Post, error)
}

// Staging holds distributed posts. *RedisStaging satisfies it.
type Staging interface {
	Stage(ctx context.Context, tenantID uuid.UUID, p *Post) error
	Take(ctx context.Context, tenantID uuid.UUID) (*Post, error)
}

// Sender delivers text through a bot. *telegram.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
}

// TenantReader loads tenants. *tenant.Store satisfies it.
type TenantReader interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

// WorkerReader loads service workers. *bot.Store satisfies it.
type WorkerReader interface {
	Get(ctx context.Context, id uuid.UUID) (*bot.Worker, error)
}

// Publisher runs the publishing jobs.
type Publisher struct {
	source  Source
	staging Staging
	sender  Sender
	tenants TenantReader
	workers WorkerReader
	logger  *slog.Logger
}

// New creates a Publisher.
func New(source Source, staging Staging, sender Sender, tenants TenantReader, workers WorkerReader, logger *slog.Logger) *Publisher {
	return &Publisher{
		source:  source,
		staging: staging,
		sender:  sender,
		tenants: tenants,
		workers: workers,
		logger:  logger,
	}
}

// Distribute fetches the next post and stages it for the posting job.
// Having nothing to publish is not an error.
func (p *Publisher) Distribute(ctx context.Context, tenantID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "publish.distribute")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	post, err := p.source.NextPost(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNoContent) {
			p.logger.Info("nothing to distribute", "tenant_id", tenantID)
			return nil
		}
		return fmt.Errorf("fetching next post: %w", err)
	}
	if err := p.staging.Stage(ctx, tenantID, post); err != nil {
		return err
	}
	p.logger.Info("post staged", "tenant_id", tenantID, "post_id", post.ID)
	return nil
}

// Post sends the staged post, or a freshly fetched one when nothing is
// staged, to the tenant's channel.
func (p *Publisher) Post(ctx context.Context, tenantID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "publish.post")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	t, err := p.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	if t.ChannelID == "" {
		return fmt.Errorf("tenant %s has no channel", tenantID)
	}
	if t.WorkerID == nil {
		return fmt.Errorf("tenant %s has no service worker", tenantID)
	}
	w, err := p.workers.Get(ctx, *t.WorkerID)
	if err != nil {
		return fmt.Errorf("loading service worker: %w", err)
	}

	post, err := p.staging.Take(ctx, tenantID)
	if err != nil {
		p.logger.Warn("reading staged post, fetching directly", "tenant_id", tenantID, "error", err)
	}
	if post == nil {
		post, err = p.source.NextPost(ctx, tenantID)
		if err != nil {
			if errors.Is(err, ErrNoContent) {
				p.logger.Info("nothing to post", "tenant_id", tenantID)
				return nil
			}
			return fmt.Errorf("fetching post: %w", err)
		}
	}

	if err := p.sender.SendMessage(ctx, w.Token, t.ChannelID, post.Text); err != nil {
		// Put it back so the next run can retry the same post.
		if serr := p.staging.Stage(context.WithoutCancel(ctx), tenantID, post); serr != nil {
			p.logger.Warn("restaging post", "tenant_id", tenantID, "error", serr)
		}
		return fmt.Errorf("sending post: %w", err)
	}
	p.logger.Info("post published", "tenant_id", tenantID, "post_id", post.ID, "channel_id", t.ChannelID)
	return nil
}
