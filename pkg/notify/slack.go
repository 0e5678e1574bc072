package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"
)

// Slack posts alerts to a Slack channel.
type Slack struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack provider. If botToken is empty the provider is
// disabled.
func NewSlack(botToken, channel string, logger *slog.Logger, opts ...goslack.Option) *Slack {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken, opts...)
	}
	return &Slack{client: client, channel: channel, logger: logger}
}

func (s *Slack) Name() string { return "slack" }

// Enabled returns true if the provider has a client and a channel.
func (s *Slack) Enabled() bool {
	return s.client != nil && s.channel != ""
}

// Send posts the alert as a header plus a markdown section.
func (s *Slack) Send(ctx context.Context, alert Alert) error {
	if !s.Enabled() {
		return nil
	}

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(alertBlocks(alert)...),
		goslack.MsgOptionText(alert.summary(), false),
	}
	channelID, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}

	s.logger.Info("posted alert to slack", "title", alert.Title, "channel", channelID, "ts", ts)
	return nil
}

func alertBlocks(alert Alert) []goslack.Block {
	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, alert.summary(), true, false)),
	}
	if alert.Text != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, alert.Text, false, false), nil, nil))
	}
	if alert.TenantID != uuid.Nil {
		fields := []*goslack.TextBlockObject{
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Tenant*\n"+alert.TenantID.String(), false, false),
		}
		if alert.Step != "" {
			fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, "*Step*\n"+alert.Step, false, false))
		}
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}
	return blocks
}
