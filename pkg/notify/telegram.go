package notify

import (
	"context"
)

// MessageSender is the Bot API surface the Telegram provider needs.
// *telegram.Client satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, token, chatID, text string) error
}

// Telegram posts alerts to an operator chat through the operator bot.
type Telegram struct {
	sender MessageSender
	token  string
	chatID string
}

// NewTelegram creates a Telegram provider. It is disabled unless both the
// operator bot token and chat are set.
func NewTelegram(sender MessageSender, token, chatID string) *Telegram {
	return &Telegram{sender: sender, token: token, chatID: chatID}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Enabled() bool {
	return t.sender != nil && t.token != "" && t.chatID != ""
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	if !t.Enabled() {
		return nil
	}
	text := alert.summary()
	if alert.Text != "" {
		text += "\n\n" + alert.Text
	}
	return t.sender.SendMessage(ctx, t.token, t.chatID, text)
}
