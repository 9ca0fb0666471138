package domain

import "time"

type DeliveryMode string

const (
	DeliveryWebhook DeliveryMode = "webhook"
	DeliveryPolling DeliveryMode = "polling"
)

// Bot is one managed chat bot of the fleet.
type Bot struct {
	ID       string
	Username string
	Token    string

	Model  string
	Prompt string

	StartMessage string
	HelpMessage  string
	ErrorMessage string

	DeliveryMode DeliveryMode
	WebhookURL   string
	Enabled      bool

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Thread is one conversation between a channel user and a bot. The
// continuation token is the provider-side identifier of the last
// completed response, letting the next generation call resume context
// without re-sending the full history.
type Thread struct {
	ID    string
	BotID string

	ChatID int64

	ContinuationToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}
