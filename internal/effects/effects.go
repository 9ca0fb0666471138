package effects

import (
	"github.com/botfleet/botfleet-back/internal/domain"
)

// Effect is one side effect planned by domain logic and executed later
// by the Runner. The interface is sealed: only variants in this
// package satisfy it, so the runner can treat an unknown variant as a
// programming error instead of guessing.
type Effect interface {
	isEffect()
	// Describe names the effect for logs.
	Describe() string
}

// EnsureWebhook registers the bot's webhook with the channel.
type EnsureWebhook struct {
	Bot domain.Bot
}

// RemoveWebhook deletes the bot's webhook registration.
type RemoveWebhook struct {
	Bot domain.Bot
}

// StartPolling begins long-poll update consumption for the bot.
type StartPolling struct {
	Bot domain.Bot
}

// StopPolling halts long-poll update consumption for the bot.
type StopPolling struct {
	Bot domain.Bot
}

// PublishJob enqueues a processing job.
type PublishJob struct {
	Message domain.QueueMessage
}

// NotifyAdmin sends an operator alert, deduplicated by key.
type NotifyAdmin struct {
	Text      string
	DedupeKey string
}

func (EnsureWebhook) isEffect() {}
func (RemoveWebhook) isEffect() {}
func (StartPolling) isEffect()  {}
func (StopPolling) isEffect()   {}
func (PublishJob) isEffect()    {}
func (NotifyAdmin) isEffect()   {}

func (e EnsureWebhook) Describe() string { return "ensure_webhook bot=" + e.Bot.ID }
func (e RemoveWebhook) Describe() string { return "remove_webhook bot=" + e.Bot.ID }
func (e StartPolling) Describe() string  { return "start_polling bot=" + e.Bot.ID }
func (e StopPolling) Describe() string   { return "stop_polling bot=" + e.Bot.ID }
func (e PublishJob) Describe() string    { return "publish_job kind=" + string(e.Message.Kind) }
func (e NotifyAdmin) Describe() string   { return "notify_admin key=" + e.DedupeKey }

// ForBotUpdate derives the delivery effects that reconcile a bot's
// channel wiring with its configured mode. A disabled bot tears both
// paths down.
func ForBotUpdate(bot domain.Bot) []Effect {
	if !bot.Enabled {
		return []Effect{RemoveWebhook{Bot: bot}, StopPolling{Bot: bot}}
	}
	switch bot.DeliveryMode {
	case domain.DeliveryWebhook:
		return []Effect{StopPolling{Bot: bot}, EnsureWebhook{Bot: bot}}
	case domain.DeliveryPolling:
		return []Effect{RemoveWebhook{Bot: bot}, StartPolling{Bot: bot}}
	default:
		return []Effect{RemoveWebhook{Bot: bot}, StopPolling{Bot: bot}}
	}
}
