package effects

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/queue"
)

// Poller manages long-poll update consumption per bot.
type Poller interface {
	Start(ctx context.Context, bot domain.Bot) error
	Stop(ctx context.Context, botID string) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text, dedupeKey string) error
}

type Runner struct {
	clients  channel.ClientFactory
	producer queue.Producer
	poller   Poller
	notifier Notifier
	logger   *zap.Logger
}

func NewRunner(
	clients channel.ClientFactory,
	producer queue.Producer,
	poller Poller,
	notifier Notifier,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		clients:  clients,
		producer: producer,
		poller:   poller,
		notifier: notifier,
		logger:   logger,
	}
}

// Run executes effects in order and stops at the first failure, so a
// plan's later effects never run against a half-applied earlier one.
func (r *Runner) Run(ctx context.Context, plan []Effect) error {
	for index, effect := range plan {
		if err := r.runOne(ctx, effect); err != nil {
			return fmt.Errorf("effect %d (%s): %w", index, effect.Describe(), err)
		}
		r.logger.Debug("effect applied", zap.String("effect", effect.Describe()))
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, effect Effect) error {
	switch e := effect.(type) {
	case EnsureWebhook:
		if e.Bot.WebhookURL == "" {
			return fmt.Errorf("bot %s has no webhook url", e.Bot.ID)
		}
		return r.clients(e.Bot.Token).SetWebhook(ctx, e.Bot.WebhookURL)
	case RemoveWebhook:
		return r.clients(e.Bot.Token).DeleteWebhook(ctx)
	case StartPolling:
		// Deployments without a polling manager skip polling effects
		// so webhook reconciliation still goes through.
		if r.poller == nil {
			r.logger.Warn("no poller configured, skipping", zap.String("bot_id", e.Bot.ID))
			return nil
		}
		return r.poller.Start(ctx, e.Bot)
	case StopPolling:
		if r.poller == nil {
			r.logger.Warn("no poller configured, skipping", zap.String("bot_id", e.Bot.ID))
			return nil
		}
		return r.poller.Stop(ctx, e.Bot.ID)
	case PublishJob:
		return r.producer.Enqueue(ctx, e.Message)
	case NotifyAdmin:
		if r.notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		return r.notifier.Notify(ctx, e.Text, e.DedupeKey)
	default:
		return fmt.Errorf("unknown effect variant %T", effect)
	}
}
