package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/repository"
)

// Sender delivers an already-generated reply to the chat. Used on the
// recovery path when generation succeeded earlier but the send never
// landed.
type Sender struct {
	clients    channel.ClientFactory
	messages   repository.MessagesRepository
	processing repository.ProcessingRepository
	logger     *zap.Logger
}

func NewSender(
	clients channel.ClientFactory,
	messages repository.MessagesRepository,
	processing repository.ProcessingRepository,
	logger *zap.Logger,
) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		clients:    clients,
		messages:   messages,
		processing: processing,
		logger:     logger,
	}
}

// Deliver puts the stored response into the chat and stamps the
// processing record. A response that already carries a channel message
// id was on-screen before the earlier attempt died, so it is edited in
// place instead of sent again. Failures propagate so the job retries.
func (s *Sender) Deliver(
	ctx context.Context,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
	response *domain.Message,
) error {
	client := s.clients(bot.Token)

	sentID := response.ChannelMessageID
	if sentID != 0 {
		if err := client.EditMessageText(ctx, thread.ChatID, sentID, channel.Truncate(response.Text)); err != nil {
			return fmt.Errorf("redeliver response: %w", err)
		}
	} else {
		var err error
		sentID, err = client.SendMessage(ctx, thread.ChatID, channel.Truncate(response.Text), userMessage.ChannelMessageID)
		if err != nil {
			return fmt.Errorf("deliver response: %w", err)
		}
		response.ChannelMessageID = sentID
		if err := s.messages.SaveMessage(ctx, response); err != nil {
			return fmt.Errorf("save delivered response: %w", err)
		}
	}

	if err := s.processing.MarkResponseSent(ctx, userMessage.ID, sentID); err != nil {
		return fmt.Errorf("record sent response: %w", err)
	}

	s.logger.Info("stored response delivered",
		zap.String("bot_id", bot.ID),
		zap.String("user_message_id", userMessage.ID),
		zap.Int64("channel_message_id", sentID))
	return nil
}

// Edit updates an already-delivered message in place. Edit failures
// are logged and swallowed: the chat keeps the previous text.
func (s *Sender) Edit(ctx context.Context, bot *domain.Bot, chatID, channelMessageID int64, text string) {
	client := s.clients(bot.Token)
	if err := client.EditMessageText(ctx, chatID, channelMessageID, channel.Truncate(text)); err != nil {
		s.logger.Warn("edit failed",
			zap.String("bot_id", bot.ID),
			zap.Int64("channel_message_id", channelMessageID),
			zap.Error(err))
	}
}
