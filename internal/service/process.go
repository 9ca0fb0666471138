package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/faults"
	"github.com/botfleet/botfleet-back/internal/repository"
)

// Processor drives one user message through the pipeline: load the
// aggregate, claim the processing record, generate or recover the
// reply, then complete. Reruns of already-finished work are no-ops.
type Processor struct {
	messages   repository.MessagesRepository
	threads    repository.ThreadsRepository
	bots       repository.BotsRepository
	processing repository.ProcessingRepository
	generator  *ResponseGenerator
	sender     *Sender
	logger     *zap.Logger
}

func NewProcessor(
	messages repository.MessagesRepository,
	threads repository.ThreadsRepository,
	bots repository.BotsRepository,
	processing repository.ProcessingRepository,
	generator *ResponseGenerator,
	sender *Sender,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		messages:   messages,
		threads:    threads,
		bots:       bots,
		processing: processing,
		generator:  generator,
		sender:     sender,
		logger:     logger,
	}
}

// Process handles one user message end to end. Errors come back
// classified: missing aggregates are terminal, everything else keeps
// its original class for the worker to interpret.
func (p *Processor) Process(ctx context.Context, userMessageID string) error {
	userMessage, err := p.messages.GetMessage(ctx, userMessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return faults.NewTerminal("user message not found", err)
		}
		return fmt.Errorf("load user message: %w", err)
	}

	thread, err := p.threads.GetThread(ctx, userMessage.ThreadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return faults.NewTerminal("thread not found", err)
		}
		return fmt.Errorf("load thread: %w", err)
	}

	// The message's own bot reference wins when present; inbound user
	// messages usually carry none and resolve through the thread.
	botID := userMessage.BotID
	if botID == "" {
		botID = thread.BotID
	}
	bot, err := p.bots.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return faults.NewTerminal("bot not found", err)
		}
		return fmt.Errorf("load bot: %w", err)
	}
	if !bot.Enabled {
		return faults.NewTerminal("bot disabled", nil)
	}

	state, err := p.processing.GetOrCreate(ctx, userMessageID)
	if err != nil {
		return fmt.Errorf("claim processing record: %w", err)
	}
	if state.Status == domain.ProcessingCompleted {
		p.logger.Info("message already completed, skipping",
			zap.String("user_message_id", userMessageID))
		return nil
	}
	if state.Status == domain.ProcessingTerminal {
		p.logger.Info("message already terminal, skipping",
			zap.String("user_message_id", userMessageID),
			zap.String("reason", state.TerminalReason))
		return nil
	}

	if err := p.processing.MarkProcessing(ctx, userMessageID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	switch {
	case state.ResponseMessageID == "":
		// Nothing generated yet: full generate-and-deliver pass.
		if err := p.generator.Generate(ctx, bot, thread, userMessage); err != nil {
			return err
		}
	case state.ResponseSentAt == nil:
		// Generated on an earlier attempt but never delivered: send
		// the stored reply without calling the provider again.
		response, err := p.messages.GetMessage(ctx, state.ResponseMessageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return faults.NewTerminal("stored response message not found", err)
			}
			return fmt.Errorf("load stored response: %w", err)
		}
		if err := p.sender.Deliver(ctx, bot, thread, userMessage, response); err != nil {
			return err
		}
	default:
		// Generated and sent; only the completion stamp is missing.
		p.logger.Info("response already sent, completing",
			zap.String("user_message_id", userMessageID))
	}

	if err := p.processing.MarkCompleted(ctx, userMessageID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}
