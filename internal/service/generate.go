package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/ai"
	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/contextbuilder"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/observability"
	"github.com/botfleet/botfleet-back/internal/repository"
)

const (
	defaultDebounceInterval = time.Second
	// minFirstSendLength keeps the first delivered chunk from being a
	// near-empty message; shorter accumulations wait for more text.
	minFirstSendLength = 20
	typingInterval     = 5 * time.Second
)

type ResponseGeneratorConfig struct {
	DebounceInterval time.Duration
}

// ResponseGenerator turns an inbound user message into a delivered bot
// reply, streaming partial text into the chat as the model produces it.
type ResponseGenerator struct {
	generator  ai.Generator
	clients    channel.ClientFactory
	messages   repository.MessagesRepository
	threads    repository.ThreadsRepository
	processing repository.ProcessingRepository
	contexts   *contextbuilder.Builder
	debounce   time.Duration
	logger     *zap.Logger
}

func NewResponseGenerator(
	generator ai.Generator,
	clients channel.ClientFactory,
	messages repository.MessagesRepository,
	threads repository.ThreadsRepository,
	processing repository.ProcessingRepository,
	contexts *contextbuilder.Builder,
	config ResponseGeneratorConfig,
	logger *zap.Logger,
) *ResponseGenerator {
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaultDebounceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseGenerator{
		generator:  generator,
		clients:    clients,
		messages:   messages,
		threads:    threads,
		processing: processing,
		contexts:   contexts,
		debounce:   config.DebounceInterval,
		logger:     logger,
	}
}

// Generate produces and delivers the reply for one user message. Bare
// slash commands answer from the bot's configured texts without a
// provider call; everything else streams from the model. On success
// the processing record carries the response id, cost and sent marker.
func (g *ResponseGenerator) Generate(
	ctx context.Context,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
) error {
	if command := userMessage.Command(); command != "" {
		if text, handled := g.commandReply(bot, command); handled {
			return g.deliverStatic(ctx, bot, thread, userMessage, text)
		}
	}

	started := time.Now()
	err := g.stream(ctx, bot, thread, userMessage)
	observability.GenerationLatency.Observe(time.Since(started).Seconds())
	return err
}

func (g *ResponseGenerator) commandReply(bot *domain.Bot, command string) (string, bool) {
	switch command {
	case "/start":
		if strings.TrimSpace(bot.StartMessage) != "" {
			return bot.StartMessage, true
		}
	case "/help":
		if strings.TrimSpace(bot.HelpMessage) != "" {
			return bot.HelpMessage, true
		}
	}
	return "", false
}

// deliverStatic sends a fixed reply and records the full generated and
// sent lifecycle with zero cost.
func (g *ResponseGenerator) deliverStatic(
	ctx context.Context,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
	text string,
) error {
	client := g.clients(bot.Token)
	sentID, err := client.SendMessage(ctx, thread.ChatID, text, userMessage.ChannelMessageID)
	if err != nil {
		return fmt.Errorf("send command reply: %w", err)
	}

	response := &domain.Message{
		ID:               uuid.NewString(),
		ThreadID:         thread.ID,
		BotID:            bot.ID,
		ChannelMessageID: sentID,
		Text:             channel.Truncate(text),
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.messages.CreateMessage(ctx, response); err != nil {
		return fmt.Errorf("store command reply: %w", err)
	}
	if err := g.processing.MarkResponseGenerated(ctx, userMessage.ID, response.ID, 0, nil); err != nil {
		return fmt.Errorf("record generated response: %w", err)
	}
	if err := g.processing.MarkResponseSent(ctx, userMessage.ID, sentID); err != nil {
		return fmt.Errorf("record sent response: %w", err)
	}
	return nil
}

// streamState tracks one in-flight streamed reply. The mutex guards
// the accumulated text; updateMu serializes channel calls so a slow
// edit never races a newer flush. done marks the stream settled: a
// debounce timer that already fired blocks on updateMu, and once it
// gets through it must not touch the chat again.
type streamState struct {
	mu            sync.Mutex
	text          string
	lastDelivered string

	updateMu sync.Mutex
	outgoing int64
	response *domain.Message
	timer    *time.Timer
	done     bool

	typingStop chan struct{}
	typingDone sync.Once
}

func (s *streamState) snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *streamState) append(delta string) {
	s.mu.Lock()
	s.text += delta
	s.mu.Unlock()
}

func (s *streamState) stopTyping() {
	s.typingDone.Do(func() { close(s.typingStop) })
}

// settle waits out any in-flight flush and blocks future ones.
func (s *streamState) settle() {
	s.updateMu.Lock()
	s.done = true
	s.updateMu.Unlock()
}

func (g *ResponseGenerator) stream(
	ctx context.Context,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
) error {
	transcript, err := g.contexts.Build(ctx, contextbuilder.BuildInput{
		ThreadID:         thread.ID,
		Model:            bot.Model,
		ExcludeMessageID: userMessage.ID,
	})
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	client := g.clients(bot.Token)
	state := &streamState{typingStop: make(chan struct{})}
	defer state.stopTyping()

	g.startTyping(ctx, client, thread.ChatID, state)

	flush := func() {
		g.flushPartial(ctx, client, bot, thread, userMessage, state)
	}
	state.timer = time.AfterFunc(g.debounce, flush)
	defer state.timer.Stop()

	result, err := g.generator.StreamAnswer(ctx, ai.Request{
		Model:             bot.Model,
		Prompt:            bot.Prompt,
		MessageText:       userMessage.Text,
		Context:           transcript.Messages,
		User:              userMessage.UserID,
		ContinuationToken: thread.ContinuationToken,
	}, func(delta string) {
		state.append(delta)
		state.timer.Reset(g.debounce)
	})
	state.timer.Stop()
	state.stopTyping()
	if err != nil {
		state.settle()
		g.logger.Error("response stream failed",
			zap.String("bot_id", bot.ID),
			zap.String("user_message_id", userMessage.ID),
			zap.Error(err))
		return err
	}

	return g.finalize(ctx, client, bot, thread, userMessage, state, result)
}

// startTyping shows the typing indicator until the first real content
// reaches the chat.
func (g *ResponseGenerator) startTyping(ctx context.Context, client channel.Client, chatID int64, state *streamState) {
	go func() {
		if err := client.SendTypingIndicator(ctx, chatID); err != nil {
			g.logger.Debug("typing indicator failed", zap.Error(err))
		}
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-state.typingStop:
				return
			case <-ticker.C:
				if err := client.SendTypingIndicator(ctx, chatID); err != nil {
					g.logger.Debug("typing indicator failed", zap.Error(err))
				}
			}
		}
	}()
}

// flushPartial delivers and persists the accumulated text: the first
// flush sends a new message once enough text exists and stores it as
// the reply in progress, later flushes edit it in place and save the
// grown text. Partial delivery failures are logged and tolerated; the
// final text goes out through finalize regardless.
func (g *ResponseGenerator) flushPartial(
	ctx context.Context,
	client channel.Client,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
	state *streamState,
) {
	state.updateMu.Lock()
	defer state.updateMu.Unlock()

	if state.done {
		return
	}

	text := state.snapshot()
	if text == "" || text == state.lastDelivered {
		return
	}

	if state.outgoing == 0 {
		if len([]rune(text)) < minFirstSendLength {
			return
		}
		sentID, err := client.SendMessage(ctx, thread.ChatID, text, userMessage.ChannelMessageID)
		if err != nil {
			g.logger.Warn("partial send failed",
				zap.String("bot_id", bot.ID),
				zap.String("user_message_id", userMessage.ID),
				zap.Error(err))
			return
		}
		state.outgoing = sentID
		state.lastDelivered = text
		state.stopTyping()
		observability.PartialUpdates.Inc()
		g.persistFirstPartial(ctx, bot, thread, userMessage, state, text)
		return
	}

	if err := client.EditMessageText(ctx, thread.ChatID, state.outgoing, text); err != nil {
		g.logger.Warn("partial edit failed",
			zap.String("bot_id", bot.ID),
			zap.Int64("channel_message_id", state.outgoing),
			zap.Error(err))
		return
	}
	state.lastDelivered = text
	observability.PartialUpdates.Inc()
	g.savePartialText(ctx, state, text)
}

// persistFirstPartial stores the just-sent partial as the reply row
// and stamps the processing record, so a crash mid-stream leaves a
// resumable reply instead of an orphaned chat message. Storage
// failures are logged; finalize persists again anyway.
func (g *ResponseGenerator) persistFirstPartial(
	ctx context.Context,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
	state *streamState,
	text string,
) {
	response := &domain.Message{
		ID:               uuid.NewString(),
		ThreadID:         thread.ID,
		BotID:            bot.ID,
		ChannelMessageID: state.outgoing,
		Text:             text,
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.messages.CreateMessage(ctx, response); err != nil {
		g.logger.Warn("partial response store failed",
			zap.String("user_message_id", userMessage.ID),
			zap.Error(err))
		return
	}
	if err := g.processing.MarkResponseGenerated(ctx, userMessage.ID, response.ID, 0, nil); err != nil {
		g.logger.Warn("partial response marker failed",
			zap.String("user_message_id", userMessage.ID),
			zap.Error(err))
		return
	}
	state.response = response
}

func (g *ResponseGenerator) savePartialText(ctx context.Context, state *streamState, text string) {
	if state.response == nil {
		return
	}
	state.response.UpdateText(text)
	if err := g.messages.SaveMessage(ctx, state.response); err != nil {
		g.logger.Warn("partial response save failed",
			zap.String("response_message_id", state.response.ID),
			zap.Error(err))
	}
}

// finalize forces the complete text into the chat, persists the reply
// and stamps the processing record. Unlike partial flushes, failures
// here propagate: the message must not be marked sent when it was not.
func (g *ResponseGenerator) finalize(
	ctx context.Context,
	client channel.Client,
	bot *domain.Bot,
	thread *domain.Thread,
	userMessage *domain.Message,
	state *streamState,
	result ai.Result,
) error {
	state.updateMu.Lock()
	defer state.updateMu.Unlock()
	state.done = true

	finalText := channel.Truncate(result.Text)

	if state.outgoing == 0 {
		sentID, err := client.SendMessage(ctx, thread.ChatID, finalText, userMessage.ChannelMessageID)
		if err != nil {
			return fmt.Errorf("send final response: %w", err)
		}
		state.outgoing = sentID
	} else if finalText != channel.Truncate(state.lastDelivered) {
		if err := client.EditMessageText(ctx, thread.ChatID, state.outgoing, finalText); err != nil {
			return fmt.Errorf("edit final response: %w", err)
		}
	}
	state.lastDelivered = finalText

	response := state.response
	if response != nil {
		response.UpdateText(finalText)
		response.ChannelMessageID = state.outgoing
		if err := g.messages.SaveMessage(ctx, response); err != nil {
			return fmt.Errorf("save response message: %w", err)
		}
	} else {
		response = &domain.Message{
			ID:               uuid.NewString(),
			ThreadID:         thread.ID,
			BotID:            bot.ID,
			ChannelMessageID: state.outgoing,
			Text:             finalText,
			CreatedAt:        time.Now().UTC(),
		}
		if err := g.messages.CreateMessage(ctx, response); err != nil {
			return fmt.Errorf("store response message: %w", err)
		}
	}

	if err := g.processing.MarkResponseGenerated(ctx, userMessage.ID, response.ID, result.Price, result.Raw); err != nil {
		return fmt.Errorf("record generated response: %w", err)
	}
	if result.ContinuationID != "" {
		if err := g.threads.SaveContinuationToken(ctx, thread.ID, result.ContinuationID); err != nil {
			return fmt.Errorf("save continuation token: %w", err)
		}
	}
	if err := g.processing.MarkResponseSent(ctx, userMessage.ID, state.outgoing); err != nil {
		return fmt.Errorf("record sent response: %w", err)
	}

	g.logger.Info("response delivered",
		zap.String("bot_id", bot.ID),
		zap.String("user_message_id", userMessage.ID),
		zap.String("response_message_id", response.ID),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Float64("price", result.Price))
	return nil
}
