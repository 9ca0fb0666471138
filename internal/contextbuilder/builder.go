package contextbuilder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/botfleet/botfleet-back/internal/ai"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/repository"
)

const (
	// maxContextTokensSetting is the settings key for the transcript
	// token budget. Absent or malformed values fall back to the
	// default below.
	maxContextTokensSetting = "MAX_CONTEXT_TOKENS"
	defaultMaxContextTokens = 5000
)

type BuildInput struct {
	ThreadID string
	Model    string
	// ExcludeMessageID drops the message currently being answered, so
	// it is not duplicated between transcript and request input.
	ExcludeMessageID string
}

type BuildOutput struct {
	Messages   []ai.ContextMessage
	TokenCount int
	Truncated  bool
}

type Builder struct {
	messages repository.MessagesRepository
	settings repository.SettingsRepository

	encMu    sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

func NewBuilder(messages repository.MessagesRepository, settings repository.SettingsRepository) *Builder {
	return &Builder{
		messages: messages,
		settings: settings,
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// Build assembles the conversation transcript for one thread, newest
// messages kept first under the token budget, returned in
// chronological order.
func (b *Builder) Build(ctx context.Context, input BuildInput) (BuildOutput, error) {
	if b.messages == nil {
		return BuildOutput{}, fmt.Errorf("messages repository is required")
	}
	if strings.TrimSpace(input.ThreadID) == "" {
		return BuildOutput{}, fmt.Errorf("thread id is required")
	}

	budget := b.tokenBudget(ctx)
	counter := b.counterFor(input.Model)

	history, err := b.messages.ListThreadMessages(ctx, input.ThreadID)
	if err != nil {
		return BuildOutput{}, fmt.Errorf("list thread messages: %w", err)
	}

	eligible := make([]domain.Message, 0, len(history))
	for _, message := range history {
		if !includeInContext(message, input.ExcludeMessageID) {
			continue
		}
		eligible = append(eligible, message)
	}

	// Walk backwards from the newest message and stop at the first one
	// that would exceed the budget. Older messages past that point are
	// dropped even if some would individually still fit.
	selected := make([]ai.ContextMessage, 0, len(eligible))
	totalTokens := 0
	truncated := false
	for i := len(eligible) - 1; i >= 0; i-- {
		message := eligible[i]
		tokens := counter(message.Text)
		if tokens <= 0 {
			continue
		}
		if totalTokens+tokens > budget {
			truncated = true
			break
		}
		selected = append(selected, ai.ContextMessage{
			Role:    roleFor(message),
			Content: message.Text,
		})
		totalTokens += tokens
	}

	// Selection happened newest-first; flip back to chronological.
	for left, right := 0, len(selected)-1; left < right; left, right = left+1, right-1 {
		selected[left], selected[right] = selected[right], selected[left]
	}

	return BuildOutput{
		Messages:   selected,
		TokenCount: totalTokens,
		Truncated:  truncated,
	}, nil
}

func (b *Builder) tokenBudget(ctx context.Context) int {
	if b.settings == nil {
		return defaultMaxContextTokens
	}
	value, err := b.settings.GetSetting(ctx, maxContextTokensSetting)
	if err != nil {
		return defaultMaxContextTokens
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return defaultMaxContextTokens
	}
	return parsed
}

// counterFor returns a token counting function for the model. Prefers
// the model's own encoding, then the generic cl100k_base table, then a
// rune-length estimate when no encoder is available at all.
func (b *Builder) counterFor(model string) func(string) int {
	encoder := b.encoderFor(model)
	if encoder == nil {
		return estimateTokens
	}
	return func(text string) int {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return 0
		}
		return len(encoder.Encode(trimmed, nil, nil))
	}
}

func (b *Builder) encoderFor(model string) *tiktoken.Tiktoken {
	key := strings.ToLower(strings.TrimSpace(model))

	b.encMu.Lock()
	defer b.encMu.Unlock()

	if encoder, ok := b.encoders[key]; ok {
		return encoder
	}

	encoder, err := tiktoken.EncodingForModel(key)
	if err != nil {
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encoder = nil
		}
	}
	b.encoders[key] = encoder
	return encoder
}

// includeInContext keeps only clearly attributable conversation turns:
// user messages and assistant replies. Admin-originated messages and
// records whose shape is ambiguous stay out of the transcript.
func includeInContext(message domain.Message, excludeID string) bool {
	if excludeID != "" && message.ID == excludeID {
		return false
	}
	if strings.TrimSpace(message.Text) == "" {
		return false
	}
	if message.AdminID != "" {
		return false
	}
	return message.IsUser() || message.IsAssistant()
}

func roleFor(message domain.Message) string {
	if message.IsAssistant() {
		return "assistant"
	}
	return "user"
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	count := (runes + 3) / 4
	if count < 1 {
		count = 1
	}
	return count
}
