package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/botfleet/botfleet-back/internal/domain"
)

// MemoryProcessingRepository keeps processing states in memory. It is
// the local-development fallback and the test double; the transition
// guards mirror the postgres implementation.
type MemoryProcessingRepository struct {
	mu     sync.RWMutex
	states map[string]*domain.ProcessingState
}

func NewMemoryProcessingRepository() *MemoryProcessingRepository {
	return &MemoryProcessingRepository{states: make(map[string]*domain.ProcessingState)}
}

func (r *MemoryProcessingRepository) GetOrCreate(_ context.Context, userMessageID string) (*domain.ProcessingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[userMessageID]; ok {
		return cloneState(state), nil
	}
	now := time.Now().UTC()
	state := &domain.ProcessingState{
		UserMessageID: userMessageID,
		Status:        domain.ProcessingReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.states[userMessageID] = state
	return cloneState(state), nil
}

func (r *MemoryProcessingRepository) Get(_ context.Context, userMessageID string) (*domain.ProcessingState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[userMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(state), nil
}

func (r *MemoryProcessingRepository) MarkProcessing(_ context.Context, userMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[userMessageID]
	if !ok || state.Final() {
		return nil
	}
	state.Status = domain.ProcessingInProgress
	state.Attempts++
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryProcessingRepository) MarkFailed(_ context.Context, userMessageID, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	state, ok := r.states[userMessageID]
	if !ok {
		r.states[userMessageID] = &domain.ProcessingState{
			UserMessageID: userMessageID,
			Status:        domain.ProcessingFailed,
			Attempts:      1,
			LastError:     cause,
			LastErrorAt:   &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	}
	if state.Final() {
		return nil
	}
	state.Status = domain.ProcessingFailed
	state.Attempts++
	state.LastError = cause
	state.LastErrorAt = &now
	state.UpdatedAt = now
	return nil
}

func (r *MemoryProcessingRepository) MarkTerminal(_ context.Context, userMessageID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	state, ok := r.states[userMessageID]
	if !ok {
		r.states[userMessageID] = &domain.ProcessingState{
			UserMessageID:  userMessageID,
			Status:         domain.ProcessingTerminal,
			TerminalReason: reason,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return nil
	}
	if state.Status == domain.ProcessingCompleted {
		return nil
	}
	state.Status = domain.ProcessingTerminal
	state.TerminalReason = reason
	state.UpdatedAt = now
	return nil
}

func (r *MemoryProcessingRepository) MarkResponseGenerated(
	_ context.Context,
	userMessageID, responseMessageID string,
	price float64,
	raw json.RawMessage,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[userMessageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	state.ResponseMessageID = responseMessageID
	state.ResponseGeneratedAt = &now
	state.Price = price
	state.RawResponse = append([]byte(nil), raw...)
	state.UpdatedAt = now
	return nil
}

func (r *MemoryProcessingRepository) MarkResponseSent(_ context.Context, userMessageID string, outgoingChannelMessageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[userMessageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	state.ResponseSentAt = &now
	if outgoingChannelMessageID > 0 {
		state.OutgoingChannelMessageID = outgoingChannelMessageID
	}
	state.UpdatedAt = now
	return nil
}

func (r *MemoryProcessingRepository) MarkCompleted(_ context.Context, userMessageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[userMessageID]
	if !ok {
		return ErrNotFound
	}
	if state.Status == domain.ProcessingTerminal {
		return nil
	}
	state.Status = domain.ProcessingCompleted
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryProcessingRepository) UpdateChannelIDs(
	_ context.Context,
	userMessageID string,
	incomingChannelMessageID, outgoingChannelMessageID, channelUpdateID int64,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	state, ok := r.states[userMessageID]
	if !ok {
		state = &domain.ProcessingState{
			UserMessageID: userMessageID,
			Status:        domain.ProcessingReceived,
			CreatedAt:     now,
		}
		r.states[userMessageID] = state
	}
	if incomingChannelMessageID > 0 {
		state.IncomingChannelMessageID = incomingChannelMessageID
	}
	if outgoingChannelMessageID > 0 {
		state.OutgoingChannelMessageID = outgoingChannelMessageID
	}
	if channelUpdateID > 0 {
		state.ChannelUpdateID = channelUpdateID
	}
	state.UpdatedAt = now
	return nil
}

func (r *MemoryProcessingRepository) ListByStatus(
	_ context.Context,
	statuses []domain.ProcessingStatus,
	page, pageSize int,
) ([]domain.ProcessingState, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	wanted := make(map[domain.ProcessingStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	r.mu.RLock()
	matched := make([]domain.ProcessingState, 0)
	for _, state := range r.states {
		if _, ok := wanted[state.Status]; ok {
			matched = append(matched, *cloneState(state))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.ProcessingState{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryProcessingRepository) FindFailed(_ context.Context, limit int) ([]domain.ProcessingState, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	failed := make([]domain.ProcessingState, 0)
	for _, state := range r.states {
		if state.Status == domain.ProcessingFailed {
			failed = append(failed, *cloneState(state))
		}
	}
	r.mu.RUnlock()

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.Before(failed[j].UpdatedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func cloneState(state *domain.ProcessingState) *domain.ProcessingState {
	if state == nil {
		return nil
	}
	clone := *state
	clone.RawResponse = append([]byte(nil), state.RawResponse...)
	if state.LastErrorAt != nil {
		at := *state.LastErrorAt
		clone.LastErrorAt = &at
	}
	if state.ResponseGeneratedAt != nil {
		at := *state.ResponseGeneratedAt
		clone.ResponseGeneratedAt = &at
	}
	if state.ResponseSentAt != nil {
		at := *state.ResponseSentAt
		clone.ResponseSentAt = &at
	}
	return &clone
}

// MemoryMessagesRepository stores messages in memory.
type MemoryMessagesRepository struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
}

func NewMemoryMessagesRepository() *MemoryMessagesRepository {
	return &MemoryMessagesRepository{messages: make(map[string]*domain.Message)}
}

func (r *MemoryMessagesRepository) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	message, ok := r.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *message
	return &clone, nil
}

func (r *MemoryMessagesRepository) CreateMessage(_ context.Context, message *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	clone := *message
	r.messages[message.ID] = &clone
	return nil
}

func (r *MemoryMessagesRepository) SaveMessage(_ context.Context, message *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[message.ID]; !ok {
		return ErrNotFound
	}
	message.UpdatedAt = time.Now().UTC()
	clone := *message
	r.messages[message.ID] = &clone
	return nil
}

func (r *MemoryMessagesRepository) ListThreadMessages(_ context.Context, threadID string) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages := make([]domain.Message, 0)
	for _, message := range r.messages {
		if message.ThreadID == threadID {
			messages = append(messages, *message)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// MemoryThreadsRepository stores threads in memory.
type MemoryThreadsRepository struct {
	mu      sync.RWMutex
	threads map[string]*domain.Thread
}

func NewMemoryThreadsRepository() *MemoryThreadsRepository {
	return &MemoryThreadsRepository{threads: make(map[string]*domain.Thread)}
}

func (r *MemoryThreadsRepository) PutThread(thread *domain.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *thread
	r.threads[thread.ID] = &clone
}

func (r *MemoryThreadsRepository) GetThread(_ context.Context, threadID string) (*domain.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *thread
	return &clone, nil
}

func (r *MemoryThreadsRepository) SaveContinuationToken(_ context.Context, threadID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread, ok := r.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	thread.ContinuationToken = token
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryBotsRepository stores bots in memory.
type MemoryBotsRepository struct {
	mu   sync.RWMutex
	bots map[string]*domain.Bot
}

func NewMemoryBotsRepository() *MemoryBotsRepository {
	return &MemoryBotsRepository{bots: make(map[string]*domain.Bot)}
}

func (r *MemoryBotsRepository) PutBot(bot *domain.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *bot
	r.bots[bot.ID] = &clone
}

func (r *MemoryBotsRepository) GetBot(_ context.Context, botID string) (*domain.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bot, ok := r.bots[botID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *bot
	return &clone, nil
}

func (r *MemoryBotsRepository) SetBotError(_ context.Context, botID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[botID]
	if !ok {
		return ErrNotFound
	}
	bot.LastError = message
	bot.UpdatedAt = time.Now().UTC()
	return nil
}

// MemorySettingsRepository stores runtime settings in memory.
type MemorySettingsRepository struct {
	mu       sync.RWMutex
	settings map[string]string
}

func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{settings: make(map[string]string)}
}

func (r *MemorySettingsRepository) PutSetting(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
}

func (r *MemorySettingsRepository) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}
