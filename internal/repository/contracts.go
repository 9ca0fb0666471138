package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/botfleet/botfleet-back/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// ProcessingRepository persists the per-message pipeline state. All
// mutations are narrow named transitions so the audit trail stays
// meaningful; callers never issue raw field updates.
type ProcessingRepository interface {
	// GetOrCreate returns the existing record for the user message or
	// atomically creates one in the received state with zero attempts.
	GetOrCreate(ctx context.Context, userMessageID string) (*domain.ProcessingState, error)
	Get(ctx context.Context, userMessageID string) (*domain.ProcessingState, error)

	// MarkProcessing transitions to processing and bumps attempts.
	// Completed and terminal records are left untouched.
	MarkProcessing(ctx context.Context, userMessageID string) error
	// MarkFailed upserts into failed, recording the cause. The record
	// may not exist yet if the failure happened very early.
	MarkFailed(ctx context.Context, userMessageID, cause string) error
	// MarkTerminal upserts into terminal. Idempotent; never demotes a
	// completed record.
	MarkTerminal(ctx context.Context, userMessageID, reason string) error
	// MarkResponseGenerated records the generated reply id, its cost
	// and the opaque provider payload. Status is unchanged.
	MarkResponseGenerated(ctx context.Context, userMessageID, responseMessageID string, price float64, raw json.RawMessage) error
	MarkResponseSent(ctx context.Context, userMessageID string, outgoingChannelMessageID int64) error
	MarkCompleted(ctx context.Context, userMessageID string) error

	// UpdateChannelIDs enriches the record with the external channel's
	// own identifiers. Best-effort upsert; may run before the record
	// otherwise exists.
	UpdateChannelIDs(ctx context.Context, userMessageID string, incomingChannelMessageID, outgoingChannelMessageID, channelUpdateID int64) error

	ListByStatus(ctx context.Context, statuses []domain.ProcessingStatus, page, pageSize int) ([]domain.ProcessingState, int, error)
	// FindFailed returns failed records for operator recovery tooling.
	FindFailed(ctx context.Context, limit int) ([]domain.ProcessingState, error)
}

// MessagesRepository stores inbound and outbound chat messages.
type MessagesRepository interface {
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	CreateMessage(ctx context.Context, message *domain.Message) error
	SaveMessage(ctx context.Context, message *domain.Message) error
	ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error)
}

type ThreadsRepository interface {
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	SaveContinuationToken(ctx context.Context, threadID, token string) error
}

type BotsRepository interface {
	GetBot(ctx context.Context, botID string) (*domain.Bot, error)
	SetBotError(ctx context.Context, botID, message string) error
}

// SettingsRepository is a single key-value read used for runtime
// overrides such as MAX_CONTEXT_TOKENS.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
}
