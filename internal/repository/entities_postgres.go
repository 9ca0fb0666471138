package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botfleet/botfleet-back/internal/domain"
)

// NewPool opens and pings a pgx pool shared by the postgres
// repositories.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

type PostgresMessagesRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMessagesRepository(pool *pgxpool.Pool) *PostgresMessagesRepository {
	return &PostgresMessagesRepository{pool: pool}
}

const messageColumns = `
	id, thread_id, bot_id, user_id, admin_id,
	channel_message_id, channel_update_id,
	text, created_at, updated_at`

func (r *PostgresMessagesRepository) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return message, nil
}

func (r *PostgresMessagesRepository) CreateMessage(ctx context.Context, message *domain.Message) error {
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (
			id, thread_id, bot_id, user_id, admin_id,
			channel_message_id, channel_update_id,
			text, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		message.ID,
		message.ThreadID,
		nullString(message.BotID),
		nullString(message.UserID),
		nullString(message.AdminID),
		message.ChannelMessageID,
		message.ChannelUpdateID,
		message.Text,
		message.CreatedAt,
		message.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessagesRepository) SaveMessage(ctx context.Context, message *domain.Message) error {
	message.UpdatedAt = time.Now().UTC()
	command, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET text = $2,
			channel_message_id = $3,
			updated_at = $4
		WHERE id = $1
	`, message.ID, message.Text, message.ChannelMessageID, message.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresMessagesRepository) ListThreadMessages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *message)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate messages: %w", rows.Err())
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		message domain.Message
		botID   *string
		userID  *string
		adminID *string
	)
	err := row.Scan(
		&message.ID,
		&message.ThreadID,
		&botID,
		&userID,
		&adminID,
		&message.ChannelMessageID,
		&message.ChannelUpdateID,
		&message.Text,
		&message.CreatedAt,
		&message.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	message.BotID = stringValue(botID)
	message.UserID = stringValue(userID)
	message.AdminID = stringValue(adminID)
	return &message, nil
}

type PostgresThreadsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresThreadsRepository(pool *pgxpool.Pool) *PostgresThreadsRepository {
	return &PostgresThreadsRepository{pool: pool}
}

func (r *PostgresThreadsRepository) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var (
		thread domain.Thread
		token  *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, chat_id, continuation_token, created_at, updated_at
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.BotID,
		&thread.ChatID,
		&token,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query thread: %w", err)
	}
	thread.ContinuationToken = stringValue(token)
	return &thread, nil
}

func (r *PostgresThreadsRepository) SaveContinuationToken(ctx context.Context, threadID, token string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE threads
		SET continuation_token = $2, updated_at = $3
		WHERE id = $1
	`, threadID, nullString(token), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save continuation token: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type PostgresBotsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresBotsRepository(pool *pgxpool.Pool) *PostgresBotsRepository {
	return &PostgresBotsRepository{pool: pool}
}

func (r *PostgresBotsRepository) GetBot(ctx context.Context, botID string) (*domain.Bot, error) {
	var (
		bot       domain.Bot
		mode      string
		lastError *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, token, model, prompt,
			start_message, help_message, error_message,
			delivery_mode, webhook_url, enabled, last_error,
			created_at, updated_at
		FROM bots
		WHERE id = $1
	`, botID).Scan(
		&bot.ID,
		&bot.Username,
		&bot.Token,
		&bot.Model,
		&bot.Prompt,
		&bot.StartMessage,
		&bot.HelpMessage,
		&bot.ErrorMessage,
		&mode,
		&bot.WebhookURL,
		&bot.Enabled,
		&lastError,
		&bot.CreatedAt,
		&bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query bot: %w", err)
	}
	bot.DeliveryMode = domain.DeliveryMode(mode)
	bot.LastError = stringValue(lastError)
	return &bot, nil
}

func (r *PostgresBotsRepository) SetBotError(ctx context.Context, botID, message string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE bots
		SET last_error = $2, updated_at = $3
		WHERE id = $1
	`, botID, nullString(message), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set bot error: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type PostgresSettingsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSettingsRepository(pool *pgxpool.Pool) *PostgresSettingsRepository {
	return &PostgresSettingsRepository{pool: pool}
}

func (r *PostgresSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

func nullString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
