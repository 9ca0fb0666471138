package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botfleet/botfleet-back/internal/domain"
)

// PostgresProcessingRepository persists processing states in Postgres.
// Uniqueness per user message is enforced by the primary key together
// with insert-on-conflict, not by application-level checks.
type PostgresProcessingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresProcessingRepository(pool *pgxpool.Pool) *PostgresProcessingRepository {
	return &PostgresProcessingRepository{pool: pool}
}

const processingColumns = `
	user_message_id, status, attempts,
	last_error, last_error_at, terminal_reason,
	response_message_id,
	incoming_channel_message_id, outgoing_channel_message_id, channel_update_id,
	response_generated_at, response_sent_at,
	price, raw_response,
	created_at, updated_at`

func (r *PostgresProcessingRepository) GetOrCreate(ctx context.Context, userMessageID string) (*domain.ProcessingState, error) {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_states (user_message_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_message_id) DO NOTHING
	`, userMessageID, string(domain.ProcessingReceived), now)
	if err != nil {
		return nil, fmt.Errorf("insert processing state: %w", err)
	}
	return r.Get(ctx, userMessageID)
}

func (r *PostgresProcessingRepository) Get(ctx context.Context, userMessageID string) (*domain.ProcessingState, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+processingColumns+` FROM processing_states WHERE user_message_id = $1`, userMessageID)
	state, err := scanProcessingState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query processing state: %w", err)
	}
	return state, nil
}

func (r *PostgresProcessingRepository) MarkProcessing(ctx context.Context, userMessageID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_states
		SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE user_message_id = $1 AND status NOT IN ('completed', 'terminal')
	`, userMessageID, string(domain.ProcessingInProgress), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (r *PostgresProcessingRepository) MarkFailed(ctx context.Context, userMessageID, cause string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_states (user_message_id, status, attempts, last_error, last_error_at, created_at, updated_at)
		VALUES ($1, 'failed', 1, $2, $3, $3, $3)
		ON CONFLICT (user_message_id) DO UPDATE
		SET status = 'failed',
			attempts = processing_states.attempts + 1,
			last_error = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			updated_at = EXCLUDED.updated_at
		WHERE processing_states.status NOT IN ('completed', 'terminal')
	`, userMessageID, cause, now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r *PostgresProcessingRepository) MarkTerminal(ctx context.Context, userMessageID, reason string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_states (user_message_id, status, attempts, terminal_reason, created_at, updated_at)
		VALUES ($1, 'terminal', 0, $2, $3, $3)
		ON CONFLICT (user_message_id) DO UPDATE
		SET status = 'terminal',
			terminal_reason = EXCLUDED.terminal_reason,
			updated_at = EXCLUDED.updated_at
		WHERE processing_states.status <> 'completed'
	`, userMessageID, reason, now)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}

func (r *PostgresProcessingRepository) MarkResponseGenerated(
	ctx context.Context,
	userMessageID, responseMessageID string,
	price float64,
	raw json.RawMessage,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE processing_states
		SET response_message_id = $2,
			response_generated_at = $3,
			price = $4,
			raw_response = $5,
			updated_at = $3
		WHERE user_message_id = $1
	`, userMessageID, responseMessageID, time.Now().UTC(), price, raw)
	if err != nil {
		return fmt.Errorf("mark response generated: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresProcessingRepository) MarkResponseSent(ctx context.Context, userMessageID string, outgoingChannelMessageID int64) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE processing_states
		SET response_sent_at = $2,
			outgoing_channel_message_id = CASE WHEN $3 > 0 THEN $3 ELSE outgoing_channel_message_id END,
			updated_at = $2
		WHERE user_message_id = $1
	`, userMessageID, time.Now().UTC(), outgoingChannelMessageID)
	if err != nil {
		return fmt.Errorf("mark response sent: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresProcessingRepository) MarkCompleted(ctx context.Context, userMessageID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE processing_states
		SET status = 'completed', updated_at = $2
		WHERE user_message_id = $1 AND status <> 'terminal'
	`, userMessageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresProcessingRepository) UpdateChannelIDs(
	ctx context.Context,
	userMessageID string,
	incomingChannelMessageID, outgoingChannelMessageID, channelUpdateID int64,
) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_states (
			user_message_id, status, attempts,
			incoming_channel_message_id, outgoing_channel_message_id, channel_update_id,
			created_at, updated_at
		)
		VALUES ($1, 'received', 0, $2, $3, $4, $5, $5)
		ON CONFLICT (user_message_id) DO UPDATE
		SET incoming_channel_message_id = CASE WHEN EXCLUDED.incoming_channel_message_id > 0 THEN EXCLUDED.incoming_channel_message_id ELSE processing_states.incoming_channel_message_id END,
			outgoing_channel_message_id = CASE WHEN EXCLUDED.outgoing_channel_message_id > 0 THEN EXCLUDED.outgoing_channel_message_id ELSE processing_states.outgoing_channel_message_id END,
			channel_update_id = CASE WHEN EXCLUDED.channel_update_id > 0 THEN EXCLUDED.channel_update_id ELSE processing_states.channel_update_id END,
			updated_at = EXCLUDED.updated_at
	`, userMessageID, incomingChannelMessageID, outgoingChannelMessageID, channelUpdateID, now)
	if err != nil {
		return fmt.Errorf("update channel ids: %w", err)
	}
	return nil
}

func (r *PostgresProcessingRepository) ListByStatus(
	ctx context.Context,
	statuses []domain.ProcessingStatus,
	page, pageSize int,
) ([]domain.ProcessingState, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if len(statuses) == 0 {
		return []domain.ProcessingState{}, 0, nil
	}

	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM processing_states WHERE status = ANY($1)`, values,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count processing states: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+processingColumns+`
		FROM processing_states
		WHERE status = ANY($1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, values, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list processing states: %w", err)
	}
	defer rows.Close()

	states, err := collectProcessingStates(rows)
	if err != nil {
		return nil, 0, err
	}
	return states, total, nil
}

func (r *PostgresProcessingRepository) FindFailed(ctx context.Context, limit int) ([]domain.ProcessingState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+processingColumns+`
		FROM processing_states
		WHERE status = 'failed'
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find failed states: %w", err)
	}
	defer rows.Close()
	return collectProcessingStates(rows)
}

func collectProcessingStates(rows pgx.Rows) ([]domain.ProcessingState, error) {
	states := make([]domain.ProcessingState, 0)
	for rows.Next() {
		state, err := scanProcessingState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processing state: %w", err)
		}
		states = append(states, *state)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate processing states: %w", rows.Err())
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcessingState(row rowScanner) (*domain.ProcessingState, error) {
	var (
		state          domain.ProcessingState
		status         string
		lastError      *string
		terminalReason *string
		responseMsgID  *string
		incomingID     *int64
		outgoingID     *int64
		updateID       *int64
		price          *float64
		raw            []byte
	)

	err := row.Scan(
		&state.UserMessageID,
		&status,
		&state.Attempts,
		&lastError,
		&state.LastErrorAt,
		&terminalReason,
		&responseMsgID,
		&incomingID,
		&outgoingID,
		&updateID,
		&state.ResponseGeneratedAt,
		&state.ResponseSentAt,
		&price,
		&raw,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = domain.ProcessingStatus(status)
	state.LastError = stringValue(lastError)
	state.TerminalReason = stringValue(terminalReason)
	state.ResponseMessageID = stringValue(responseMsgID)
	state.IncomingChannelMessageID = int64Value(incomingID)
	state.OutgoingChannelMessageID = int64Value(outgoingID)
	state.ChannelUpdateID = int64Value(updateID)
	if price != nil {
		state.Price = *price
	}
	if len(raw) > 0 {
		state.RawResponse = json.RawMessage(raw)
	}
	return &state, nil
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func int64Value(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
