package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

const messageColumns = `id, conversation_id, sender_key, message_type, text, payload, created_at`

// Create inserts a message
func (r *MessagePostgres) Create(ctx context.Context, msg *entity.Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating message id: %w", err)
	}

	var payload []byte
	if msg.Payload != nil {
		if payload, err = json.Marshal(msg.Payload); err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.pool.Exec(ctx, query,
		id.String(),
		msg.ConversationID,
		msg.Sender.Key(),
		msg.Type,
		msg.Text,
		payload,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.ID = id.String()
	return nil
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

// ListByConversation retrieves messages created at or before `before`, newest first
func (r *MessagePostgres) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit, offset int) ([]entity.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND created_at <= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.pool.Query(ctx, query, conversationID, before, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []entity.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// UpdatePayloadStatus patches the request status while it still equals from
func (r *MessagePostgres) UpdatePayloadStatus(ctx context.Context, id string, from, to entity.RequestStatus, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET payload = jsonb_set(
			jsonb_set(payload, '{status}', to_jsonb($3::text)),
			'{resolved_at}', to_jsonb($4::timestamptz)
		)
		WHERE id = $1 AND payload->>'status' = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("updating payload status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("checking message: %w", err)
	}
	if !exists {
		return entity.ErrMessageNotFound
	}
	return entity.ErrInvalidStatusTransition
}

// CountFrom counts messages created strictly after `after`, optionally by one sender
func (r *MessagePostgres) CountFrom(ctx context.Context, conversationID, senderKey string, after *time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
		  AND ($2 = '' OR sender_key = $2)
		  AND ($3::timestamptz IS NULL OR created_at > $3)
	`, conversationID, senderKey, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*entity.Message, error) {
	var (
		msg       entity.Message
		senderKey string
		payload   []byte
	)

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&senderKey,
		&msg.Type,
		&msg.Text,
		&payload,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if msg.Sender, err = entity.ParseParticipantKey(senderKey); err != nil {
		return nil, err
	}
	if payload != nil {
		msg.Payload = &entity.StructuredPayload{}
		if err := json.Unmarshal(payload, msg.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
	}

	return &msg, nil
}
