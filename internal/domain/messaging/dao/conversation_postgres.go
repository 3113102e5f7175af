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

// ConversationPostgres implements conversation repository for PostgreSQL.
// Pair uniqueness rests on the unique composite_key index; counters are
// updated by single statements under the conversation row lock.
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

const conversationColumns = `
	c.id, c.composite_key, c.conversation_type, c.participant_a, c.participant_b,
	c.tenant_context, c.last_message_at, c.last_message_preview, c.reconciled_at, c.created_at,
	COALESCE((
		SELECT json_agg(json_build_object(
			'participant_key', u.participant_key,
			'count', u.unread_count,
			'updated_at', u.updated_at,
			'read_at', u.read_at
		) ORDER BY u.participant_key)
		FROM conversation_unread u
		WHERE u.conversation_id = c.id
	), '[]'::json)
`

// Create inserts a conversation with its unread rows
func (r *ConversationPostgres) Create(ctx context.Context, conv *entity.Conversation) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating conversation id: %w", err)
	}

	var tenantContext *string
	if conv.TenantContext != nil {
		key := conv.TenantContext.Key()
		tenantContext = &key
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (
				id, composite_key, conversation_type, participant_a, participant_b,
				tenant_context, last_message_at, last_message_preview, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (composite_key) DO NOTHING
		`,
			id.String(),
			conv.CompositeKey,
			conv.Type,
			conv.Participants[0].Key(),
			conv.Participants[1].Key(),
			tenantContext,
			conv.LastMessageAt,
			conv.LastMessagePreview,
			conv.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return entity.ErrDuplicateConversation
		}

		batch := &pgx.Batch{}
		for _, u := range conv.Unread {
			batch.Queue(`
				INSERT INTO conversation_unread (conversation_id, participant_key, unread_count, updated_at)
				VALUES ($1, $2, $3, $4)
			`, id.String(), u.ParticipantKey, u.Count, u.UpdatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if errors.Is(err, entity.ErrDuplicateConversation) {
		return err
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	conv.ID = id.String()
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`
	return r.scanConversation(r.pool.QueryRow(ctx, query, id))
}

// GetByCompositeKey retrieves the conversation of a participant pair
func (r *ConversationPostgres) GetByCompositeKey(ctx context.Context, compositeKey string) (*entity.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.composite_key = $1`
	return r.scanConversation(r.pool.QueryRow(ctx, query, compositeKey))
}

// SetTenantContext updates the tenant context
func (r *ConversationPostgres) SetTenantContext(ctx context.Context, id string, tc entity.TenantRef) error {
	tag, err := r.pool.Exec(ctx, "UPDATE conversations SET tenant_context = $2 WHERE id = $1", id, tc.Key())
	if err != nil {
		return fmt.Errorf("updating tenant context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}
	return nil
}

// RecordMessage bumps the counterpart counters and refreshes the preview in one transaction.
// The conversation row lock taken by the first UPDATE serializes concurrent appends.
func (r *ConversationPostgres) RecordMessage(ctx context.Context, id, senderKey, preview string, at time.Time) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET
				last_message_preview = CASE WHEN $2 >= last_message_at THEN $3 ELSE last_message_preview END,
				last_message_at = GREATEST(last_message_at, $2)
			WHERE id = $1
		`, id, at, preview)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return entity.ErrConversationNotFound
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversation_unread SET
				unread_count = unread_count + CASE WHEN participant_key <> $2 THEN 1 ELSE 0 END,
				updated_at = $3
			WHERE conversation_id = $1
		`, id, senderKey, at)
		return err
	})
	if errors.Is(err, entity.ErrConversationNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	return nil
}

// MarkRead zeroes a participant's counter and moves its read watermark
func (r *ConversationPostgres) MarkRead(ctx context.Context, id, participantKey string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversation_unread SET unread_count = 0, updated_at = $3, read_at = $3
		WHERE conversation_id = $1 AND participant_key = $2
	`, id, participantKey, at)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrForbidden
	}
	return nil
}

// SetUnread overwrites counters while last_message_at still equals expectedLastMessageAt
func (r *ConversationPostgres) SetUnread(ctx context.Context, id string, expectedLastMessageAt time.Time, last entity.LastMessage, counts map[string]int, at time.Time) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations SET
				reconciled_at = $3,
				last_message_preview = CASE WHEN $4 > last_message_at THEN $5 ELSE last_message_preview END,
				last_message_at = GREATEST(last_message_at, $4)
			WHERE id = $1 AND last_message_at = $2
		`, id, expectedLastMessageAt, at, last.At, last.Preview)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return entity.ErrConflict
		}

		for key, n := range counts {
			if _, err := tx.Exec(ctx, `
				UPDATE conversation_unread SET unread_count = $3, updated_at = $4
				WHERE conversation_id = $1 AND participant_key = $2 AND unread_count <> $3
			`, id, key, n, at); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, entity.ErrConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("setting unread counters: %w", err)
	}
	return nil
}

// ListByParticipant lists a participant's conversations by last activity
func (r *ConversationPostgres) ListByParticipant(ctx context.Context, participantKey string, limit, offset int) ([]entity.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, participantKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// ListByTenant lists conversations where the tenant participates or is the context
func (r *ConversationPostgres) ListByTenant(ctx context.Context, ref entity.TenantRef, limit, offset int) ([]entity.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.participant_a = $1 OR c.participant_b = $1 OR c.tenant_context = $1
		ORDER BY c.last_message_at DESC, c.id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, ref.Key(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying tenant conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// ListStale returns idle conversations not reconciled since their last message
func (r *ConversationPostgres) ListStale(ctx context.Context, quietBefore time.Time, limit int) ([]entity.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE c.last_message_at < $1
		  AND (c.reconciled_at IS NULL OR c.reconciled_at < c.last_message_at)
		ORDER BY c.last_message_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, quietBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// scanConversation scans a single conversation row
func (r *ConversationPostgres) scanConversation(row pgx.Row) (*entity.Conversation, error) {
	conv, err := scanConversationRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return conv, nil
}

// scanConversations scans multiple conversation rows
func (r *ConversationPostgres) scanConversations(rows pgx.Rows) ([]entity.Conversation, error) {
	var conversations []entity.Conversation

	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, *conv)
	}

	return conversations, rows.Err()
}

func scanConversationRow(row pgx.Row) (*entity.Conversation, error) {
	var (
		conv          entity.Conversation
		partA, partB  string
		tenantContext *string
		unread        []byte
	)

	err := row.Scan(
		&conv.ID,
		&conv.CompositeKey,
		&conv.Type,
		&partA,
		&partB,
		&tenantContext,
		&conv.LastMessageAt,
		&conv.LastMessagePreview,
		&conv.ReconciledAt,
		&conv.CreatedAt,
		&unread,
	)
	if err != nil {
		return nil, err
	}

	if conv.Participants[0], err = entity.ParseParticipantKey(partA); err != nil {
		return nil, err
	}
	if conv.Participants[1], err = entity.ParseParticipantKey(partB); err != nil {
		return nil, err
	}
	if tenantContext != nil {
		p, err := entity.ParseParticipantKey(*tenantContext)
		if err != nil {
			return nil, err
		}
		if ref, ok := p.Tenant(); ok {
			conv.TenantContext = &ref
		}
	}
	if err := json.Unmarshal(unread, &conv.Unread); err != nil {
		return nil, fmt.Errorf("decoding unread entries: %w", err)
	}

	return &conv, nil
}
