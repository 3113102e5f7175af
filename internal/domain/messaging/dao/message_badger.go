package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// MessageBadger implements message repository on an embedded Badger database
type MessageBadger struct {
	db *badger.DB
}

// NewMessageBadger creates a new Badger message repository
func NewMessageBadger(db *badger.DB) *MessageBadger {
	return &MessageBadger{db: db}
}

// Create appends a message to the conversation log
func (r *MessageBadger) Create(ctx context.Context, msg *entity.Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating message id: %w", err)
	}

	stored := *msg
	stored.ID = id.String()
	stored.ReadBy = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	key := messageKey(stored.ConversationID, stored.CreatedAt, stored.ID)
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(messageIDKey(stored.ID), key)
	})
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}

	msg.ID = stored.ID
	return nil
}

// GetByID retrieves a message by ID
func (r *MessageBadger) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	var msg *entity.Message
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		msg, _, err = getMessage(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return msg, nil
}

// ListByConversation walks the log backwards from `before`
func (r *MessageBadger) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit, offset int) ([]entity.Message, error) {
	messages := make([]entity.Message, 0, limit)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := messagePrefix(conversationID)
		skipped := 0
		for it.Seek(messageSeekKey(conversationID, before)); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(messages) >= limit {
				break
			}

			var msg entity.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return messages, nil
}

// UpdatePayloadStatus patches the request status while it still equals from
func (r *MessageBadger) UpdatePayloadStatus(ctx context.Context, id string, from, to entity.RequestStatus, at time.Time) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		msg, key, err := getMessage(txn, id)
		if err != nil {
			return err
		}
		if msg == nil {
			return entity.ErrMessageNotFound
		}
		if msg.Payload == nil || msg.Payload.Status != from {
			return entity.ErrInvalidStatusTransition
		}

		msg.Payload.Status = to
		resolvedAt := at
		msg.Payload.ResolvedAt = &resolvedAt

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another resolver committed first
		return entity.ErrInvalidStatusTransition
	}
	return err
}

// CountFrom counts messages created strictly after `after`, optionally by one sender
func (r *MessageBadger) CountFrom(ctx context.Context, conversationID, senderKey string, after *time.Time) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := messagePrefix(conversationID)
		start := prefix
		if after != nil {
			start = messageSeekKey(conversationID, *after)
		}

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if senderKey == "" {
				count++
				continue
			}
			var msg entity.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.Sender.Key() == senderKey {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func getMessage(txn *badger.Txn, id string) (*entity.Message, []byte, error) {
	ref, err := txn.Get(messageIDKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	key, err := ref.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}

	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var msg entity.Message
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return &msg, key, nil
}
