package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ConversationBadger implements conversation repository on an embedded Badger database.
// Counter updates run in optimistic transactions; a lost commit surfaces as entity.ErrConflict.
type ConversationBadger struct {
	db    *badger.DB
	locks stripedLock
}

// NewConversationBadger creates a new Badger conversation repository
func NewConversationBadger(db *badger.DB) *ConversationBadger {
	return &ConversationBadger{db: db}
}

// Create stores a conversation unless its composite key is already taken
func (r *ConversationBadger) Create(ctx context.Context, conv *entity.Conversation) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating conversation id: %w", err)
	}

	stored := *conv
	stored.ID = id.String()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(compositeIndexKey(conv.CompositeKey))
		if err == nil {
			return entity.ErrDuplicateConversation
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(convKey(stored.ID), data); err != nil {
			return err
		}
		if err := txn.Set(compositeIndexKey(conv.CompositeKey), []byte(stored.ID)); err != nil {
			return err
		}
		for _, p := range conv.Participants {
			if err := txn.Set(indexKey(prefixInbox, p.Key(), stored.ID), nil); err != nil {
				return err
			}
		}
		if conv.TenantContext != nil {
			if err := txn.Set(indexKey(prefixTenantCtx, conv.TenantContext.Key(), stored.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// The only key read was the composite index, so a conflict means a concurrent create won
		return entity.ErrDuplicateConversation
	}
	if err != nil {
		if errors.Is(err, entity.ErrDuplicateConversation) {
			return err
		}
		return fmt.Errorf("creating conversation: %w", err)
	}

	conv.ID = stored.ID
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationBadger) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	var conv *entity.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		conv, err = getConversation(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// GetByCompositeKey retrieves the conversation of a participant pair
func (r *ConversationBadger) GetByCompositeKey(ctx context.Context, compositeKey string) (*entity.Conversation, error) {
	var conv *entity.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(compositeIndexKey(compositeKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		conv, err = getConversation(txn, string(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting conversation by key: %w", err)
	}
	return conv, nil
}

// SetTenantContext sets the tenant context and moves the tenant index entry
func (r *ConversationBadger) SetTenantContext(ctx context.Context, id string, tc entity.TenantRef) error {
	unlock := r.locks.lock(id)
	defer unlock()

	return r.update(id, func(txn *badger.Txn, conv *entity.Conversation) error {
		if conv.TenantContext != nil {
			if err := txn.Delete(indexKey(prefixTenantCtx, conv.TenantContext.Key(), id)); err != nil {
				return err
			}
		}
		ref := tc
		conv.TenantContext = &ref
		return txn.Set(indexKey(prefixTenantCtx, tc.Key(), id), nil)
	})
}

// RecordMessage applies an append to the counters and preview
func (r *ConversationBadger) RecordMessage(ctx context.Context, id, senderKey, preview string, at time.Time) error {
	unlock := r.locks.lock(id)
	defer unlock()

	return r.update(id, func(_ *badger.Txn, conv *entity.Conversation) error {
		conv.ApplyMessage(senderKey, preview, at)
		return nil
	})
}

// MarkRead zeroes a participant's counter
func (r *ConversationBadger) MarkRead(ctx context.Context, id, participantKey string, at time.Time) error {
	unlock := r.locks.lock(id)
	defer unlock()

	return r.update(id, func(_ *badger.Txn, conv *entity.Conversation) error {
		if !conv.ApplyRead(participantKey, at) {
			return entity.ErrForbidden
		}
		return nil
	})
}

// SetUnread overwrites counters when no message was recorded since expectedLastMessageAt
func (r *ConversationBadger) SetUnread(ctx context.Context, id string, expectedLastMessageAt time.Time, last entity.LastMessage, counts map[string]int, at time.Time) error {
	unlock := r.locks.lock(id)
	defer unlock()

	return r.update(id, func(_ *badger.Txn, conv *entity.Conversation) error {
		if !conv.LastMessageAt.Equal(expectedLastMessageAt) {
			return entity.ErrConflict
		}
		for i := range conv.Unread {
			if n, ok := counts[conv.Unread[i].ParticipantKey]; ok && n != conv.Unread[i].Count {
				conv.Unread[i].Count = n
				conv.Unread[i].UpdatedAt = at
			}
		}
		conv.ApplyLastMessage(last)
		reconciledAt := at
		conv.ReconciledAt = &reconciledAt
		return nil
	})
}

// ListByParticipant lists a participant's conversations by last activity
func (r *ConversationBadger) ListByParticipant(ctx context.Context, participantKey string, limit, offset int) ([]entity.Conversation, error) {
	convs, err := r.listIndexed(indexPrefix(prefixInbox, participantKey))
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return page(convs, limit, offset), nil
}

// ListByTenant lists conversations where the tenant participates or is the context
func (r *ConversationBadger) ListByTenant(ctx context.Context, ref entity.TenantRef, limit, offset int) ([]entity.Conversation, error) {
	byParticipant, err := r.listIndexed(indexPrefix(prefixInbox, ref.Key()))
	if err != nil {
		return nil, fmt.Errorf("listing tenant conversations: %w", err)
	}
	byContext, err := r.listIndexed(indexPrefix(prefixTenantCtx, ref.Key()))
	if err != nil {
		return nil, fmt.Errorf("listing tenant context conversations: %w", err)
	}

	convs := lo.UniqBy(append(byParticipant, byContext...), func(c entity.Conversation) string {
		return c.ID
	})
	return page(convs, limit, offset), nil
}

// ListStale returns idle conversations with counters not reconciled since their last message
func (r *ConversationBadger) ListStale(ctx context.Context, quietBefore time.Time, limit int) ([]entity.Conversation, error) {
	var stale []entity.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixConv)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var conv entity.Conversation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			}); err != nil {
				return err
			}
			if !conv.LastMessageAt.Before(quietBefore) {
				continue
			}
			if conv.ReconciledAt != nil && !conv.ReconciledAt.Before(conv.LastMessageAt) {
				continue
			}
			stale = append(stale, conv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing stale conversations: %w", err)
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastMessageAt.Before(stale[j].LastMessageAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// update runs a read-modify-write of one conversation in a single transaction
func (r *ConversationBadger) update(id string, mutate func(txn *badger.Txn, conv *entity.Conversation) error) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		if conv == nil {
			return entity.ErrConversationNotFound
		}
		if err := mutate(txn, conv); err != nil {
			return err
		}
		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		return txn.Set(convKey(id), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return entity.ErrConflict
	}
	return err
}

// listIndexed loads every conversation referenced under an index prefix, newest activity first
func (r *ConversationBadger) listIndexed(prefix []byte) ([]entity.Conversation, error) {
	var convs []entity.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}

		for _, id := range ids {
			conv, err := getConversation(txn, id)
			if err != nil {
				return err
			}
			if conv != nil {
				convs = append(convs, *conv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func getConversation(txn *badger.Txn, id string) (*entity.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var conv entity.Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &conv, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
