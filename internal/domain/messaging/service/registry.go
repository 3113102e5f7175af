package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ResolveIdentity loads a conversation and resolves which participant the actor acts as
func (s *Service) ResolveIdentity(ctx context.Context, actorID, conversationID string) (*entity.Conversation, entity.Participant, error) {
	if actorID == "" {
		return nil, entity.Participant{}, entity.ErrUnauthenticated
	}

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, entity.Participant{}, err
	}

	memberships, err := s.directory.Memberships(ctx, actorID)
	if err != nil {
		return nil, entity.Participant{}, fmt.Errorf("getting memberships: %w", err)
	}

	acting, err := entity.ResolveActingParticipant(actorID, memberships, conv.Participants[0], conv.Participants[1])
	if err != nil {
		return nil, entity.Participant{}, err
	}

	return conv, acting, nil
}

// GetOrCreateInput represents input for looking up or opening a conversation
type GetOrCreateInput struct {
	Participants  [2]entity.Participant
	TenantContext *entity.TenantRef
}

// createAttempts bounds get-or-create retries when every concurrent create was cancelled
const createAttempts = 3

// GetOrCreate returns the conversation of an unordered participant pair, creating it on first contact
func (s *Service) GetOrCreate(ctx context.Context, in GetOrCreateInput) (*entity.Conversation, error) {
	a, b := in.Participants[0], in.Participants[1]
	if err := entity.ValidatePair(a, b); err != nil {
		return nil, err
	}
	if in.TenantContext != nil {
		if !a.Equal(entity.Tenant(in.TenantContext.Kind, in.TenantContext.ID)) &&
			!b.Equal(entity.Tenant(in.TenantContext.Kind, in.TenantContext.ID)) {
			return nil, entity.ErrInvalidTenantContext
		}
	}

	key := entity.CompositeKey(a, b)
	existing, err := s.convRepo.GetByCompositeKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting conversation by key: %w", err)
	}
	if existing != nil {
		s.backfillTenantContext(ctx, existing, in.TenantContext)
		return existing, nil
	}

	for attempt := 1; ; attempt++ {
		conv, err := entity.NewConversation(a, b, in.TenantContext, s.now())
		if err != nil {
			return nil, err
		}

		err = s.convRepo.Create(ctx, conv)
		if err == nil {
			s.logger.Info("conversation created",
				"conversation_id", conv.ID,
				"composite_key", conv.CompositeKey,
				"type", conv.Type,
			)
			return conv, nil
		}
		if !errors.Is(err, entity.ErrDuplicateConversation) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}

		// Lost the race against a concurrent creator: the winner's row is the conversation.
		existing, err = s.convRepo.GetByCompositeKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("getting conversation after duplicate create: %w", err)
		}
		if existing != nil {
			s.backfillTenantContext(ctx, existing, in.TenantContext)
			return existing, nil
		}

		// Concurrent creates can all be cancelled with no winner stored
		if attempt == createAttempts {
			return nil, fmt.Errorf("conversation %s not stored after %d create attempts: %w", key, attempt, entity.ErrConflict)
		}
		s.logger.Debug("duplicate create left no conversation, retrying",
			"composite_key", key,
			"attempt", attempt,
		)
		if err := s.pause(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// backfillTenantContext patches a missing or different tenant context. Failures are logged, never returned.
func (s *Service) backfillTenantContext(ctx context.Context, conv *entity.Conversation, tc *entity.TenantRef) {
	if !conv.NeedsTenantContext(tc) {
		return
	}

	if err := s.convRepo.SetTenantContext(ctx, conv.ID, *tc); err != nil {
		s.recorder.TenantContextBackfillFailed()
		s.logger.Warn("tenant context backfill failed",
			"conversation_id", conv.ID,
			"tenant", tc.Key(),
			"error", err,
		)
		return
	}

	ref := *tc
	conv.TenantContext = &ref
}

// MarkRead zeroes the participant's unread counter and advances its read watermark
func (s *Service) MarkRead(ctx context.Context, conversationID string, participant entity.Participant) error {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(participant) {
		return entity.ErrForbidden
	}

	if err := s.withCounterRetry(ctx, func() error {
		return s.convRepo.MarkRead(ctx, conversationID, participant.Key(), s.now())
	}); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}

	return nil
}

func (s *Service) getConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	if id == "" {
		return nil, entity.ErrConversationNotFound
	}
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}
