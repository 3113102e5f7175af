package service

import (
	"context"
	"fmt"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ListConversationsInput represents input for listing an inbox
type ListConversationsInput struct {
	Offset int
	Limit  int
}

// ListForIndividual lists the individual's own conversations, most recent activity first
func (s *Service) ListForIndividual(ctx context.Context, individualID string, in ListConversationsInput) ([]entity.ConversationView, error) {
	me := entity.Individual(individualID)
	if err := me.Validate(); err != nil {
		return nil, err
	}

	convs, err := s.convRepo.ListByParticipant(ctx, me.Key(), s.pageSize(in.Limit), max(in.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return s.project(ctx, me, convs), nil
}

// ListForTenant lists the tenant inbox: conversations with the tenant as participant or context
func (s *Service) ListForTenant(ctx context.Context, ref entity.TenantRef, in ListConversationsInput) ([]entity.ConversationView, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	convs, err := s.convRepo.ListByTenant(ctx, ref, s.pageSize(in.Limit), max(in.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("listing tenant conversations: %w", err)
	}

	return s.project(ctx, entity.Tenant(ref.Kind, ref.ID), convs), nil
}

// project renders conversations from the point of view of me
func (s *Service) project(ctx context.Context, me entity.Participant, convs []entity.Conversation) []entity.ConversationView {
	names := make(map[string]string)
	views := make([]entity.ConversationView, 0, len(convs))

	for i := range convs {
		conv := &convs[i]
		counterpart, ok := conv.Counterpart(me)
		if !ok {
			// Matched through tenant context only; show the first party that is not the context tenant
			counterpart = conv.Participants[0]
		}

		views = append(views, entity.ConversationView{
			ID:                 conv.ID,
			Type:               conv.Type,
			Me:                 me,
			Counterpart:        counterpart,
			CounterpartName:    s.displayName(ctx, counterpart, names),
			TenantContext:      conv.TenantContext,
			UnreadCount:        conv.UnreadFor(me.Key()).Count,
			LastMessagePreview: conv.LastMessagePreview,
			LastMessageAt:      conv.LastMessageAt,
		})
	}

	return views
}

func (s *Service) displayName(ctx context.Context, p entity.Participant, cache map[string]string) string {
	ref, ok := p.Tenant()
	if !ok {
		return p.IndividualID
	}
	if name, ok := cache[ref.Key()]; ok {
		return name
	}

	name, err := s.directory.TenantName(ctx, ref)
	if err != nil || name == "" {
		if err != nil {
			s.logger.Debug("tenant name lookup failed", "tenant", ref.Key(), "error", err)
		}
		name = ref.Key()
	}
	cache[ref.Key()] = name
	return name
}
