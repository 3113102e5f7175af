package service

import (
	"context"
	"fmt"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ResolveRequestInput represents a workflow decision on a structured request
type ResolveRequestInput struct {
	MessageID    string
	Status       entity.RequestStatus
	ResponseText string
}

// ResolveStructuredRequest moves a pending request to accepted or declined and optionally
// posts the responder's text reply. Only the payload status changes on the original message.
func (s *Service) ResolveStructuredRequest(ctx context.Context, in ResolveRequestInput) (*entity.Message, error) {
	msg, err := s.msgRepo.GetByID(ctx, in.MessageID)
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	if !msg.Type.IsStructuredRequest() || msg.Payload == nil {
		return nil, entity.ErrNotStructuredRequest
	}
	if !entity.CanTransition(msg.Payload.Status, in.Status) {
		return nil, entity.ErrInvalidStatusTransition
	}
	if in.ResponseText != "" {
		if err := entity.ValidateMessageText(in.ResponseText, s.cfg.MaxTextLength); err != nil {
			return nil, err
		}
	}

	now := s.now()
	if err := s.msgRepo.UpdatePayloadStatus(ctx, msg.ID, msg.Payload.Status, in.Status, now); err != nil {
		return nil, fmt.Errorf("updating request status: %w", err)
	}
	msg.Payload.Status = in.Status
	msg.Payload.ResolvedAt = &now

	s.logger.Info("structured request resolved",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"status", in.Status,
	)

	if in.ResponseText == "" {
		return nil, nil
	}

	conv, err := s.getConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	reply, err := s.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		Sender:         responder(conv, msg.Sender),
		Text:           in.ResponseText,
		Type:           entity.MessageTypeText,
	})
	if err != nil {
		return reply, fmt.Errorf("appending request response: %w", err)
	}
	return reply, nil
}

// responder picks the tenant side answering a request sent by requester
func responder(conv *entity.Conversation, requester entity.Participant) entity.Participant {
	other, _ := conv.Counterpart(requester)
	if other.Kind == entity.ParticipantTenant || conv.Type == entity.ConversationTenantTenant {
		return other
	}
	return requester
}
