package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
	"github.com/vadim/neo-inbox/internal/domain/messaging/service"
)

// MessagingService defines the interface for the messaging service
type MessagingService interface {
	ResolveIdentity(ctx context.Context, actorID, conversationID string) (*entity.Conversation, entity.Participant, error)
	GetOrCreate(ctx context.Context, in service.GetOrCreateInput) (*entity.Conversation, error)
	Append(ctx context.Context, in service.AppendInput) (*entity.Message, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) ([]entity.Message, error)
	MarkRead(ctx context.Context, conversationID string, participant entity.Participant) error
	ListForIndividual(ctx context.Context, individualID string, in service.ListConversationsInput) ([]entity.ConversationView, error)
	ListForTenant(ctx context.Context, ref entity.TenantRef, in service.ListConversationsInput) ([]entity.ConversationView, error)
	ResolveStructuredRequest(ctx context.Context, in service.ResolveRequestInput) (*entity.Message, error)
	MaxTextLength() int
}

// Directory provides membership information for authorization
type Directory interface {
	Memberships(ctx context.Context, actorID string) ([]entity.TenantRef, error)
	TenantExists(ctx context.Context, ref entity.TenantRef) (bool, error)
}

// SendLimiter decides whether a sender may send now.
// When not allowed it returns how long to wait.
type SendLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Policy handles messaging operations on behalf of a verified actor
type Policy struct {
	svc          MessagingService
	directory    Directory
	limiter      SendLimiter
	workflowRole string
}

// New creates a new messaging policy. A nil limiter disables send rate limiting.
func New(svc MessagingService, directory Directory, limiter SendLimiter, workflowRole string) *Policy {
	return &Policy{
		svc:          svc,
		directory:    directory,
		limiter:      limiter,
		workflowRole: workflowRole,
	}
}

// CreateConversationInput represents input for opening a conversation
type CreateConversationInput struct {
	ActorID       string
	Participants  [2]entity.Participant
	TenantContext *entity.TenantRef
}

// CreateConversation opens or returns the conversation of a pair the actor belongs to
func (p *Policy) CreateConversation(ctx context.Context, in CreateConversationInput) (*entity.Conversation, error) {
	if in.ActorID == "" {
		return nil, entity.ErrUnauthenticated
	}
	if err := entity.ValidatePair(in.Participants[0], in.Participants[1]); err != nil {
		return nil, err
	}

	memberships, err := p.directory.Memberships(ctx, in.ActorID)
	if err != nil {
		return nil, fmt.Errorf("getting memberships: %w", err)
	}
	if !entity.CanActAs(in.ActorID, memberships, in.Participants[0]) &&
		!entity.CanActAs(in.ActorID, memberships, in.Participants[1]) {
		return nil, entity.ErrForbidden
	}

	for _, participant := range in.Participants {
		ref, ok := participant.Tenant()
		if !ok {
			continue
		}
		exists, err := p.directory.TenantExists(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("checking tenant: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%s: %w", ref.Key(), entity.ErrTenantNotFound)
		}
	}

	return p.svc.GetOrCreate(ctx, service.GetOrCreateInput{
		Participants:  in.Participants,
		TenantContext: in.TenantContext,
	})
}

// Inbox selects whose conversations are listed
type Inbox string

const (
	InboxIndividual Inbox = "individual"
	InboxTenant     Inbox = "tenant"
)

// ListConversationsInput represents input for listing an inbox
type ListConversationsInput struct {
	ActorID string
	As      Inbox
	Tenant  entity.TenantRef
	Offset  int
	Limit   int
}

// ListConversations lists the actor's own inbox or a tenant inbox the actor is a member of
func (p *Policy) ListConversations(ctx context.Context, in ListConversationsInput) ([]entity.ConversationView, error) {
	if in.ActorID == "" {
		return nil, entity.ErrUnauthenticated
	}
	page := service.ListConversationsInput{Offset: in.Offset, Limit: in.Limit}

	switch in.As {
	case InboxIndividual, "":
		return p.svc.ListForIndividual(ctx, in.ActorID, page)
	case InboxTenant:
		if err := in.Tenant.Validate(); err != nil {
			return nil, err
		}
		memberships, err := p.directory.Memberships(ctx, in.ActorID)
		if err != nil {
			return nil, fmt.Errorf("getting memberships: %w", err)
		}
		if !lo.Contains(memberships, in.Tenant) {
			return nil, entity.ErrForbidden
		}
		return p.svc.ListForTenant(ctx, in.Tenant, page)
	default:
		return nil, entity.ErrInvalidParticipant
	}
}

// ListMessagesInput represents input for reading a conversation
type ListMessagesInput struct {
	ActorID        string
	ConversationID string
	Before         time.Time
	Offset         int
	Limit          int
}

// ListMessages lists messages of a conversation the actor takes part in
func (p *Policy) ListMessages(ctx context.Context, in ListMessagesInput) ([]entity.Message, error) {
	if _, _, err := p.svc.ResolveIdentity(ctx, in.ActorID, in.ConversationID); err != nil {
		return nil, err
	}

	return p.svc.ListMessages(ctx, service.ListMessagesInput{
		ConversationID: in.ConversationID,
		Before:         in.Before,
		Offset:         in.Offset,
		Limit:          in.Limit,
	})
}

// SendMessageInput represents input for sending a message
type SendMessageInput struct {
	ActorID        string
	ConversationID string
	Text           string
	Type           entity.MessageType
	Payload        *entity.StructuredPayload
}

// SendMessageOutput represents output from sending a message
type SendMessageOutput struct {
	Message *entity.Message
	As      entity.Participant
}

// SendMessage resolves the actor's identity, validates the content, rate limits the actor
// and appends the message. Rejected sends do not count against the limit.
// When the counter update fails after the message was stored, the output is returned with the error.
func (p *Policy) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageOutput, error) {
	if in.ActorID == "" {
		return nil, entity.ErrUnauthenticated
	}

	_, acting, err := p.svc.ResolveIdentity(ctx, in.ActorID, in.ConversationID)
	if err != nil {
		return nil, err
	}

	if in.Type == "" {
		in.Type = entity.MessageTypeText
	}
	if err := entity.ValidateContent(in.Type, in.Text, in.Payload, p.svc.MaxTextLength()); err != nil {
		return nil, err
	}

	if p.limiter != nil {
		allowed, retryAfter, err := p.limiter.Allow(ctx, "send:"+in.ActorID)
		if err != nil {
			return nil, fmt.Errorf("checking rate limit: %w", err)
		}
		if !allowed {
			return nil, &entity.RateLimitError{RetryAfter: retryAfter}
		}
	}

	msg, err := p.svc.Append(ctx, service.AppendInput{
		ConversationID: in.ConversationID,
		Sender:         acting,
		Text:           in.Text,
		Type:           in.Type,
		Payload:        in.Payload,
	})
	if msg == nil {
		return nil, err
	}
	return &SendMessageOutput{Message: msg, As: acting}, err
}

// MarkReadInput represents input for marking a conversation read
type MarkReadInput struct {
	ActorID        string
	ConversationID string
}

// MarkRead zeroes the unread counter of the identity the actor uses in the conversation
func (p *Policy) MarkRead(ctx context.Context, in MarkReadInput) (entity.Participant, error) {
	_, acting, err := p.svc.ResolveIdentity(ctx, in.ActorID, in.ConversationID)
	if err != nil {
		return entity.Participant{}, err
	}

	if err := p.svc.MarkRead(ctx, in.ConversationID, acting); err != nil {
		return entity.Participant{}, err
	}
	return acting, nil
}

// ResolveRequestInput represents a workflow decision
type ResolveRequestInput struct {
	ActorID      string
	Roles        []string
	MessageID    string
	Status       string
	ResponseText string
}

// ResolveStructuredRequest lets a workflow actor accept or decline a structured request
func (p *Policy) ResolveStructuredRequest(ctx context.Context, in ResolveRequestInput) (*entity.Message, error) {
	if in.ActorID == "" {
		return nil, entity.ErrUnauthenticated
	}
	if !lo.Contains(in.Roles, p.workflowRole) {
		return nil, entity.ErrForbidden
	}

	status, err := entity.ParseRequestStatus(in.Status)
	if err != nil {
		return nil, err
	}

	return p.svc.ResolveStructuredRequest(ctx, service.ResolveRequestInput{
		MessageID:    in.MessageID,
		Status:       status,
		ResponseText: in.ResponseText,
	})
}
