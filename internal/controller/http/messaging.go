package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
	"github.com/vadim/neo-inbox/internal/domain/messaging/policy"
	"github.com/vadim/neo-inbox/internal/httpx/auth"
	"github.com/vadim/neo-inbox/internal/httpx/response"
)

// MessagingPolicy defines the interface for messaging operations
type MessagingPolicy interface {
	CreateConversation(ctx context.Context, in policy.CreateConversationInput) (*entity.Conversation, error)
	ListConversations(ctx context.Context, in policy.ListConversationsInput) ([]entity.ConversationView, error)
	ListMessages(ctx context.Context, in policy.ListMessagesInput) ([]entity.Message, error)
	SendMessage(ctx context.Context, in policy.SendMessageInput) (*policy.SendMessageOutput, error)
	MarkRead(ctx context.Context, in policy.MarkReadInput) (entity.Participant, error)
	ResolveStructuredRequest(ctx context.Context, in policy.ResolveRequestInput) (*entity.Message, error)
}

// MessagingHandler handles HTTP requests for conversations and messages
type MessagingHandler struct {
	policy   MessagingPolicy
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMessagingHandler creates a new messaging handler
func NewMessagingHandler(p MessagingPolicy, logger *slog.Logger) *MessagingHandler {
	return &MessagingHandler{
		policy:   p,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RegisterRoutes registers messaging routes. Callers mount them behind auth.Middleware.
func (h *MessagingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.CreateConversation())
		r.Get("/", h.ListConversations())
		r.Get("/{conversationId}/messages", h.ListMessages())
		r.Post("/{conversationId}/messages", h.SendMessage())
		r.Post("/{conversationId}/read", h.MarkRead())
	})

	// Consumed by the workflow system, not by end users
	r.Post("/workflow/messages/{messageId}/resolve", h.ResolveStructuredRequest())
}

// ParticipantRequest identifies one side of a conversation
type ParticipantRequest struct {
	Kind         string `json:"kind" validate:"required,oneof=individual tenant"`
	IndividualID string `json:"individual_id" validate:"required_if=Kind individual"`
	TenantKind   string `json:"tenant_kind" validate:"required_if=Kind tenant"`
	TenantID     string `json:"tenant_id" validate:"required_if=Kind tenant"`
}

func (p ParticipantRequest) toEntity() entity.Participant {
	if p.Kind == string(entity.ParticipantIndividual) {
		return entity.Individual(p.IndividualID)
	}
	return entity.Tenant(p.TenantKind, p.TenantID)
}

// TenantRefRequest references a tenant
type TenantRefRequest struct {
	Kind string `json:"tenant_kind" validate:"required"`
	ID   string `json:"tenant_id" validate:"required"`
}

// CreateConversationRequest represents the request body for opening a conversation
type CreateConversationRequest struct {
	Participants  []ParticipantRequest `json:"participants" validate:"required,len=2,dive"`
	TenantContext *TenantRefRequest    `json:"tenant_context" validate:"omitempty"`
}

// CreateConversation handles POST /conversations
func (h *MessagingHandler) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		var req CreateConversationRequest
		if !h.decode(w, r, &req) {
			return
		}

		in := policy.CreateConversationInput{
			ActorID:      id.ActorID,
			Participants: [2]entity.Participant{req.Participants[0].toEntity(), req.Participants[1].toEntity()},
		}
		if req.TenantContext != nil {
			in.TenantContext = &entity.TenantRef{Kind: req.TenantContext.Kind, ID: req.TenantContext.ID}
		}

		conv, err := h.policy.CreateConversation(r.Context(), in)
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		response.Created(w, conv)
	}
}

// ListConversationsResponse represents the response for listing an inbox
type ListConversationsResponse struct {
	Items []entity.ConversationView `json:"items"`
}

// ListConversations handles GET /conversations?as=individual|tenant
func (h *MessagingHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		q := r.URL.Query()
		as := policy.Inbox(q.Get("as"))
		if as != "" && as != policy.InboxIndividual && as != policy.InboxTenant {
			response.BadRequest(w, "as must be individual or tenant")
			return
		}
		limit, offset := pageParams(r)

		items, err := h.policy.ListConversations(r.Context(), policy.ListConversationsInput{
			ActorID: id.ActorID,
			As:      as,
			Tenant:  entity.TenantRef{Kind: q.Get("tenant_kind"), ID: q.Get("tenant_id")},
			Offset:  offset,
			Limit:   limit,
		})
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		if items == nil {
			items = []entity.ConversationView{}
		}
		response.OK(w, ListConversationsResponse{Items: items})
	}
}

// ListMessagesResponse represents the response for listing messages
type ListMessagesResponse struct {
	Items []entity.Message `json:"items"`
}

// ListMessages handles GET /conversations/{conversationId}/messages
func (h *MessagingHandler) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		var before time.Time
		if b := r.URL.Query().Get("before"); b != "" {
			parsed, err := time.Parse(time.RFC3339Nano, b)
			if err != nil {
				response.BadRequest(w, "before must be an RFC3339 timestamp")
				return
			}
			before = parsed
		}
		limit, offset := pageParams(r)

		items, err := h.policy.ListMessages(r.Context(), policy.ListMessagesInput{
			ActorID:        id.ActorID,
			ConversationID: chi.URLParam(r, "conversationId"),
			Before:         before,
			Offset:         offset,
			Limit:          limit,
		})
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		if items == nil {
			items = []entity.Message{}
		}
		response.OK(w, ListMessagesResponse{Items: items})
	}
}

// SendMessageRequest represents the request body for sending a message
type SendMessageRequest struct {
	Text    string          `json:"text"`
	Type    string          `json:"message_type" validate:"omitempty,oneof=text order_request event_request"`
	Payload *PayloadRequest `json:"structured_payload" validate:"omitempty"`
}

// PayloadRequest carries the data of a structured request
type PayloadRequest struct {
	Data map[string]any `json:"data" validate:"required"`
}

// SendMessageResponse represents the response for sending a message
type SendMessageResponse struct {
	Message *entity.Message    `json:"message"`
	As      entity.Participant `json:"as"`
}

// SendMessage handles POST /conversations/{conversationId}/messages
func (h *MessagingHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		var req SendMessageRequest
		if !h.decode(w, r, &req) {
			return
		}

		in := policy.SendMessageInput{
			ActorID:        id.ActorID,
			ConversationID: chi.URLParam(r, "conversationId"),
			Text:           req.Text,
			Type:           entity.MessageType(req.Type),
		}
		if req.Payload != nil {
			in.Payload = &entity.StructuredPayload{Data: req.Payload.Data}
		}

		out, err := h.policy.SendMessage(r.Context(), in)
		if err != nil && out != nil {
			// Stored but counters are stale; resending would duplicate the message
			h.logger.Warn("message stored with stale counters", "message_id", out.Message.ID, "error", err)
			response.ServiceUnavailable(w, "message stored, unread counters not updated", map[string]any{
				"message_id": out.Message.ID,
			})
			return
		}
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		response.Created(w, SendMessageResponse{Message: out.Message, As: out.As})
	}
}

// MarkReadResponse represents the response for marking a conversation read
type MarkReadResponse struct {
	OK bool               `json:"ok"`
	As entity.Participant `json:"as"`
}

// MarkRead handles POST /conversations/{conversationId}/read
func (h *MessagingHandler) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		as, err := h.policy.MarkRead(r.Context(), policy.MarkReadInput{
			ActorID:        id.ActorID,
			ConversationID: chi.URLParam(r, "conversationId"),
		})
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		response.OK(w, MarkReadResponse{OK: true, As: as})
	}
}

// ResolveRequestRequest represents a workflow decision on a structured request
type ResolveRequestRequest struct {
	Status       string `json:"status" validate:"required,oneof=accepted declined"`
	ResponseText string `json:"response_text"`
}

// ResolveRequestResponse represents the result of resolving a request
type ResolveRequestResponse struct {
	OK    bool            `json:"ok"`
	Reply *entity.Message `json:"reply,omitempty"`
}

// ResolveStructuredRequest handles POST /workflow/messages/{messageId}/resolve
func (h *MessagingHandler) ResolveStructuredRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			response.Unauthorized(w, entity.ErrUnauthenticated.Error())
			return
		}

		var req ResolveRequestRequest
		if !h.decode(w, r, &req) {
			return
		}

		reply, err := h.policy.ResolveStructuredRequest(r.Context(), policy.ResolveRequestInput{
			ActorID:      id.ActorID,
			Roles:        id.Roles,
			MessageID:    chi.URLParam(r, "messageId"),
			Status:       req.Status,
			ResponseText: req.ResponseText,
		})
		if err != nil {
			h.handleError(w, r, err)
			return
		}

		response.OK(w, ResolveRequestResponse{OK: true, Reply: reply})
	}
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure
func (h *MessagingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.BadRequest(w, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// pageParams parses limit and offset, ignoring malformed values
func pageParams(r *http.Request) (limit, offset int) {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func (h *MessagingHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var rateLimited *entity.RateLimitError

	switch {
	case errors.As(err, &rateLimited):
		response.TooManyRequests(w, entity.ErrRateLimited.Error(), rateLimited.RetryAfter)
	case errors.Is(err, entity.ErrUnauthenticated):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, entity.ErrForbidden):
		response.Forbidden(w, entity.ErrForbidden.Error())
	case errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrMessageNotFound),
		errors.Is(err, entity.ErrTenantNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, entity.ErrInvalidStatusTransition):
		response.Conflict(w, err.Error())
	case entity.IsInvalid(err):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrConflict):
		response.ServiceUnavailable(w, "conversation is busy, try again", nil)
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.InternalError(w, "internal server error")
	}
}
