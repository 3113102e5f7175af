package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
	"github.com/vadim/neo-inbox/internal/domain/messaging/policy"
	"github.com/vadim/neo-inbox/internal/httpx/auth"
)

type fakePolicy struct {
	err        error
	sendOut    *policy.SendMessageOutput
	lastCreate policy.CreateConversationInput
	lastList   policy.ListConversationsInput
	lastMsgs   policy.ListMessagesInput
	lastSend   policy.SendMessageInput
	lastResolv policy.ResolveRequestInput
}

func (f *fakePolicy) CreateConversation(_ context.Context, in policy.CreateConversationInput) (*entity.Conversation, error) {
	f.lastCreate = in
	if f.err != nil {
		return nil, f.err
	}
	return &entity.Conversation{ID: "conv-1", Participants: in.Participants}, nil
}

func (f *fakePolicy) ListConversations(_ context.Context, in policy.ListConversationsInput) ([]entity.ConversationView, error) {
	f.lastList = in
	return nil, f.err
}

func (f *fakePolicy) ListMessages(_ context.Context, in policy.ListMessagesInput) ([]entity.Message, error) {
	f.lastMsgs = in
	if f.err != nil {
		return nil, f.err
	}
	return []entity.Message{{ID: "m1", Text: "Hello"}}, nil
}

func (f *fakePolicy) SendMessage(_ context.Context, in policy.SendMessageInput) (*policy.SendMessageOutput, error) {
	f.lastSend = in
	if f.sendOut != nil {
		return f.sendOut, f.err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &policy.SendMessageOutput{Message: &entity.Message{ID: "m1", Text: in.Text}, As: entity.Individual(in.ActorID)}, nil
}

func (f *fakePolicy) MarkRead(_ context.Context, in policy.MarkReadInput) (entity.Participant, error) {
	return entity.Individual(in.ActorID), f.err
}

func (f *fakePolicy) ResolveStructuredRequest(_ context.Context, in policy.ResolveRequestInput) (*entity.Message, error) {
	f.lastResolv = in
	return nil, f.err
}

type testServer struct {
	router   *chi.Mux
	verifier *auth.Verifier
	policy   *fakePolicy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	p := &fakePolicy{}
	v := auth.NewVerifier("test-secret", "")

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(v))
		NewMessagingHandler(p, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(r)
	})
	return &testServer{router: r, verifier: v, policy: p}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		token, err := s.verifier.Issue(actor, []string{"workflow"}, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateConversation_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/conversations", "u1", map[string]any{
		"participants": []map[string]string{
			{"kind": "individual", "individual_id": "u1"},
			{"kind": "tenant", "tenant_kind": "company", "tenant_id": "c1"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "u1", s.policy.lastCreate.ActorID)
	require.True(t, s.policy.lastCreate.Participants[1].Equal(entity.Tenant("company", "c1")))

	rec = s.do(t, http.MethodPost, "/conversations", "u1", map[string]any{
		"participants": []map[string]string{{"kind": "individual", "individual_id": "u1"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/conversations", "u1", map[string]any{
		"participants": []map[string]string{
			{"kind": "individual"},
			{"kind": "tenant", "tenant_kind": "company", "tenant_id": "c1"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "forbidden", err: entity.ErrForbidden, code: http.StatusForbidden},
		{name: "unauthenticated", err: entity.ErrUnauthenticated, code: http.StatusUnauthorized},
		{name: "conversation not found", err: fmt.Errorf("get: %w", entity.ErrConversationNotFound), code: http.StatusNotFound},
		{name: "tenant not found", err: fmt.Errorf("company:c9: %w", entity.ErrTenantNotFound), code: http.StatusNotFound},
		{name: "invalid", err: entity.ErrEmptyMessage, code: http.StatusBadRequest},
		{name: "too long", err: entity.ErrMessageTooLong, code: http.StatusBadRequest},
		{name: "transition", err: entity.ErrInvalidStatusTransition, code: http.StatusConflict},
		{name: "conflict", err: entity.ErrConflict, code: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.policy.err = tt.err
			rec := s.do(t, http.MethodPost, "/conversations/conv-1/messages", "u1", map[string]string{"text": "hi"})
			require.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	s := newTestServer(t)
	s.policy.err = &entity.RateLimitError{RetryAfter: 3 * time.Second}

	rec := s.do(t, http.MethodPost, "/conversations/conv-1/messages", "u1", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3", rec.Header().Get("Retry-After"))
}

func TestSendMessage_StoredWithStaleCounters(t *testing.T) {
	s := newTestServer(t)
	s.policy.sendOut = &policy.SendMessageOutput{Message: &entity.Message{ID: "m-kept"}}
	s.policy.err = fmt.Errorf("updating unread counters: %w", entity.ErrConflict)

	rec := s.do(t, http.MethodPost, "/conversations/conv-1/messages", "u1", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "m-kept", body["message_id"])
}

func TestSendMessage_StructuredRequest(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/conversations/conv-1/messages", "u1", map[string]any{
		"message_type":       "order_request",
		"structured_payload": map[string]any{"data": map[string]any{"item": "cake"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, entity.MessageTypeOrderRequest, s.policy.lastSend.Type)
	require.Equal(t, "cake", s.policy.lastSend.Payload.Data["item"])
	require.Equal(t, "conv-1", s.policy.lastSend.ConversationID)

	rec = s.do(t, http.MethodPost, "/conversations/conv-1/messages", "u1", map[string]any{"message_type": "voice"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/conversations?as=tenant&tenant_kind=company&tenant_id=c1&limit=5&offset=10", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())
	require.Equal(t, policy.InboxTenant, s.policy.lastList.As)
	require.Equal(t, entity.TenantRef{Kind: "company", ID: "c1"}, s.policy.lastList.Tenant)
	require.Equal(t, 5, s.policy.lastList.Limit)
	require.Equal(t, 10, s.policy.lastList.Offset)

	rec = s.do(t, http.MethodGet, "/conversations?as=robot", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/conversations/conv-1/messages?before=2026-01-01T10:00:00Z&limit=abc", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), s.policy.lastMsgs.Before.UTC())
	require.Zero(t, s.policy.lastMsgs.Limit)

	rec = s.do(t, http.MethodGet, "/conversations/conv-1/messages?before=yesterday", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkReadAndResolve(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/conversations/conv-1/read", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok":true`)

	rec = s.do(t, http.MethodPost, "/workflow/messages/m1/resolve", "bot", map[string]string{"status": "accepted"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "m1", s.policy.lastResolv.MessageID)
	require.Equal(t, []string{"workflow"}, s.policy.lastResolv.Roles)

	rec = s.do(t, http.MethodPost, "/workflow/messages/m1/resolve", "bot", map[string]string{"status": "maybe"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
