package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// AppendInput represents input for appending a message
type AppendInput struct {
	ConversationID string
	Sender         entity.Participant
	Text           string
	Type           entity.MessageType
	Payload        *entity.StructuredPayload
}

// Append stores a message, then updates counters and preview.
// The message is durable before the counter update is attempted; if that update
// fails the stored message is returned together with the error.
func (s *Service) Append(ctx context.Context, in AppendInput) (*entity.Message, error) {
	if in.Type == "" {
		in.Type = entity.MessageTypeText
	}
	if err := entity.ValidateContent(in.Type, in.Text, in.Payload, s.cfg.MaxTextLength); err != nil {
		return nil, err
	}

	conv, err := s.getConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	recipient, ok := conv.Counterpart(in.Sender)
	if !ok {
		return nil, entity.ErrForbidden
	}

	var payload *entity.StructuredPayload
	if in.Payload != nil {
		payload = &entity.StructuredPayload{
			Status: entity.RequestPending,
			Data:   in.Payload.Data,
		}
	}

	msg := &entity.Message{
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Text:           in.Text,
		Type:           in.Type,
		Payload:        payload,
		CreatedAt:      s.now(),
	}
	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	s.recorder.MessageAppended(msg.Type)

	preview := entity.Preview(msg.Type, msg.Text)

	counterErr := s.withCounterRetry(ctx, func() error {
		return s.convRepo.RecordMessage(ctx, conv.ID, in.Sender.Key(), preview, msg.CreatedAt)
	})
	if counterErr != nil {
		s.recorder.CounterUpdateFailed()
		s.logger.Error("unread counter update failed, message kept",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", counterErr,
		)
	}

	evt := entity.MessageAppended{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Recipient:      recipient,
		Type:           msg.Type,
		Preview:        preview,
		CreatedAt:      msg.CreatedAt,
	}
	if err := s.publisher.PublishMessageAppended(ctx, evt); err != nil {
		s.logger.Warn("publishing message appended event failed",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", err,
		)
	}

	if counterErr != nil {
		return msg, fmt.Errorf("updating unread counters: %w", counterErr)
	}
	return msg, nil
}

// withCounterRetry retries fn while it reports entity.ErrConflict, up to the configured attempts
func (s *Service) withCounterRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.CounterRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, entity.ErrConflict) {
			return err
		}
		s.recorder.CounterConflict()
		if attempt == s.cfg.CounterRetries-1 {
			break
		}

		if err := s.pause(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%d attempts exhausted: %w", s.cfg.CounterRetries, err)
}

// pause waits an exponential backoff with jitter so contending writers spread apart
func (s *Service) pause(ctx context.Context, attempt int) error {
	backoff := s.cfg.RetryBackoff << attempt
	backoff += time.Duration(rand.Int64N(int64(s.cfg.RetryBackoff)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// ListMessagesInput represents input for listing messages
type ListMessagesInput struct {
	ConversationID string
	Before         time.Time
	Offset         int
	Limit          int
}

// ListMessages returns a page of messages newest first, with read receipts derived from
// the conversation's read watermarks
func (s *Service) ListMessages(ctx context.Context, in ListMessagesInput) ([]entity.Message, error) {
	conv, err := s.getConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	before := in.Before
	if before.IsZero() {
		before = s.now()
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}

	messages, err := s.msgRepo.ListByConversation(ctx, conv.ID, before, s.pageSize(in.Limit), offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	for i := range messages {
		messages[i].ReadBy = entity.ReadersOf(messages[i], conv.Unread)
	}
	return messages, nil
}
