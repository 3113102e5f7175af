package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// ConversationRepository defines the interface for conversation storage.
// Lookups return (nil, nil) when nothing matches.
type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	GetByCompositeKey(ctx context.Context, compositeKey string) (*entity.Conversation, error)
	// Create assigns conv.ID and stores it; a clash on the composite key
	// returns entity.ErrDuplicateConversation.
	Create(ctx context.Context, conv *entity.Conversation) error
	SetTenantContext(ctx context.Context, id string, tc entity.TenantRef) error
	// RecordMessage bumps every counter except the sender's and refreshes the
	// last message fields. Stores without an atomic primitive return
	// entity.ErrConflict when a concurrent writer won.
	RecordMessage(ctx context.Context, id, senderKey, preview string, at time.Time) error
	MarkRead(ctx context.Context, id, participantKey string, at time.Time) error
	ListByParticipant(ctx context.Context, participantKey string, limit, offset int) ([]entity.Conversation, error)
	ListByTenant(ctx context.Context, ref entity.TenantRef, limit, offset int) ([]entity.Conversation, error)
	// ListStale returns conversations idle since before quietBefore whose
	// counters were not reconciled after their last message.
	ListStale(ctx context.Context, quietBefore time.Time, limit int) ([]entity.Conversation, error)
	// SetUnread overwrites counters and advances the last message fields to last
	// if lastMessageAt still equals expectedLastMessageAt, otherwise it returns
	// entity.ErrConflict.
	SetUnread(ctx context.Context, id string, expectedLastMessageAt time.Time, last entity.LastMessage, counts map[string]int, at time.Time) error
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	// Create assigns msg.ID and stores the message
	Create(ctx context.Context, msg *entity.Message) error
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	// ListByConversation returns messages with createdAt <= before, newest first
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit, offset int) ([]entity.Message, error)
	// UpdatePayloadStatus patches the payload status only while it still equals from
	UpdatePayloadStatus(ctx context.Context, id string, from, to entity.RequestStatus, at time.Time) error
	// CountFrom counts messages created strictly after `after` (all when nil).
	// An empty senderKey counts every sender.
	CountFrom(ctx context.Context, conversationID, senderKey string, after *time.Time) (int, error)
}

// Directory is the membership lookup owned by the surrounding application
type Directory interface {
	Memberships(ctx context.Context, actorID string) ([]entity.TenantRef, error)
	TenantExists(ctx context.Context, ref entity.TenantRef) (bool, error)
	TenantName(ctx context.Context, ref entity.TenantRef) (string, error)
}

// EventPublisher hands events to asynchronous consumers
type EventPublisher interface {
	PublishMessageAppended(ctx context.Context, evt entity.MessageAppended) error
}

// Recorder receives operational signals
type Recorder interface {
	MessageAppended(msgType entity.MessageType)
	CounterConflict()
	CounterUpdateFailed()
	TenantContextBackfillFailed()
	UnreadCorrected(delta int)
}

// Config holds tunables of the messaging core
type Config struct {
	MaxTextLength   int
	CounterRetries  int
	RetryBackoff    time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = entity.DefaultMaxTextLength
	}
	if c.CounterRetries <= 0 {
		c.CounterRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 30
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	return c
}

// Service handles conversation and message business logic
type Service struct {
	convRepo  ConversationRepository
	msgRepo   MessageRepository
	directory Directory
	publisher EventPublisher
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// Option configures optional collaborators
type Option func(*Service)

// WithPublisher sets the event publisher
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new messaging service
func New(
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	directory Directory,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		directory: directory,
		publisher: noopPublisher{},
		recorder:  noopRecorder{},
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxTextLength exposes the configured text limit to outer layers
func (s *Service) MaxTextLength() int {
	return s.cfg.MaxTextLength
}

func (s *Service) pageSize(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

type noopPublisher struct{}

func (noopPublisher) PublishMessageAppended(context.Context, entity.MessageAppended) error {
	return nil
}

type noopRecorder struct{}

func (noopRecorder) MessageAppended(entity.MessageType) {}
func (noopRecorder) CounterConflict()                   {}
func (noopRecorder) CounterUpdateFailed()               {}
func (noopRecorder) TenantContextBackfillFailed()       {}
func (noopRecorder) UnreadCorrected(int)                {}
