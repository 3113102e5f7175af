package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// TypeMessageAppended is the task type carrying entity.MessageAppended
const TypeMessageAppended = "messaging:message_appended"

// Config holds task routing settings
type Config struct {
	Queue       string
	MaxRetry    int
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "messaging"
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher hands domain events to asynq
type Publisher struct {
	client enqueuer
	cfg    Config
}

// NewPublisher creates a publisher on top of an asynq client
func NewPublisher(client *asynq.Client, cfg Config) *Publisher {
	return &Publisher{client: client, cfg: cfg.withDefaults()}
}

// PublishMessageAppended enqueues evt once per message id
func (p *Publisher) PublishMessageAppended(ctx context.Context, evt entity.MessageAppended) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("asynq: encoding event: %w", err)
	}

	task := asynq.NewTask(TypeMessageAppended, payload)
	_, err = p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.cfg.Queue),
		asynq.MaxRetry(p.cfg.MaxRetry),
		asynq.TaskID(evt.MessageID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("asynq: enqueue %s: %w", TypeMessageAppended, err)
	}
	return nil
}
