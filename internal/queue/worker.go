package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// Notifier delivers message notifications to the outside world
type Notifier interface {
	NotifyMessageAppended(ctx context.Context, evt entity.MessageAppended) error
}

// LogNotifier only logs events. It is the default until a delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyMessageAppended(_ context.Context, evt entity.MessageAppended) error {
	n.Logger.Info("message appended",
		"message_id", evt.MessageID,
		"conversation_id", evt.ConversationID,
		"recipient", evt.Recipient.Key(),
		"message_type", evt.Type,
	)
	return nil
}

// Handler decodes message events and forwards them to a Notifier
type Handler struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewHandler creates a new event handler
func NewHandler(notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{notifier: notifier, logger: logger}
}

// ProcessTask implements asynq.Handler. Undecodable payloads are not retried.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var evt entity.MessageAppended
	if err := json.Unmarshal(task.Payload(), &evt); err != nil {
		return fmt.Errorf("decoding %s: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	if evt.MessageID == "" || evt.ConversationID == "" {
		return fmt.Errorf("incomplete %s event: %w", task.Type(), asynq.SkipRetry)
	}

	if err := h.notifier.NotifyMessageAppended(ctx, evt); err != nil {
		return fmt.Errorf("notifying recipient %s: %w", evt.Recipient.Key(), err)
	}
	return nil
}

// Worker runs the asynq server consuming messaging events
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewWorker creates a worker reading from the configured queue
func NewWorker(redisOpt asynq.RedisConnOpt, cfg Config, handler *Handler, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeMessageAppended, handler)

	return &Worker{server: srv, mux: mux, logger: logger}
}

// Run starts processing and blocks until ctx is cancelled, then shuts down gracefully
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	w.logger.Info("worker started")

	<-ctx.Done()

	w.server.Shutdown()
	w.logger.Info("worker stopped")
	return nil
}
