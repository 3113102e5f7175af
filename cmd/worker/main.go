package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/vadim/neo-inbox/internal/app"
	"github.com/vadim/neo-inbox/internal/config"
	"github.com/vadim/neo-inbox/internal/queue"
)

func main() {
	cfg := config.MustLoad()
	logger := app.NewLogger(cfg.Log).With("component", "worker")

	redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("failed to parse REDIS_URL: %v", err)
	}

	handler := queue.NewHandler(queue.LogNotifier{Logger: logger}, logger)
	worker := queue.NewWorker(redisOpt, queue.Config{
		Queue:       cfg.Queue.Name,
		MaxRetry:    cfg.Queue.MaxRetry,
		Concurrency: cfg.Queue.Concurrency,
	}, handler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil {
		log.Printf("worker error: %v", err)
		os.Exit(1)
	}
}
