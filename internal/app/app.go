package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/vadim/neo-inbox/internal/config"
	httpcontroller "github.com/vadim/neo-inbox/internal/controller/http"
	"github.com/vadim/neo-inbox/internal/database"
	"github.com/vadim/neo-inbox/internal/domain/messaging/dao"
	"github.com/vadim/neo-inbox/internal/domain/messaging/policy"
	"github.com/vadim/neo-inbox/internal/domain/messaging/scheduler"
	"github.com/vadim/neo-inbox/internal/domain/messaging/service"
	"github.com/vadim/neo-inbox/internal/httpx/auth"
	"github.com/vadim/neo-inbox/internal/metrics"
	"github.com/vadim/neo-inbox/internal/queue"
	"github.com/vadim/neo-inbox/internal/ratelimit"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Infrastructure, set depending on the configured store driver
	pg          *pgxpool.Pool
	badgerDB    *badger.DB
	dynamo      *dynamodb.Client
	redis       *redis.Client
	asynqClient *asynq.Client

	stores stores

	// Domain policies (interfaces for HTTP handlers)
	messagingPolicy *policy.Policy

	// Scheduler for unread counter reconciliation
	scheduler *scheduler.Scheduler
}

// stores groups the repositories of the selected backend
type stores struct {
	conversations service.ConversationRepository
	messages      service.MessageRepository
	directory     interface {
		service.Directory
		DirectoryWriter
	}
}

// NewLogger creates the JSON logger shared by every process
func NewLogger(cfg config.Log) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger := NewLogger(cfg.Log)

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))

	app := &App{
		cfg:     cfg,
		router:  r,
		logger:  logger,
		metrics: metrics.New(),
	}

	// Initialize infrastructure
	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	// Initialize domain layers
	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	// Register routes
	if err := app.registerRoutes(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("registering routes: %w", err)
	}

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// initInfrastructure connects the store backend, redis and the task queue
func (a *App) initInfrastructure(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.pg = pool
		if a.cfg.Database.AutoMigrate {
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
		}
		a.stores.conversations = dao.NewConversationPostgres(pool)
		a.stores.messages = dao.NewMessagePostgres(pool)
		a.stores.directory = dao.NewDirectoryPostgres(pool)

	case config.DriverBadger:
		db, err := database.NewBadger(a.cfg.Badger, a.logger)
		if err != nil {
			return err
		}
		a.badgerDB = db
		a.stores.conversations = dao.NewConversationBadger(db)
		a.stores.messages = dao.NewMessageBadger(db)
		a.stores.directory = dao.NewDirectoryBadger(db)

	case config.DriverDynamoDB:
		client := database.NewDynamoDB(a.cfg.DynamoDB)
		if err := database.EnsureDynamoTable(ctx, client, a.cfg.DynamoDB.Table); err != nil {
			return err
		}
		a.dynamo = client
		if err := a.initDynamoStores(client); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}

	if a.cfg.Redis.URL != "" {
		client, err := database.NewRedis(ctx, a.cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = client
	}

	if a.cfg.Queue.Enabled {
		opt, err := asynq.ParseRedisURI(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("asynq: parse REDIS_URL: %w", err)
		}
		a.asynqClient = asynq.NewClient(opt)
	}

	return nil
}

func (a *App) initDynamoStores(client *dynamodb.Client) error {
	table := a.cfg.DynamoDB.Table

	conversations, err := dao.NewConversationDynamo(client, table)
	if err != nil {
		return err
	}
	messages, err := dao.NewMessageDynamo(client, table)
	if err != nil {
		return err
	}
	directory, err := dao.NewDirectoryDynamo(client, table)
	if err != nil {
		return err
	}

	a.stores.conversations = conversations
	a.stores.messages = messages
	a.stores.directory = directory
	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy)
func (a *App) initDomains(ctx context.Context) error {
	if path := a.cfg.Store.DirectorySeedFile; path != "" {
		tenants, memberships, err := SeedDirectory(ctx, a.stores.directory, path)
		if err != nil {
			return fmt.Errorf("seeding directory: %w", err)
		}
		a.logger.Info("directory seeded", "tenants", tenants, "memberships", memberships)
	}

	opts := []service.Option{service.WithRecorder(a.metrics)}
	if a.asynqClient != nil {
		opts = append(opts, service.WithPublisher(queue.NewPublisher(a.asynqClient, a.queueConfig())))
	}

	svc := service.New(
		a.stores.conversations,
		a.stores.messages,
		a.stores.directory,
		service.Config{
			MaxTextLength:   a.cfg.Messaging.MaxTextLength,
			CounterRetries:  a.cfg.Messaging.CounterRetries,
			RetryBackoff:    a.cfg.Messaging.RetryBackoff,
			DefaultPageSize: a.cfg.Messaging.DefaultPageSize,
			MaxPageSize:     a.cfg.Messaging.MaxPageSize,
		},
		a.logger.With("component", "messaging"),
		opts...,
	)

	limiter, err := a.newLimiter()
	if err != nil {
		return err
	}

	a.messagingPolicy = policy.New(svc, a.stores.directory, limiter, a.cfg.Auth.WorkflowRole)

	if a.cfg.Reconcile.Enabled {
		a.scheduler = scheduler.New(svc, scheduler.Config{
			Interval:  a.cfg.Reconcile.Interval,
			Quiet:     a.cfg.Reconcile.Quiet,
			BatchSize: a.cfg.Reconcile.BatchSize,
		}, a.logger.With("component", "reconcile"))
	}

	return nil
}

// newLimiter picks a limiter shared by all instances. Redis is preferred;
// the badger limiter is only valid because a badger store means a single node.
func (a *App) newLimiter() (policy.SendLimiter, error) {
	if !a.cfg.RateLimit.Enabled {
		return nil, nil
	}

	cfg := ratelimit.Config{
		Limit:  a.cfg.RateLimit.Sends,
		Window: a.cfg.RateLimit.Window,
	}

	switch {
	case a.redis != nil:
		return a.metrics.InstrumentLimiter(ratelimit.NewRedisLimiter(a.redis, cfg)), nil
	case a.badgerDB != nil:
		return a.metrics.InstrumentLimiter(ratelimit.NewBadgerLimiter(a.badgerDB, cfg)), nil
	default:
		return nil, errors.New("rate limiting needs REDIS_URL unless the badger store is used")
	}
}

func (a *App) queueConfig() queue.Config {
	return queue.Config{
		Queue:       a.cfg.Queue.Name,
		MaxRetry:    a.cfg.Queue.MaxRetry,
		Concurrency: a.cfg.Queue.Concurrency,
	}
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() error {
	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)
	a.router.Handle("/metrics", a.metrics.Handler())

	// Swagger UI documentation
	swaggerHandler, err := httpcontroller.NewSwaggerHandler("Neo-Inbox Messaging API", OpenAPISpec)
	if err != nil {
		return err
	}
	swaggerHandler.RegisterRoutes(a.router)

	if a.cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	verifier := auth.NewVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)

	// API v1
	a.router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		messagingHandler := httpcontroller.NewMessagingHandler(a.messagingPolicy, a.logger.With("component", "http"))
		messagingHandler.RegisterRoutes(r)
	})
	return nil
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// readyHandler reports whether the store and redis answer
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) ping(ctx context.Context) error {
	switch {
	case a.pg != nil:
		if err := a.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	case a.badgerDB != nil:
		if a.badgerDB.IsClosed() {
			return errors.New("badger: closed")
		}
	case a.dynamo != nil:
		_, err := a.dynamo.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.cfg.DynamoDB.Table)})
		if err != nil {
			return fmt.Errorf("dynamodb: %w", err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Handler exposes the router, mainly for tests
func (a *App) Handler() http.Handler {
	return a.router
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Start scheduler if enabled
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address(), "store", a.cfg.Store.Driver)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	// Stop scheduler
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	a.closeInfrastructure()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.asynqClient != nil {
		if err := a.asynqClient.Close(); err != nil {
			a.logger.Warn("closing asynq client", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.badgerDB != nil {
		if err := a.badgerDB.Close(); err != nil {
			a.logger.Warn("closing badger", "error", err)
		}
	}
}
