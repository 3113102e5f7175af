package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reconciler defines the interface for repairing unread counters
type Reconciler interface {
	ReconcileStale(ctx context.Context, quiet time.Duration, limit int) (int, error)
}

// Scheduler periodically reconciles unread counters of idle conversations
type Scheduler struct {
	reconciler Reconciler
	interval   time.Duration
	quiet      time.Duration // How long a conversation must be idle before it is checked
	batchSize  int           // How many conversations to reconcile per run
	startDelay time.Duration
	logger     *slog.Logger
	stopCh     chan struct{}
	cancel     context.CancelFunc // Cancel function to stop in-flight operations
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

// Config holds configuration for the reconcile scheduler
type Config struct {
	Interval   time.Duration
	Quiet      time.Duration
	BatchSize  int
	StartDelay time.Duration
}

// New creates a new reconcile scheduler
func New(reconciler Reconciler, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Quiet == 0 {
		cfg.Quiet = 2 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = 15 * time.Second
	}

	return &Scheduler{
		reconciler: reconciler,
		interval:   cfg.Interval,
		quiet:      cfg.Quiet,
		batchSize:  cfg.BatchSize,
		startDelay: cfg.StartDelay,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("reconcile scheduler started", "interval", s.interval, "quiet", s.quiet)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for the current run to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("reconcile scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Let the app finish initializing before the first pass
	select {
	case <-time.After(s.startDelay):
		s.process(ctx)
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ticker.C:
			s.process(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process reconciles one batch of idle conversations
func (s *Scheduler) process(ctx context.Context) {
	s.logger.Debug("checking for conversations needing reconciliation")

	done, err := s.reconciler.ReconcileStale(ctx, s.quiet, s.batchSize)
	if err != nil {
		s.logger.Error("failed to reconcile conversations", "error", err, "reconciled", done)
		return
	}
	if done > 0 {
		s.logger.Info("reconciled conversations", "count", done)
	}
}
