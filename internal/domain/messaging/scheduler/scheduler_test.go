package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	calls atomic.Int32
	quiet atomic.Int64
	err   error
}

func (r *countingReconciler) ReconcileStale(_ context.Context, quiet time.Duration, _ int) (int, error) {
	r.calls.Add(1)
	r.quiet.Store(int64(quiet))
	return 1, r.err
}

func newTestScheduler(r Reconciler) *Scheduler {
	return New(r, Config{
		Interval:   10 * time.Millisecond,
		Quiet:      time.Minute,
		StartDelay: time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	r := &countingReconciler{}
	s := newTestScheduler(r)

	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(time.Minute), r.quiet.Load())

	s.Stop()
	s.Stop()

	after := r.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, r.calls.Load())
}

func TestScheduler_KeepsRunningAfterErrors(t *testing.T) {
	r := &countingReconciler{err: errors.New("store unavailable")}
	s := newTestScheduler(r)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	r := &countingReconciler{}
	s := New(r, Config{Interval: time.Hour, StartDelay: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()

	require.Zero(t, r.calls.Load())
}
