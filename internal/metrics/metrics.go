package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// Metrics holds the messaging collectors and the registry they are exposed from
type Metrics struct {
	registry *prometheus.Registry

	messagesAppended      *prometheus.CounterVec
	counterConflicts      prometheus.Counter
	counterUpdateFailures prometheus.Counter
	backfillFailures      prometheus.Counter
	unreadCorrections     prometheus.Counter
	rateLimited           prometheus.Counter
	limiterLatency        prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "messages_appended_total",
			Help:      "Messages durably appended, by message type.",
		}, []string{"type"}),
		counterConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "unread_counter_conflicts_total",
			Help:      "Concurrent writer conflicts seen while updating unread counters.",
		}),
		counterUpdateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "unread_counter_update_failures_total",
			Help:      "Appends whose counter update failed after the message was stored.",
		}),
		backfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "tenant_context_backfill_failures_total",
			Help:      "Failed best-effort tenant context patches.",
		}),
		unreadCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "unread_reconcile_corrections_total",
			Help:      "Sum of absolute unread counter corrections made by reconciliation.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "send_rate_limited_total",
			Help:      "Send attempts rejected by the rate limiter.",
		}),
		limiterLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inbox",
			Name:      "rate_limiter_duration_seconds",
			Help:      "Latency of rate limiter checks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesAppended,
		m.counterConflicts,
		m.counterUpdateFailures,
		m.backfillFailures,
		m.unreadCorrections,
		m.rateLimited,
		m.limiterLatency,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageAppended(msgType entity.MessageType) {
	m.messagesAppended.WithLabelValues(string(msgType)).Inc()
}

func (m *Metrics) CounterConflict() {
	m.counterConflicts.Inc()
}

func (m *Metrics) CounterUpdateFailed() {
	m.counterUpdateFailures.Inc()
}

func (m *Metrics) TenantContextBackfillFailed() {
	m.backfillFailures.Inc()
}

func (m *Metrics) UnreadCorrected(delta int) {
	m.unreadCorrections.Add(float64(delta))
}

// Limiter is the send limiter contract being instrumented
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// InstrumentLimiter counts rejections and times checks of l
func (m *Metrics) InstrumentLimiter(l Limiter) Limiter {
	return &instrumentedLimiter{next: l, m: m}
}

type instrumentedLimiter struct {
	next Limiter
	m    *Metrics
}

func (l *instrumentedLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	start := time.Now()
	allowed, retryAfter, err := l.next.Allow(ctx, key)
	l.m.limiterLatency.Observe(time.Since(start).Seconds())
	if err == nil && !allowed {
		l.m.rateLimited.Inc()
	}
	return allowed, retryAfter, err
}
