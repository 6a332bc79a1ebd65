package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	InvalidationOutcomeApplied = "applied"
	InvalidationOutcomeSkipped = "skipped"
	InvalidationOutcomeInvalid = "invalid"
)

const (
	InvalidationReasonClosed           = "closed"
	InvalidationReasonDeadlineExceeded = "deadline_exceeded"
	InvalidationReasonCanceled         = "canceled"
	InvalidationReasonUnknown          = "unknown"
)

// InvalidationMetrics tracks the policy cache invalidation bus.
// It is exported through the prometheus default registry, which the gorm
// prometheus plugin serves when database metrics are enabled.
type InvalidationMetrics struct {
	published *prometheus.CounterVec
	received  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	entries   prometheus.Gauge
}

var (
	invalidationMetricsOnce sync.Once
	invalidationMetrics     *InvalidationMetrics
)

// Invalidation returns the singleton invalidation metrics registry.
func Invalidation() *InvalidationMetrics {
	return InvalidationWithConfig(Config{})
}

// InvalidationWithConfig returns the singleton invalidation metrics using config labels.
func InvalidationWithConfig(cfg Config) *InvalidationMetrics {
	invalidationMetricsOnce.Do(func() {
		invalidationMetrics = newInvalidationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return invalidationMetrics
}

func newInvalidationMetrics(registerer prometheus.Registerer, cfg Config) *InvalidationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitlement"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &InvalidationMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "policy_invalidation_published_total",
			Help:        "Policy cache invalidations broadcast by action.",
			ConstLabels: constLabels,
		}, []string{"action"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "policy_invalidation_received_total",
			Help:        "Policy cache invalidations received by action and outcome.",
			ConstLabels: constLabels,
		}, []string{"action", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "policy_invalidation_errors_total",
			Help:        "Invalidation bus errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"op", "reason"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "policy_cache_entries",
			Help:        "Effective policies currently cached in this instance.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(m.published, m.received, m.errors, m.entries)

	return m
}

func (m *InvalidationMetrics) IncPublished(action string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *InvalidationMetrics) IncReceived(action, outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
}

func (m *InvalidationMetrics) IncError(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(op), ClassifyInvalidationReason(err)).Inc()
}

func (m *InvalidationMetrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// ClassifyInvalidationReason maps bus errors onto a fixed label set.
func ClassifyInvalidationReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, redis.ErrClosed):
		return InvalidationReasonClosed
	case errors.Is(err, context.DeadlineExceeded):
		return InvalidationReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return InvalidationReasonCanceled
	default:
		return InvalidationReasonUnknown
	}
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
