package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackport/stackport/internal/domain"
)

var deployDurationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200}

// MetricsEmitter counts deployment outcomes before handing the event to the
// wrapped emitter.
type MetricsEmitter struct {
	next     Emitter
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsEmitter constructs a MetricsEmitter and registers its
// collectors, reusing any already registered by an earlier instance.
func NewMetricsEmitter(next Emitter) *MetricsEmitter {
	m := &MetricsEmitter{
		next: next,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackport",
			Subsystem: "orchestrator",
			Name:      "deployment_outcomes_total",
			Help:      "Terminal deployment outcomes by provider",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackport",
			Subsystem: "orchestrator",
			Name:      "deployment_duration_seconds",
			Help:      "Wall-clock time from deployment start to terminal state",
			Buckets:   deployDurationBuckets,
		}, []string{"provider"}),
	}

	if err := prometheus.Register(m.outcomes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.outcomes = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := prometheus.Register(m.duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return m
}

// Emit implements Emitter.
func (m *MetricsEmitter) Emit(ctx context.Context, event domain.Event) {
	outcome := ""
	switch event.Type {
	case domain.EventDeploymentSuccess:
		outcome = "success"
	case domain.EventDeploymentFailed:
		outcome = "failed"
	case domain.EventDeploymentCancelled:
		outcome = "cancelled"
	}
	if outcome != "" {
		providerName := event.Deployment.Provider
		if providerName == "" {
			providerName = "unknown"
		}
		m.outcomes.With(prometheus.Labels{"provider": providerName, "outcome": outcome}).Inc()
		if !event.Deployment.StartedAt.IsZero() && !event.OccurredAt.IsZero() {
			m.duration.With(prometheus.Labels{"provider": providerName}).Observe(event.OccurredAt.Sub(event.Deployment.StartedAt).Seconds())
		}
	}
	if m.next != nil {
		m.next.Emit(ctx, event)
	}
}
