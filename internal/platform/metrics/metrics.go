// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carelink"

// Collectors groups the service's counters. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	VisitTransitions   *prometheus.CounterVec
	AuditEntries       *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	EventPublishErrors prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		VisitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_transitions_total",
			Help:      "Visit lifecycle transitions by transition and outcome.",
		}, []string{"transition", "outcome"}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries persisted by action and data classification.",
		}, []string{"action", "classification"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be persisted.",
		}),
		EventPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Lifecycle events that could not be published.",
		}),
	}
	reg.MustRegister(c.VisitTransitions, c.AuditEntries, c.AuditWriteFailures, c.EventPublishErrors)
	return c
}

// ObserveTransition counts one lifecycle transition attempt.
func (c *Collectors) ObserveTransition(transition, outcome string) {
	if c == nil {
		return
	}
	c.VisitTransitions.WithLabelValues(transition, outcome).Inc()
}

// ObserveAudit counts one persisted audit entry.
func (c *Collectors) ObserveAudit(action, classification string) {
	if c == nil {
		return
	}
	c.AuditEntries.WithLabelValues(action, classification).Inc()
}

// AuditFailed counts one audit persistence failure.
func (c *Collectors) AuditFailed() {
	if c == nil {
		return
	}
	c.AuditWriteFailures.Inc()
}

// PublishFailed counts one failed event publish.
func (c *Collectors) PublishFailed() {
	if c == nil {
		return
	}
	c.EventPublishErrors.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
