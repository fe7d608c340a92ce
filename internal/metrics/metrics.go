// Package metrics exposes Prometheus counters for the license service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil *Metrics is safe to use so
// the validation engine can run without observability wired (tests).
type Metrics struct {
	validations *prometheus.CounterVec
	lifecycle   *prometheus.CounterVec
}

// New registers the service collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rogkeys_validations_total",
			Help: "Validation attempts by protocol outcome.",
		}, []string{"result"}),
		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rogkeys_lifecycle_operations_total",
			Help: "Admin lifecycle operations by kind.",
		}, []string{"operation"}),
	}
}

// Validation records one validation attempt outcome.
func (m *Metrics) Validation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

// Lifecycle records one admin lifecycle operation.
func (m *Metrics) Lifecycle(operation string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(operation).Inc()
}
