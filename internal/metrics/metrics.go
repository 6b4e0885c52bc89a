// Package metrics exposes the broker's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auth"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Auth counts auth service operations and middleware decisions.
type Auth struct {
	Operations *prometheus.CounterVec
	Rejections *prometheus.CounterVec
}

// NewAuth registers the instruments with reg.  Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewAuth(reg prometheus.Registerer) *Auth {
	factory := promauto.With(reg)
	return &Auth{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Auth service operations by outcome.",
		}, []string{"operation", "outcome"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "middleware_rejections_total",
			Help:      "Requests rejected by the auth middleware, by strategy and reason.",
		}, []string{"strategy", "reason"}),
	}
}

// Observe records one operation.  A nil receiver is a no-op.
func (a *Auth) Observe(operation string, err error) {
	if a == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	a.Operations.WithLabelValues(operation, outcome).Inc()
}

// Reject records a middleware rejection.  A nil receiver is a no-op.
func (a *Auth) Reject(strategy, reason string) {
	if a == nil {
		return
	}
	a.Rejections.WithLabelValues(strategy, reason).Inc()
}
