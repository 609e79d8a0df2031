// Package observability holds the Prometheus metrics exported on /metrics.
// All methods are safe on a nil *Metrics so callers and tests may omit it.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chatbot"

// Turn outcomes recorded by the chat pipeline.
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeBadRequest   = "bad_request"
	OutcomeGatewayError = "gateway_error"
	OutcomeStoreError   = "store_error"
)

type Metrics struct {
	// TurnsTotal counts chat pipeline runs. Labels: outcome
	TurnsTotal *prometheus.CounterVec

	// GatewayRequestsTotal counts completion calls. Labels: provider, status (ok, error)
	GatewayRequestsTotal *prometheus.CounterVec

	// GatewayDurationSeconds measures completion latency including retries. Labels: provider
	GatewayDurationSeconds *prometheus.HistogramVec

	// GatewayRetriesTotal counts additional attempts. Labels: provider
	GatewayRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Chat turns processed by outcome",
			},
			[]string{"outcome"},
		),
		GatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Completion gateway calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		GatewayDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "duration_seconds",
				Help:      "Completion gateway latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		GatewayRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "retries_total",
				Help:      "Completion attempts beyond the first",
			},
			[]string{"provider"},
		),
	}
}

func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGateway(provider string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(provider, status).Inc()
	m.GatewayDurationSeconds.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.GatewayRetriesTotal.WithLabelValues(provider).Inc()
}
