package core

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"orderledger/pkg/domain"
)

// Metrics groups the coordinator's Prometheus collectors.
type Metrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	onHand     *prometheus.GaugeVec
	imbalanced prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil registry yields
// collectors that are never exported, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderledger_operations_total",
				Help: "Total number of coordinator operations by outcome",
			},
			[]string{"operation", "status"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderledger_operation_retries_total",
				Help: "Scope re-runs after a conflict or timeout",
			},
			[]string{"operation"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderledger_operation_duration_seconds",
				Help:    "Duration of coordinator operations including retries",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		onHand: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderledger_inventory_on_hand",
				Help: "On-hand quantity per product as of the last audit",
			},
			[]string{"product_id"},
		),
		imbalanced: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orderledger_ledger_discrepancies",
				Help: "Products whose ledger did not balance at the last audit",
			},
		),
	}
}

func (m *Metrics) observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) retried(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordAudit publishes the on-hand levels and discrepancy count of an audit.
func (m *Metrics) RecordAudit(levels map[string]int64, discrepancies int) {
	if m == nil {
		return
	}
	// Drop products that no longer exist.
	m.onHand.Reset()
	for id, qty := range levels {
		m.onHand.WithLabelValues(id).Set(float64(qty))
	}
	m.imbalanced.Set(float64(discrepancies))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
