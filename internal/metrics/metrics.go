// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomePending   = "pending"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	settlements     *prometheus.CounterVec
	settleLatency   *prometheus.HistogramVec
	inventoryDeltas *prometheus.CounterVec
	lowStock        prometheus.Counter
	pending         prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_operations_total",
				Help: "Settlement attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		settleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_operation_duration_seconds",
				Help:    "Duration of settlement workflows in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		inventoryDeltas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_inventory_deltas_total",
				Help: "Inventory log entries appended, by delta type",
			},
			[]string{"type"},
		),
		lowStock: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_low_stock_alerts_total",
				Help: "Low-stock alerts raised after inventory changes",
			},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_pending",
				Help: "Settlements waiting for manual reconciliation",
			},
		),
	}
	reg.MustRegister(
		m.requests,
		m.requestLatency,
		m.settlements,
		m.settleLatency,
		m.inventoryDeltas,
		m.lowStock,
		m.pending,
	)
	return m
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveSettlement(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, outcome).Inc()
	m.settleLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) InventoryDeltas(deltaType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.inventoryDeltas.WithLabelValues(deltaType).Add(float64(n))
}

func (m *Metrics) LowStock(n int) {
	if m == nil || n == 0 {
		return
	}
	m.lowStock.Add(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
