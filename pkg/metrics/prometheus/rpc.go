// Package prometheus implements the metrics interfaces on top of the
// global Prometheus registry.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittorpc/pkg/metrics"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	drcHits                *prometheus.CounterVec
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRPCMetrics()
	}
	return newRPCMetrics(metrics.GetRegistry())
}

func newRPCMetrics(reg prometheus.Registerer) *rpcMetrics {
	return &rpcMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_requests_total",
				Help: "Total number of RPC requests by program, procedure and reply status",
			},
			[]string{"program", "procedure", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittorpc_request_duration_milliseconds",
				Help: "Duration of RPC requests in milliseconds",
				Buckets: []float64{
					0.1,   // 100us
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"program", "procedure"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittorpc_requests_in_flight",
				Help: "Current number of RPC requests held by an actor",
			},
			[]string{"program"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_bytes_transferred_total",
				Help: "Total record bytes received and sent",
			},
			[]string{"direction"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittorpc_active_connections",
				Help: "Current number of active RPC connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittorpc_connections_accepted_total",
				Help: "Total number of RPC connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittorpc_connections_closed_total",
				Help: "Total number of RPC connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittorpc_connections_force_closed_total",
				Help: "Total number of RPC connections closed by a shutdown timeout",
			},
		),
		drcHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_drc_hits_total",
				Help: "Retransmissions answered from the duplicate request cache",
			},
			[]string{"state"},
		),
	}
}

func (m *rpcMetrics) RecordRequest(program, procedure, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(program, procedure, status).Inc()
	m.requestDuration.WithLabelValues(program, procedure).Observe(float64(duration) / float64(time.Millisecond))
}

func (m *rpcMetrics) RecordRequestStart(program string) {
	m.requestsInFlight.WithLabelValues(program).Inc()
}

func (m *rpcMetrics) RecordRequestEnd(program string) {
	m.requestsInFlight.WithLabelValues(program).Dec()
}

func (m *rpcMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *rpcMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *rpcMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *rpcMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *rpcMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *rpcMetrics) RecordDRCHit(state string) {
	m.drcHits.WithLabelValues(state).Inc()
}
