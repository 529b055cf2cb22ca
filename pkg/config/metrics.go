package config

import (
	"github.com/marmos91/dittorpc/pkg/metrics"
	promMetrics "github.com/marmos91/dittorpc/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// RPCMetrics is the collector of the RPC service (never nil, uses noop if disabled)
	RPCMetrics metrics.RPCMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// If metrics are enabled the global Prometheus registry is initialized and
// an HTTP server and Prometheus collectors are created. Otherwise the
// server is nil and the collectors are no-ops.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			RPCMetrics: metrics.NewNoopRPCMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:     server,
		RPCMetrics: promMetrics.NewRPCMetrics(),
	}
}
