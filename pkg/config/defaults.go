package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/rpcsvc"
	"github.com/marmos91/dittorpc/pkg/throttle"
	"github.com/marmos91/dittorpc/pkg/transport"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans keep their value; the ones defaulting to true are seeded in Load
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyTransportDefaults(&cfg.Transport)
	for i := range cfg.Listeners {
		applyTransportDefaults(&cfg.Listeners[i])
	}
	applyRPCDefaults(&cfg.RPC)
	applyAuthDefaults(&cfg.Auth)
	applyDRCDefaults(&cfg.DRC)
	applyPortmapDefaults(&cfg.Portmap)
	applyThrottleDefaults(&cfg.Throttle)
	applyMempoolDefaults(&cfg.Mempool)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	// Stages 0 is resolved to GOMAXPROCS by the service
}

func applyTransportDefaults(cfg *transport.Options) {
	defaults := transport.DefaultOptions()
	if cfg.Type == "" {
		cfg.Type = defaults.Type
	}
	if cfg.Type == transport.TypeTCP {
		if cfg.BindAddress == "" {
			cfg.BindAddress = defaults.BindAddress
		}
		if cfg.Port == 0 {
			cfg.Port = defaults.Port
		}
	}
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if cfg.KeepaliveCount == 0 {
		cfg.KeepaliveCount = defaults.KeepaliveCount
	}
}

func applyRPCDefaults(cfg *RPCConfig) {
	// MaxConnections defaults to 0 (unlimited)
	// PingTimeout defaults to 0 (disabled)

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = iobuf.DefaultPageSize
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = rpcsvc.DefaultMaxRecordSize
	}
	if cfg.VectoredThreshold == 0 {
		cfg.VectoredThreshold = rpcsvc.DefaultVectoredThreshold
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
	if cfg.OutstandingRPCLimit == 0 {
		cfg.OutstandingRPCLimit = rpcsvc.DefaultOutstandingRPCLimit
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerSecond
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Options == nil {
		cfg.Options = make(map[string]string)
	}
	if cfg.AnonUID == 0 {
		cfg.AnonUID = rpcsvc.DefaultAnonID
	}
	if cfg.AnonGID == 0 {
		cfg.AnonGID = rpcsvc.DefaultAnonID
	}
}

func applyDRCDefaults(cfg *DRCConfig) {
	if cfg.Size == 0 {
		cfg.Size = drc.DefaultSize
	}
	if cfg.LRUFactor == 0 {
		cfg.LRUFactor = drc.DefaultLRUFactor
	}
}

func applyPortmapDefaults(cfg *PortmapConfig) {
	if cfg.DBPath == "" && !cfg.InMemory {
		cfg.DBPath = filepath.Join(getConfigDir(), "portmap")
	}
}

func applyThrottleDefaults(cfg *ThrottleConfig) {
	if cfg.Rate == 0 {
		return
	}
	if cfg.Max == 0 {
		cfg.Max = cfg.Rate
	}
	if cfg.Interval == 0 {
		cfg.Interval = throttle.DefaultInterval
	}
}

func applyMempoolDefaults(cfg *MempoolConfig) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = mempool.DefaultSweepInterval
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = metrics.DefaultPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Transport: transport.DefaultOptions(),
		DRC: DRCConfig{
			Enabled: true,
		},
		Portmap: PortmapConfig{
			Enabled:  true,
			InMemory: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
