package rpcsvc

import (
	"fmt"
	"runtime"
	"time"

	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
	"github.com/marmos91/dittorpc/pkg/throttle"
	"github.com/marmos91/dittorpc/pkg/transport"
)

const (
	// DefaultMaxRecordSize bounds a reassembled record.
	DefaultMaxRecordSize = 32 << 20

	// DefaultVectoredThreshold is the fragment size above which a single
	// fragment record is read through the vectored path.
	DefaultVectoredThreshold = 4096

	// DefaultAnonID is the uid and gid root is squashed to.
	DefaultAnonID = 65534

	// DefaultOutstandingRPCLimit is the per connection limit of requests
	// in flight suggested for servers.
	DefaultOutstandingRPCLimit = 64

	// MaxOutstandingRPCLimit caps OutstandingRPCLimit.
	MaxOutstandingRPCLimit = 65536
)

// Config holds the configuration of a Service.
//
// Zero values are replaced with defaults by New, except where noted.
//
// Default values:
//   - ReadTimeout: 5m
//   - WriteTimeout: 30s
//   - IdleTimeout: 5m
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m
//   - Stages: GOMAXPROCS
//   - PageSize: 128 KiB
//   - MaxRecordSize: 32 MiB
//   - VectoredThreshold: 4096
type Config struct {
	// Transport selects and configures the listening transport.
	Transport transport.Options `mapstructure:"transport"`

	// Listeners opens further listeners next to Transport, for example a
	// unix socket beside a TCP port. All of them feed the same programs.
	Listeners []transport.Options `mapstructure:"listeners"`

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// ReadTimeout bounds the time to read the rest of a record once its
	// first byte has arrived.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds a single socket write. A write that times out
	// after a partial transfer is resumed; one that moved nothing tears
	// the connection down.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout closes connections with no record in progress.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// PingTimeout tears down a connection that has seen neither a read
	// nor a write for this long. 0 disables the timer and is not
	// defaulted.
	PingTimeout time.Duration `mapstructure:"ping_timeout" validate:"min=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MetricsLogInterval is the period of the connection count log line.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`

	// Stages is the number of event stages connections are spread over.
	Stages int `mapstructure:"stages" validate:"min=0"`

	// PageSize is the size of the iobuf a record is first read into.
	PageSize int `mapstructure:"page_size" validate:"min=0"`

	// MaxRecordSize bounds a reassembled record.
	MaxRecordSize int `mapstructure:"max_record_size" validate:"min=0"`

	// VectoredThreshold is the fragment size above which the vectored
	// read path is taken.
	VectoredThreshold int `mapstructure:"vectored_threshold" validate:"min=0"`

	// SweepInterval is the mempool sweeper period.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=0"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Throttle gives each connection a token bucket. Every record takes
	// one token before it is read past its header, and only the read loop
	// of that connection waits. A zero rate disables it.
	Throttle throttle.Options `mapstructure:"throttle"`

	// OutstandingRPCLimit stops reading a connection while that many of
	// its requests are in flight. It is rounded up to a multiple of 8 and
	// capped at MaxOutstandingRPCLimit. 0 means unlimited.
	OutstandingRPCLimit int `mapstructure:"outstanding_rpc_limit" validate:"min=0"`

	Auth AuthConfig `mapstructure:"auth"`
	DRC  DRCConfig  `mapstructure:"drc"`

	// Portmap registers programs flagged for it with the port mapper set
	// by SetPortMapper.
	Portmap bool `mapstructure:"portmap"`
}

// RateLimitConfig limits requests per peer. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second"`
	Burst             uint `mapstructure:"burst"`
}

// AuthConfig configures authentication and peer checks.
type AuthConfig struct {
	// Options holds the rpc-auth.* keys: scheme switches
	// (rpc-auth.auth-unix), per-volume scheme lists
	// (rpc-auth.auth-unix.<vol>), address rules (rpc-auth.addr.allow,
	// rpc-auth.addr.<vol>.reject) and port rules (rpc-auth.ports.insecure).
	Options map[string]string `mapstructure:"options"`

	// RootSquash maps uid and gid 0 to AnonUID and AnonGID.
	RootSquash bool   `mapstructure:"root_squash"`
	AnonUID    uint32 `mapstructure:"anonuid"`
	AnonGID    uint32 `mapstructure:"anongid"`
}

// DRCConfig configures the duplicate request cache.
type DRCConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Size      int  `mapstructure:"size" validate:"min=0"`
	LRUFactor int  `mapstructure:"lru_factor" validate:"min=0"`
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Transport.Type == "" {
		c.Transport.Type = transport.TypeTCP
	}
	for i := range c.Listeners {
		if c.Listeners[i].Type == "" {
			c.Listeners[i].Type = transport.TypeTCP
		}
	}
	if c.OutstandingRPCLimit > 0 {
		c.OutstandingRPCLimit = (c.OutstandingRPCLimit + 7) &^ 7
		if c.OutstandingRPCLimit > MaxOutstandingRPCLimit {
			c.OutstandingRPCLimit = MaxOutstandingRPCLimit
		}
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
	if c.Stages == 0 {
		c.Stages = runtime.GOMAXPROCS(0)
	}
	if c.PageSize == 0 {
		c.PageSize = iobuf.DefaultPageSize
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.VectoredThreshold == 0 {
		c.VectoredThreshold = DefaultVectoredThreshold
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = mempool.DefaultSweepInterval
	}
	if c.Auth.AnonUID == 0 {
		c.Auth.AnonUID = DefaultAnonID
	}
	if c.Auth.AnonGID == 0 {
		c.Auth.AnonGID = DefaultAnonID
	}
	if c.DRC.Size == 0 {
		c.DRC.Size = drc.DefaultSize
	}
	if c.DRC.LRUFactor == 0 {
		c.DRC.LRUFactor = drc.DefaultLRUFactor
	}
}

// validate checks the configuration after defaults were applied.
func (c *Config) validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	for i, l := range c.Listeners {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("invalid listener %d: %w", i, err)
		}
	}
	if c.OutstandingRPCLimit < 0 {
		return fmt.Errorf("invalid OutstandingRPCLimit %d: must be >= 0", c.OutstandingRPCLimit)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.PingTimeout < 0 {
		return fmt.Errorf("invalid timeouts: must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.Stages < 1 {
		return fmt.Errorf("invalid Stages %d: must be >= 1", c.Stages)
	}
	if c.PageSize < 512 {
		return fmt.Errorf("invalid PageSize %d: must be >= 512", c.PageSize)
	}
	if c.MaxRecordSize < c.PageSize {
		return fmt.Errorf("invalid MaxRecordSize %d: must be >= PageSize %d", c.MaxRecordSize, c.PageSize)
	}
	if c.Throttle.Rate < 0 || c.Throttle.Max < 0 || c.Throttle.Interval < 0 {
		return fmt.Errorf("invalid Throttle %+v: values must be >= 0", c.Throttle)
	}
	if c.VectoredThreshold < 0 {
		return fmt.Errorf("invalid VectoredThreshold %d: must be >= 0", c.VectoredThreshold)
	}
	return nil
}
