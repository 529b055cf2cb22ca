package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/dittorpc/pkg/rpcsvc"
	"github.com/marmos91/dittorpc/pkg/throttle"
	"github.com/marmos91/dittorpc/pkg/transport"
)

// keyDelimiter separates nested viper keys. The default "." cannot be used
// because the rpc-auth option names contain dots.
const keyDelimiter = "::"

// Config represents the complete DittoRPC configuration.
//
// This structure captures all configurable aspects of the RPC daemon:
//   - Logging configuration
//   - Server-wide settings
//   - Listening transport
//   - Record, timeout and rate limit settings of the RPC service
//   - Authentication schemes and peer checks
//   - Duplicate request cache
//   - Port mapper persistence
//   - Request throttling
//   - Metrics endpoint
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTORPC_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Transport selects and configures the listening endpoint
	Transport transport.Options `mapstructure:"transport" yaml:"transport"`

	// Listeners are further endpoints served next to Transport
	Listeners []transport.Options `mapstructure:"listeners" yaml:"listeners,omitempty"`

	// RPC configures record handling and per-connection limits
	RPC RPCConfig `mapstructure:"rpc" yaml:"rpc"`

	// Auth configures authentication schemes and peer checks
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// DRC configures the duplicate request cache
	DRC DRCConfig `mapstructure:"drc" yaml:"drc"`

	// Portmap configures the program to port table
	Portmap PortmapConfig `mapstructure:"portmap" yaml:"portmap"`

	// Throttle is the per-connection request token bucket
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`

	// Mempool configures the object pools
	Mempool MempoolConfig `mapstructure:"mempool" yaml:"mempool"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Stages is the number of event stages. 0 means one per CPU.
	Stages int `mapstructure:"stages" yaml:"stages" validate:"gte=0"`
}

// RPCConfig configures the RPC service.
type RPCConfig struct {
	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	// PingTimeout tears down silent connections (0 = disabled)
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout" validate:"gte=0"`

	// PageSize is the size of the buffer a record is first read into
	PageSize int `mapstructure:"page_size" yaml:"page_size" validate:"gte=0"`

	// MaxRecordSize bounds a reassembled record
	MaxRecordSize int `mapstructure:"max_record_size" yaml:"max_record_size" validate:"gte=0"`

	// VectoredThreshold is the fragment size above which payloads are
	// read into separate buffers
	VectoredThreshold int `mapstructure:"vectored_threshold" yaml:"vectored_threshold" validate:"gte=0"`

	// MetricsLogInterval is the period of the connection count log line
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"gte=0"`

	// OutstandingRPCLimit stops reading a connection while this many of
	// its requests are in flight. 0 uses the default, a negative value
	// disables the limit.
	OutstandingRPCLimit int `mapstructure:"outstanding_rpc_limit" yaml:"outstanding_rpc_limit" validate:"gte=-1,lte=65536"`

	// RateLimit limits requests per peer
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig limits requests per peer address. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             uint `mapstructure:"burst" yaml:"burst"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// Options holds the rpc-auth.* keys, for example
	// rpc-auth.auth-unix: "off" or rpc-auth.addr.allow: "10.0.0.*"
	Options map[string]string `mapstructure:"options" yaml:"options"`

	// RootSquash maps uid and gid 0 to the anonymous ids
	RootSquash bool   `mapstructure:"root_squash" yaml:"root_squash"`
	AnonUID    uint32 `mapstructure:"anonuid" yaml:"anonuid"`
	AnonGID    uint32 `mapstructure:"anongid" yaml:"anongid"`
}

// DRCConfig configures the duplicate request cache.
type DRCConfig struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled"`
	Size      int  `mapstructure:"size" yaml:"size" validate:"gte=0"`
	LRUFactor int  `mapstructure:"lru_factor" yaml:"lru_factor" validate:"gte=0,lte=100"`
}

// PortmapConfig configures the port mapper.
type PortmapConfig struct {
	// Enabled registers programs in the table and serves it as the
	// portmap program
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// DBPath is the badger directory; unused when InMemory
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// InMemory keeps the table in memory only
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// ThrottleConfig configures the request token bucket. A zero rate disables
// it.
type ThrottleConfig struct {
	Rate     int64         `mapstructure:"rate" yaml:"rate" validate:"gte=0"`
	Max      int64         `mapstructure:"max" yaml:"max" validate:"gte=0"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
}

// MempoolConfig configures the object pools.
type MempoolConfig struct {
	// SweepInterval is the period of the idle pool shrinker
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// ServiceConfig returns the rpcsvc configuration described by cfg.
func (cfg *Config) ServiceConfig() rpcsvc.Config {
	outstanding := cfg.RPC.OutstandingRPCLimit
	if outstanding < 0 {
		outstanding = 0
	}
	return rpcsvc.Config{
		Transport:           cfg.Transport,
		Listeners:           cfg.Listeners,
		OutstandingRPCLimit: outstanding,
		MaxConnections:      cfg.RPC.MaxConnections,
		ReadTimeout:         cfg.RPC.ReadTimeout,
		WriteTimeout:        cfg.RPC.WriteTimeout,
		IdleTimeout:         cfg.RPC.IdleTimeout,
		PingTimeout:         cfg.RPC.PingTimeout,
		ShutdownTimeout:     cfg.Server.ShutdownTimeout,
		MetricsLogInterval:  cfg.RPC.MetricsLogInterval,
		Stages:              cfg.Server.Stages,
		PageSize:            cfg.RPC.PageSize,
		MaxRecordSize:       cfg.RPC.MaxRecordSize,
		VectoredThreshold:   cfg.RPC.VectoredThreshold,
		SweepInterval:       cfg.Mempool.SweepInterval,
		RateLimit: rpcsvc.RateLimitConfig{
			RequestsPerSecond: cfg.RPC.RateLimit.RequestsPerSecond,
			Burst:             cfg.RPC.RateLimit.Burst,
		},
		Throttle: throttle.Options{
			Rate:     cfg.Throttle.Rate,
			Max:      cfg.Throttle.Max,
			Interval: cfg.Throttle.Interval,
		},
		Auth: rpcsvc.AuthConfig{
			Options:    cfg.Auth.Options,
			RootSquash: cfg.Auth.RootSquash,
			AnonUID:    cfg.Auth.AnonUID,
			AnonGID:    cfg.Auth.AnonGID,
		},
		DRC: rpcsvc.DRCConfig{
			Enabled:   cfg.DRC.Enabled,
			Size:      cfg.DRC.Size,
			LRUFactor: cfg.DRC.LRUFactor,
		},
		Portmap: cfg.Portmap.Enabled,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTORPC_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTORPC_ prefix and underscores
	// Example: DITTORPC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTORPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot be told apart from an explicit
	// false after unmarshalling, so they are seeded here.
	defaults := transport.DefaultOptions()
	v.SetDefault("transport"+keyDelimiter+"allow_insecure", defaults.AllowInsecure)
	v.SetDefault("transport"+keyDelimiter+"reuse_addr", defaults.ReuseAddr)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittorpc/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file: use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittorpc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittorpc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
