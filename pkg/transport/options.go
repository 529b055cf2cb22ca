package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var validate = validator.New()

// Default option values.
const (
	DefaultPort              = 24007
	DefaultKeepaliveTime     = 20 * time.Second
	DefaultKeepaliveInterval = 2 * time.Second
	DefaultKeepaliveCount    = 9
)

// Options configures a transport endpoint.
//
// The same structure describes both sides: listeners use BindAddress and
// Port, clients use RemoteHost and RemotePort. Unix sockets use SocketPath
// for both.
type Options struct {
	// Type selects the transport: tcp, unix or ib-sdp.
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=tcp unix ib-sdp"`

	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	Port        int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	RemoteHost string `mapstructure:"remote_host" yaml:"remote_host,omitempty"`
	RemotePort int    `mapstructure:"remote_port" yaml:"remote_port,omitempty" validate:"gte=0,lte=65535"`

	SocketPath string `mapstructure:"socket_path" yaml:"socket_path,omitempty" validate:"required_if=Type unix"`

	// KeepaliveTime is the idle time before TCP keepalives start.
	// Zero disables socket keepalive.
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time" yaml:"keepalive_time" validate:"gte=0"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval" validate:"gte=0"`
	KeepaliveCount    int           `mapstructure:"keepalive_count" yaml:"keepalive_count" validate:"gte=0"`

	// AllowInsecure accepts peers connecting from unprivileged source
	// ports (above 1024).
	AllowInsecure bool `mapstructure:"allow_insecure" yaml:"allow_insecure"`

	// TxBandwidth caps bytes per second written on each connection. Zero
	// means unlimited.
	TxBandwidth int64 `mapstructure:"tx_bandwidth" yaml:"tx_bandwidth" validate:"gte=0"`

	// ReuseAddr sets SO_REUSEADDR on listening TCP sockets.
	ReuseAddr bool `mapstructure:"reuse_addr" yaml:"reuse_addr"`
}

// DefaultOptions returns TCP options on the default port.
func DefaultOptions() Options {
	return Options{
		Type:              TypeTCP,
		BindAddress:       "0.0.0.0",
		Port:              DefaultPort,
		KeepaliveTime:     DefaultKeepaliveTime,
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveCount:    DefaultKeepaliveCount,
		AllowInsecure:     true,
		ReuseAddr:         true,
	}
}

// Validate checks the options against their struct tags.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("transport: %s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// ListenAddress returns the host:port a TCP listener binds to.
func (o Options) ListenAddress() string {
	return net.JoinHostPort(o.BindAddress, strconv.Itoa(o.Port))
}

// RemoteAddress returns the host:port a TCP client dials.
func (o Options) RemoteAddress() string {
	host := o.RemoteHost
	if host == "" {
		host = "localhost"
	}
	port := o.RemotePort
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// OptionsFromMap overlays a generic option map (for example parsed from
// command line key=value pairs) onto base. Durations may be given as
// strings such as "10s".
func OptionsFromMap(base Options, m map[string]any) (Options, error) {
	out := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &out,
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(m); err != nil {
		return base, fmt.Errorf("transport: decode options: %w", err)
	}
	return out, nil
}
