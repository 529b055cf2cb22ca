package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/pkg/transport"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "info"

transport:
  port: 24010
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level normalized to 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Transport.Type != "tcp" {
		t.Errorf("Expected default transport 'tcp', got %q", cfg.Transport.Type)
	}
	if cfg.Transport.Port != 24010 {
		t.Errorf("Expected port 24010, got %d", cfg.Transport.Port)
	}
	if !cfg.Transport.AllowInsecure {
		t.Error("Expected allow_insecure to default to true")
	}
	if cfg.RPC.MaxRecordSize != 32<<20 {
		t.Errorf("Expected default max_record_size 32MiB, got %d", cfg.RPC.MaxRecordSize)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Point the default location at an empty directory
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without a config file failed: %v", err)
	}
	if cfg.Transport.Port != 24007 {
		t.Errorf("Expected default port 24007, got %d", cfg.Transport.Port)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "logging: [unterminated\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "DEBUG"
format = "json"

[rpc]
read_timeout = "10s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.RPC.ReadTimeout != 10*time.Second {
		t.Errorf("Expected read_timeout 10s, got %v", cfg.RPC.ReadTimeout)
	}
}

func TestLoad_AuthOptionsKeepDottedKeys(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  root_squash: true
  options:
    rpc-auth.auth-unix: "off"
    rpc-auth.addr.vol0.allow: "10.0.*"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.Auth.Options["rpc-auth.auth-unix"]; got != "off" {
		t.Errorf("Expected rpc-auth.auth-unix 'off', got %q (options %v)", got, cfg.Auth.Options)
	}
	if got := cfg.Auth.Options["rpc-auth.addr.vol0.allow"]; got != "10.0.*" {
		t.Errorf("Expected rpc-auth.addr.vol0.allow '10.0.*', got %q", got)
	}
	if !cfg.Auth.RootSquash {
		t.Error("Expected root_squash to be true")
	}
}

func TestLoad_ExplicitFalseOverridesTrueDefault(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
transport:
  allow_insecure: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Transport.AllowInsecure {
		t.Error("Expected allow_insecure false from config file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DITTORPC_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTORPC_TRANSPORT_PORT", "5049")
	t.Setenv("DITTORPC_RPC_PING_TIMEOUT", "42s")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

transport:
  port: 24007

rpc:
  ping_timeout: 0s
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Transport.Port != 5049 {
		t.Errorf("Expected port 5049 from env var, got %d", cfg.Transport.Port)
	}
	if cfg.RPC.PingTimeout != 42*time.Second {
		t.Errorf("Expected ping_timeout 42s from env var, got %v", cfg.RPC.PingTimeout)
	}
}

func TestServiceConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Stages = 3
	cfg.RPC.PingTimeout = time.Minute
	cfg.Auth.Options["rpc-auth.auth-null"] = "off"
	cfg.Throttle = ThrottleConfig{Rate: 10, Max: 20, Interval: time.Second}

	sc := cfg.ServiceConfig()
	if sc.Stages != 3 {
		t.Errorf("Expected 3 stages, got %d", sc.Stages)
	}
	if sc.PingTimeout != time.Minute {
		t.Errorf("Expected ping timeout 1m, got %v", sc.PingTimeout)
	}
	if sc.Auth.Options["rpc-auth.auth-null"] != "off" {
		t.Errorf("Expected auth options to be carried over, got %v", sc.Auth.Options)
	}
	if sc.Throttle.Rate != 10 || sc.Throttle.Max != 20 || sc.Throttle.Interval != time.Second {
		t.Errorf("Unexpected throttle options %+v", sc.Throttle)
	}
	if !sc.Portmap || !sc.DRC.Enabled {
		t.Errorf("Expected portmap and DRC enabled, got portmap=%t drc=%t", sc.Portmap, sc.DRC.Enabled)
	}
	if sc.Transport != cfg.Transport {
		t.Errorf("Expected transport %+v, got %+v", cfg.Transport, sc.Transport)
	}
	if sc.OutstandingRPCLimit != 64 {
		t.Errorf("Expected outstanding limit 64, got %d", sc.OutstandingRPCLimit)
	}
}

func TestServiceConfig_OutstandingLimitDisabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.RPC.OutstandingRPCLimit = -1

	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected -1 to be valid, got %v", err)
	}
	if got := cfg.ServiceConfig().OutstandingRPCLimit; got != 0 {
		t.Errorf("Expected unlimited (0), got %d", got)
	}
}

func TestServiceConfig_Listeners(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners = []transport.Options{{Type: transport.TypeUnix, SocketPath: "/tmp/dittorpc.sock"}}
	ApplyDefaults(cfg)

	sc := cfg.ServiceConfig()
	if len(sc.Listeners) != 1 || sc.Listeners[0].Type != transport.TypeUnix {
		t.Fatalf("Expected one unix listener, got %+v", sc.Listeners)
	}
	if sc.Listeners[0].KeepaliveTime == 0 {
		t.Errorf("Expected listener defaults to be applied")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "dittorpc", "config.yaml")
	if got := GetDefaultConfigPath(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if GetConfigDir() != filepath.Join(dir, "dittorpc") {
		t.Errorf("Unexpected config dir %q", GetConfigDir())
	}
	if ConfigExists() {
		t.Error("Expected no config file in an empty directory")
	}
}
