package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoRPC Configuration File
#
# Every key can be overridden with an environment variable named after its
# path, for example DITTORPC_LOGGING_LEVEL=DEBUG or DITTORPC_TRANSPORT_PORT=24008.
#
# auth.options takes the rpc-auth.* keys:
#   rpc-auth.auth-unix: "off"             disable a scheme
#   rpc-auth.auth-unix.<volume>: "on"     per-volume scheme list
#   rpc-auth.addr.allow: "10.0.*"         address allow list
#   rpc-auth.addr.<volume>.reject: "*"    per-volume reject list
#   rpc-auth.ports.insecure: "on"         accept unprivileged ports
`

// generateYAMLWithComments renders cfg as YAML preceded by the
// explanatory header.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}

// WriteDefault writes the default configuration as commented YAML to w.
func WriteDefault(w io.Writer) error {
	out, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating its
// directory. An existing file is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := WriteDefault(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
