package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittorpc/pkg/transport"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if err := cfg.Transport.Validate(); err != nil {
		return err
	}
	for i, l := range cfg.Listeners {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
	}

	if cfg.RPC.PageSize < 512 {
		return fmt.Errorf("rpc.page_size: %d is below the 512 byte minimum", cfg.RPC.PageSize)
	}
	if cfg.RPC.MaxRecordSize < cfg.RPC.PageSize {
		return fmt.Errorf("rpc.max_record_size: %d is smaller than page_size %d",
			cfg.RPC.MaxRecordSize, cfg.RPC.PageSize)
	}

	if cfg.Throttle.Rate > 0 && cfg.Throttle.Max < cfg.Throttle.Rate {
		return fmt.Errorf("throttle.max: %d is smaller than rate %d", cfg.Throttle.Max, cfg.Throttle.Rate)
	}

	if cfg.Portmap.Enabled && !cfg.Portmap.InMemory && cfg.Portmap.DBPath == "" {
		return fmt.Errorf("portmap: db_path is required unless in_memory is set")
	}

	for key := range cfg.Auth.Options {
		if !strings.HasPrefix(key, "rpc-auth.") {
			return fmt.Errorf("auth.options: unknown key %q", key)
		}
	}

	if cfg.Metrics.Enabled && cfg.Transport.Type == transport.TypeTCP && cfg.Metrics.Port == cfg.Transport.Port {
		return fmt.Errorf("metrics.port: %d is already used by the RPC transport", cfg.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
