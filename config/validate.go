package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Validate checks the operational settings. Ledger parameters live in the
// genesis file and are validated when it is loaded.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("%w: DataDir required", ErrInvalidConfig)
	}
	if _, err := time.ParseDuration(cfg.PriceFeeds.PollInterval); err != nil {
		return fmt.Errorf("%w: pricefeeds.PollInterval: %v", ErrInvalidConfig, err)
	}
	if cfg.Gateway.RateLimitPerSecond < 0 || cfg.Gateway.Burst < 0 {
		return fmt.Errorf("%w: gateway rate limits must be non-negative", ErrInvalidConfig)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("%w: telemetry.SampleRatio %v outside [0,1]", ErrInvalidConfig, r)
	}
	if cfg.Webhooks.MaxAttempts < 0 {
		return fmt.Errorf("%w: webhooks.MaxAttempts must be non-negative", ErrInvalidConfig)
	}
	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("%w: logging.Level %q", ErrInvalidConfig, cfg.Logging.Level)
		}
	}
	return nil
}

// PollInterval returns the parsed price polling interval.
func (cfg *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(cfg.PriceFeeds.PollInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// AdminTokenSecret reads the operator JWT secret from the environment.
func (cfg *Config) AdminTokenSecret() string {
	return strings.TrimSpace(os.Getenv(cfg.Gateway.AdminTokenSecretEnv))
}

// WebhookSecret reads the webhook signing secret from the environment.
func (cfg *Config) WebhookSecret() string {
	return strings.TrimSpace(os.Getenv(cfg.Webhooks.SecretEnv))
}
