package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kusd/crypto"
)

func init() {
	KeystoreStrength = crypto.LightKeystore
}

func testPassphrase() (string, error) { return "test-passphrase", nil }

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path, testPassphrase)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" || cfg.DataDir != "./kusd-data" || cfg.PollInterval() != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := crypto.LoadFromKeystore(cfg.AdminKeystorePath, "test-passphrase"); err != nil {
		t.Fatalf("keystore unreadable: %v", err)
	}
	again, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.AdminKeystorePath != cfg.AdminKeystorePath {
		t.Fatalf("keystore path changed: %s != %s", again.AdminKeystorePath, cfg.AdminKeystorePath)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `DataDir = "./data"
GenesisFile = "genesis.json"

[logging]
Level = "debug"
File = "kusdd.log"
MaxSizeMB = 50

[telemetry]
Traces = true
SampleRatio = 0.25

[gateway]
RateLimitPerSecond = 5
Burst = 10

[pricefeeds]
SourcesFile = "sources.yaml"
PollInterval = "15s"
`)
	cfg, err := Load(path, testPassphrase)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GenesisFile != "genesis.json" || cfg.Logging.MaxSizeMB != 50 || !cfg.Telemetry.Traces {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Gateway.Burst != 10 || cfg.PollInterval() != 15*time.Second {
		t.Fatalf("unexpected gateway/pricefeeds: %+v", cfg)
	}
	if cfg.EventIndexPath != filepath.Join("./data", "events.db") || cfg.Telemetry.ServiceName != "kusdd" {
		t.Fatalf("unexpected derived defaults: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad level":    "[logging]\nLevel = \"loud\"\n",
		"bad ratio":    "[telemetry]\nSampleRatio = 2.0\n",
		"bad interval": "[pricefeeds]\nPollInterval = \"soon\"\n",
		"bad limit":    "[gateway]\nRateLimitPerSecond = -1.0\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents), testPassphrase); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	_, err := Load(writeConfig(t, "Bogus = 1\n"), testPassphrase)
	if err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestAdminTokenSecretFromEnv(t *testing.T) {
	cfg := &Config{Gateway: Gateway{AdminTokenSecretEnv: "KUSD_TEST_JWT_SECRET"}}
	if cfg.AdminTokenSecret() != "" {
		t.Fatalf("expected empty secret when unset")
	}
	t.Setenv("KUSD_TEST_JWT_SECRET", "  hunter2 ")
	if got := cfg.AdminTokenSecret(); got != "hunter2" {
		t.Fatalf("unexpected secret %q", got)
	}
}

func TestWebhookSection(t *testing.T) {
	path := writeConfig(t, `[webhooks]
Endpoint = "https://ops.example/hooks"
Events = ["collateral.liquidation"]
MaxAttempts = 3
`)
	cfg, err := Load(path, testPassphrase)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webhooks.SecretEnv != "KUSD_WEBHOOK_SECRET" {
		t.Fatalf("unexpected secret env %q", cfg.Webhooks.SecretEnv)
	}
	if len(cfg.Webhooks.Events) != 1 || cfg.Webhooks.MaxAttempts != 3 {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
	t.Setenv("KUSD_WEBHOOK_SECRET", "s3cret\n")
	if cfg.WebhookSecret() != "s3cret" {
		t.Fatalf("unexpected secret %q", cfg.WebhookSecret())
	}

	bad := writeConfig(t, "[webhooks]\nMaxAttempts = -1\n")
	if _, err := Load(bad, testPassphrase); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
