package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kusd/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration read from a TOML file.
type Config struct {
	DataDir           string `toml:"DataDir"`
	ListenAddress     string `toml:"ListenAddress"`
	Environment       string `toml:"Environment"`
	GenesisFile       string `toml:"GenesisFile"`
	AdminKeystorePath string `toml:"AdminKeystorePath"`
	EventIndexPath    string `toml:"EventIndexPath"`

	Logging    Logging    `toml:"logging"`
	Telemetry  Telemetry  `toml:"telemetry"`
	Gateway    Gateway    `toml:"gateway"`
	PriceFeeds PriceFeeds `toml:"pricefeeds"`
	Webhooks   Webhooks   `toml:"webhooks"`
}

// KeystoreStrength is the scrypt cost of generated admin keystores.
var KeystoreStrength = crypto.StandardKeystore

// PassphraseFunc supplies the admin keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// Load reads the configuration at path, writing a default file and a fresh
// admin keystore when none exist yet.
func Load(path string, passphrase PassphraseFunc) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, passphrase)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	cfg.applyDefaults(path)
	if err := ensureKeystore(cfg.AdminKeystorePath, passphrase); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./kusd-data"
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.AdminKeystorePath == "" {
		cfg.AdminKeystorePath = defaultKeystorePath(path)
	}
	if cfg.EventIndexPath == "" {
		cfg.EventIndexPath = filepath.Join(cfg.DataDir, "events.db")
	}
	if cfg.Gateway.RateLimitPerSecond == 0 {
		cfg.Gateway.RateLimitPerSecond = 20
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 40
	}
	if cfg.Gateway.AdminTokenSecretEnv == "" {
		cfg.Gateway.AdminTokenSecretEnv = "KUSD_ADMIN_JWT_SECRET"
	}
	if cfg.Webhooks.SecretEnv == "" {
		cfg.Webhooks.SecretEnv = "KUSD_WEBHOOK_SECRET"
	}
	if len(cfg.Webhooks.Events) == 0 {
		cfg.Webhooks.Events = []string{"collateral.liquidation", "allocator.ai_rebalance", "token.paused", "oracle.feed_updated", "risk.updated"}
	}
	if cfg.PriceFeeds.PollInterval == "" {
		cfg.PriceFeeds.PollInterval = "30s"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "kusdd"
	}
}

func ensureKeystore(keystorePath string, passphrase PassphraseFunc) error {
	if _, err := os.Stat(keystorePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if passphrase == nil {
		return fmt.Errorf("config: keystore %s missing and no passphrase source", keystorePath)
	}
	pass, err := passphrase()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystoreWithStrength(keystorePath, key, pass, KeystoreStrength)
}

func createDefault(path string, passphrase PassphraseFunc) (*Config, error) {
	cfg := &Config{Environment: "local"}
	cfg.applyDefaults(path)
	if err := ensureKeystore(cfg.AdminKeystorePath, passphrase); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "admin.keystore")
}
