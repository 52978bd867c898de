package config

// Logging controls the structured logger.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	ServiceName string  `toml:"ServiceName"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
	Headers     string  `toml:"Headers"`
}

// Gateway configures the HTTP API. The operator pause route is mounted only
// when the environment variable named by AdminTokenSecretEnv is set.
type Gateway struct {
	RateLimitPerSecond  float64  `toml:"RateLimitPerSecond"`
	Burst               int      `toml:"Burst"`
	AllowedOrigins      []string `toml:"AllowedOrigins"`
	LogRequests         bool     `toml:"LogRequests"`
	AdminTokenSecretEnv string   `toml:"AdminTokenSecretEnv"`
	AdminTokenIssuer    string   `toml:"AdminTokenIssuer"`
	AdminTokenAudience  string   `toml:"AdminTokenAudience"`
}

// PriceFeeds points at the YAML price-source definitions polled by the node.
type PriceFeeds struct {
	SourcesFile  string `toml:"SourcesFile"`
	PollInterval string `toml:"PollInterval"`
}

// Webhooks forwards committed ledger events to an operator endpoint. Deliveries
// are signed with the secret held in the environment variable SecretEnv.
type Webhooks struct {
	Endpoint    string   `toml:"Endpoint"`
	SecretEnv   string   `toml:"SecretEnv"`
	Events      []string `toml:"Events"`
	MaxAttempts int      `toml:"MaxAttempts"`
}
