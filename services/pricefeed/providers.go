package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// Quote is one upstream USD observation.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// Provider resolves the latest USD quote of a single asset.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// Registry constructs providers based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a provider from the supplied configuration.
func (r *Registry) Build(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "coingecko":
		asset := strings.TrimSpace(cfg.Asset)
		if asset == "" {
			return nil, fmt.Errorf("coingecko provider requires asset")
		}
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			endpoint = defaultCoinGeckoEndpoint
		}
		return &coinGecko{name: label(cfg.Name, "coingecko"), client: r.client(), endpoint: endpoint, asset: asset, now: r.clock()}, nil
	case "fixed":
		rate, ok := new(big.Rat).SetString(strings.TrimSpace(cfg.Price))
		if !ok || rate.Sign() <= 0 {
			return nil, fmt.Errorf("fixed provider: invalid price %q", cfg.Price)
		}
		return &fixed{name: label(cfg.Name, "fixed"), rate: rate, now: r.clock()}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

type fixed struct {
	name string
	rate *big.Rat
	now  func() time.Time
}

func (f *fixed) Name() string { return f.name }

func (f *fixed) Fetch(context.Context) (Quote, error) {
	return Quote{Rate: new(big.Rat).Set(f.rate), Timestamp: f.now()}, nil
}

// coinGecko adapts the public CoinGecko simple price API.
type coinGecko struct {
	name     string
	client   *http.Client
	endpoint string
	asset    string
	now      func() time.Time
}

func (c *coinGecko) Name() string { return c.name }

func (c *coinGecko) Fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", c.asset)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[c.asset]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", c.asset)
	}
	price := strings.TrimSpace(entry["usd"].String())
	if price == "" {
		return Quote{}, fmt.Errorf("coingecko: empty price for %s", c.asset)
	}
	rate, ok := new(big.Rat).SetString(price)
	if !ok || rate.Sign() <= 0 {
		return Quote{}, fmt.Errorf("coingecko: invalid rate %q", price)
	}
	ts := c.now()
	if raw, exists := entry["last_updated_at"]; exists {
		if parsed, err := strconv.ParseInt(raw.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	return Quote{Rate: rate, Timestamp: ts}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
