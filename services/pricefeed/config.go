package pricefeed

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// File is the on-disk description of every feed the poller maintains.
type File struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// FeedConfig describes one price source id as referenced by the genesis
// collateral listings.
type FeedConfig struct {
	ID         string           `yaml:"id"`
	Decimals   uint8            `yaml:"decimals"`
	MaxAge     Duration         `yaml:"max_age"`
	MinSources int              `yaml:"min_sources"`
	Providers  []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes an upstream quote provider.
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Asset    string `yaml:"asset"`
	Price    string `yaml:"price"`
}

// LoadFile reads and validates a sources file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price feed sources: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a sources document.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode price feed sources: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks feed ids are unique and every feed has providers.
func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Feeds))
	for i := range f.Feeds {
		feed := &f.Feeds[i]
		feed.ID = strings.ToLower(strings.TrimSpace(feed.ID))
		if feed.ID == "" {
			return fmt.Errorf("feed %d: id required", i)
		}
		if _, dup := seen[feed.ID]; dup {
			return fmt.Errorf("feed %s: duplicate id", feed.ID)
		}
		seen[feed.ID] = struct{}{}
		if feed.Decimals == 0 {
			feed.Decimals = 8
		}
		if feed.Decimals > 18 {
			return fmt.Errorf("feed %s: decimals must not exceed 18", feed.ID)
		}
		if feed.MaxAge.Duration <= 0 {
			feed.MaxAge.Duration = 10 * time.Minute
		}
		if feed.MinSources <= 0 {
			feed.MinSources = 1
		}
		if len(feed.Providers) == 0 {
			return fmt.Errorf("feed %s: at least one provider required", feed.ID)
		}
		if feed.MinSources > len(feed.Providers) {
			return fmt.Errorf("feed %s: min_sources exceeds provider count", feed.ID)
		}
	}
	return nil
}
