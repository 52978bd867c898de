package pricefeed

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kusd/native/oracle"
)

type sample struct {
	feed, provider string
	rate           string
}

type captureRecorder struct {
	samples []sample
}

func (c *captureRecorder) RecordSample(_ context.Context, feed, provider string, rate *big.Rat, _ time.Time) error {
	c.samples = append(c.samples, sample{feed: feed, provider: provider, rate: rate.FloatString(2)})
	return nil
}

func TestParseDefaultsAndValidation(t *testing.T) {
	f, err := Parse([]byte(`
feeds:
  - id: ETH-USD
    providers:
      - type: fixed
        price: "2000"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	feed := f.Feeds[0]
	if feed.ID != "eth-usd" || feed.Decimals != 8 || feed.MinSources != 1 || feed.MaxAge.Duration != 10*time.Minute {
		t.Fatalf("unexpected defaults: %+v", feed)
	}

	cases := map[string]string{
		"duplicate":   "feeds:\n  - id: a\n    providers: [{type: fixed, price: '1'}]\n  - id: A\n    providers: [{type: fixed, price: '1'}]\n",
		"no provider": "feeds:\n  - id: a\n",
		"min sources": "feeds:\n  - id: a\n    min_sources: 2\n    providers: [{type: fixed, price: '1'}]\n",
		"bad age":     "feeds:\n  - id: a\n    max_age: soon\n    providers: [{type: fixed, price: '1'}]\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCoinGeckoProvider(t *testing.T) {
	updated := time.Unix(1_800_000_000, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "ethereum" || r.URL.Query().Get("vs_currencies") != "usd" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]interface{}{
			"ethereum": {"usd": 2012.55, "last_updated_at": updated.Unix()},
		})
	}))
	defer server.Close()

	reg := &Registry{HTTPClient: server.Client()}
	p, err := reg.Build(ProviderConfig{Type: "coingecko", Endpoint: server.URL, Asset: "ethereum"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	q, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Rate.FloatString(2) != "2012.55" {
		t.Fatalf("unexpected rate %s", q.Rate.FloatString(2))
	}
	if !q.Timestamp.Equal(updated) {
		t.Fatalf("unexpected timestamp %v", q.Timestamp)
	}

	missing, _ := reg.Build(ProviderConfig{Type: "coingecko", Endpoint: server.URL, Asset: "bitcoin"})
	if _, err := missing.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for unmapped asset")
	}
	if _, err := reg.Build(ProviderConfig{Type: "chainlink"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestManagerPushesMedian(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := func() time.Time { return now }
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	file, err := Parse([]byte(`
feeds:
  - id: eth-usd
    decimals: 8
    min_sources: 2
    providers:
      - {name: a, type: fixed, price: "1990"}
      - {name: b, type: fixed, price: "2000.5"}
      - {name: c, type: fixed, price: "2100"}
  - id: btc-usd
    min_sources: 1
    providers:
      - {name: gecko, type: coingecko, asset: bitcoin, endpoint: "` + down.URL + `"}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sources := oracle.NewSources()
	rec := &captureRecorder{}
	var updates []Update
	mgr, err := New(file, &Registry{HTTPClient: down.Client(), Now: clock}, sources, time.Second,
		WithClock(clock), WithRecorder(rec), WithUpdateHook(func(u Update) { updates = append(updates, u) }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = mgr.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "btc-usd") {
		t.Fatalf("expected btc-usd failure, got %v", err)
	}

	src, ok := sources.Lookup("ETH-USD")
	if !ok {
		t.Fatalf("eth-usd not registered")
	}
	round, err := src.LatestRound()
	if err != nil {
		t.Fatalf("latest round: %v", err)
	}
	if round.Answer.String() != "200050000000" || round.Decimals != 8 || !round.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected round %+v", round)
	}
	btc, _ := sources.Lookup("btc-usd")
	if _, err := btc.LatestRound(); err != oracle.ErrNoRound {
		t.Fatalf("expected no round for failed feed, got %v", err)
	}
	if len(rec.samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(rec.samples))
	}
	if len(updates) != 1 || updates[0].Feed != "eth-usd" || len(updates[0].Providers) != 3 {
		t.Fatalf("unexpected updates %+v", updates)
	}
}

func TestMedianEven(t *testing.T) {
	got := median([]*big.Rat{big.NewRat(3, 1), big.NewRat(1, 1), big.NewRat(2, 1), big.NewRat(4, 1)})
	if got.Cmp(big.NewRat(5, 2)) != 0 {
		t.Fatalf("unexpected median %s", got)
	}
	if scale(big.NewRat(1, 3), 2).Int64() != 33 {
		t.Fatalf("scale should truncate")
	}
}
