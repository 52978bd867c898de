package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
	"kusd/storage"
)

func addr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type fixture struct {
	oracle *Oracle
	feed   *PushFeed
	admin  crypto.Address
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := state.NewManager(state.NewJournal(storage.NewMemDB()))
	ctrl := access.New(mgr)
	admin := addr(0xAA)
	if err := ctrl.Bootstrap(Scope, access.Admin, admin); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	f := &fixture{admin: admin, now: time.Unix(1_700_000_000, 0)}
	f.feed = NewPushFeed(8)
	sources := NewSources()
	sources.Register("weth-usd", f.feed)
	f.oracle = New(mgr, ctrl, sources, func() time.Time { return f.now })
	if err := f.oracle.SetPriceFeed(admin, "WETH", "WETH-USD", 18, time.Hour); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	return f
}

func TestGetPriceNormalisesToEighteenDecimals(t *testing.T) {
	f := newFixture(t)
	f.feed.Push(big.NewInt(3000_00000000), f.now)

	quote, err := f.oracle.GetPrice("weth")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if quote.Price.Cmp(ether(3000)) != 0 || quote.Decimals != 18 {
		t.Fatalf("unexpected quote: %s/%d", quote.Price, quote.Decimals)
	}
	value, err := f.oracle.ValueOf("WETH", ether(1))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Cmp(ether(3000)) != 0 {
		t.Fatalf("1 WETH valued at %s", value)
	}
	if got := quote.Amount(ether(1500)); got.Cmp(new(big.Int).Div(ether(1), big.NewInt(2))) != 0 {
		t.Fatalf("unexpected amount for $1500: %s", got)
	}
}

func TestGetPriceFailsClosed(t *testing.T) {
	f := newFixture(t)

	if _, err := f.oracle.GetPrice("WETH"); !errors.Is(err, ErrStaleOrInvalidPrice) {
		t.Fatalf("empty source must fail, got %v", err)
	}

	f.feed.Push(big.NewInt(3000_00000000), f.now.Add(-time.Hour))
	if _, err := f.oracle.GetPrice("WETH"); err != nil {
		t.Fatalf("round exactly at the staleness bound must pass: %v", err)
	}
	f.feed.Push(big.NewInt(3000_00000000), f.now.Add(-time.Hour-time.Second))
	if _, err := f.oracle.GetPrice("WETH"); !errors.Is(err, ErrStaleOrInvalidPrice) {
		t.Fatalf("stale round must fail, got %v", err)
	}

	f.feed.Push(big.NewInt(0), f.now)
	if _, err := f.oracle.GetPrice("WETH"); !errors.Is(err, ErrStaleOrInvalidPrice) {
		t.Fatalf("zero price must fail, got %v", err)
	}
	f.feed.Push(big.NewInt(-1), f.now)
	if _, err := f.oracle.GetPrice("WETH"); !errors.Is(err, ErrStaleOrInvalidPrice) {
		t.Fatalf("negative price must fail, got %v", err)
	}

	if _, err := f.oracle.GetPrice("USDC"); !errors.Is(err, ErrStaleOrInvalidPrice) {
		t.Fatalf("asset without feed must fail, got %v", err)
	}
}

func TestSetPriceFeedValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.oracle.SetPriceFeed(addr(1), "USDC", "weth-usd", 6, time.Hour); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.oracle.SetPriceFeed(f.admin, "USDC", "missing", 6, time.Hour); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected unknown source, got %v", err)
	}
	if err := f.oracle.SetPriceFeed(f.admin, "USDC", "weth-usd", 6, 0); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected invalid feed, got %v", err)
	}
	// Replacing a feed takes effect immediately.
	if err := f.oracle.SetPriceFeed(f.admin, "WETH", "weth-usd", 18, time.Minute); err != nil {
		t.Fatalf("replace feed: %v", err)
	}
	feed, err := f.oracle.Feed("WETH")
	if err != nil || feed == nil || feed.MaxStaleness != 60 {
		t.Fatalf("unexpected feed after replace: %+v %v", feed, err)
	}
}

func TestParseStaleness(t *testing.T) {
	if d, err := ParseStaleness("3600"); err != nil || d != time.Hour {
		t.Fatalf("unexpected seconds parse: %s %v", d, err)
	}
	if d, err := ParseStaleness("15m"); err != nil || d != 15*time.Minute {
		t.Fatalf("unexpected duration parse: %s %v", d, err)
	}
	if _, err := ParseStaleness("soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}
