// Package oracle values assets in USD. Every read is checked for staleness
// against the caller's clock and fails closed.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"kusd/core/events"
	"kusd/core/state"
	"kusd/crypto"
	"kusd/native/access"
)

// Scope is the capability scope of the oracle's administrative operations.
const Scope = "oracle"

// PriceDecimals is the fixed-point scale of every normalised USD amount.
const PriceDecimals = 18

var (
	ErrStaleOrInvalidPrice = errors.New("oracle: stale or invalid price")
	ErrUnknownSource       = errors.New("oracle: unknown price source")
	ErrInvalidFeed         = errors.New("oracle: invalid feed configuration")
)

// Feed is the persisted configuration of an asset's price feed.
type Feed struct {
	Source string
	// Decimals is the asset's base-unit exponent used when converting
	// amounts to USD.
	Decimals     uint8
	MaxStaleness uint64
}

// Quote is a validated price normalised to 18 decimals.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

type Oracle struct {
	state   *state.Manager
	access  *access.Controller
	sources *Sources
	now     func() time.Time
	emitter events.Emitter
}

func New(mgr *state.Manager, ctrl *access.Controller, sources *Sources, now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{state: mgr, access: ctrl, sources: sources, now: now, emitter: events.NoopEmitter{}}
}

func (o *Oracle) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	o.emitter = emitter
}

func feedKey(asset string) []byte {
	return []byte("oracle/feed/" + state.NormalizeSymbol(asset))
}

// SetPriceFeed replaces the feed for asset. The caller must be an oracle
// ADMIN.
func (o *Oracle) SetPriceFeed(caller crypto.Address, asset, source string, decimals uint8, maxStaleness time.Duration) error {
	if err := o.access.Require(Scope, access.Admin, caller); err != nil {
		return err
	}
	if state.NormalizeSymbol(asset) == "" {
		return fmt.Errorf("%w: empty asset", ErrInvalidFeed)
	}
	if maxStaleness < time.Second {
		return fmt.Errorf("%w: max staleness must be at least one second", ErrInvalidFeed)
	}
	if decimals > 36 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidFeed, decimals)
	}
	if _, ok := o.sources.Lookup(source); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	feed := Feed{
		Source:       normalizeSourceID(source),
		Decimals:     decimals,
		MaxStaleness: uint64(maxStaleness / time.Second),
	}
	if err := o.state.KVPut(feedKey(asset), &feed); err != nil {
		return err
	}
	o.emitter.Emit(events.OracleFeedUpdated{
		Asset:        asset,
		Source:       feed.Source,
		Decimals:     feed.Decimals,
		MaxStaleness: feed.MaxStaleness,
	})
	return nil
}

// Feed returns the stored feed configuration for asset, or nil.
func (o *Oracle) Feed(asset string) (*Feed, error) {
	feed := new(Feed)
	ok, err := o.state.KVGet(feedKey(asset), feed)
	if err != nil || !ok {
		return nil, err
	}
	return feed, nil
}

// GetPrice returns the USD price of one whole unit of asset scaled to 18
// decimals, together with the asset's decimals.
func (o *Oracle) GetPrice(asset string) (Quote, error) {
	symbol := state.NormalizeSymbol(asset)
	feed, err := o.Feed(symbol)
	if err != nil {
		return Quote{}, err
	}
	if feed == nil {
		return Quote{}, fmt.Errorf("%w: no feed for %s", ErrStaleOrInvalidPrice, symbol)
	}
	src, ok := o.sources.Lookup(feed.Source)
	if !ok {
		return Quote{}, fmt.Errorf("%w: source %s unavailable for %s", ErrStaleOrInvalidPrice, feed.Source, symbol)
	}
	round, err := src.LatestRound()
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrStaleOrInvalidPrice, symbol, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: %s non-positive answer", ErrStaleOrInvalidPrice, symbol)
	}
	if round.UpdatedAt.IsZero() {
		return Quote{}, fmt.Errorf("%w: %s missing update time", ErrStaleOrInvalidPrice, symbol)
	}
	age := o.now().Sub(round.UpdatedAt)
	if age > time.Duration(feed.MaxStaleness)*time.Second {
		return Quote{}, fmt.Errorf("%w: %s last updated %s ago", ErrStaleOrInvalidPrice, symbol, age.Truncate(time.Second))
	}
	price := normalize(round.Answer, round.Decimals)
	if price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: %s price rounds to zero", ErrStaleOrInvalidPrice, symbol)
	}
	return Quote{Price: price, Decimals: feed.Decimals, UpdatedAt: round.UpdatedAt}, nil
}

// ValueOf converts amount base units of asset into 18-decimal USD.
func (o *Oracle) ValueOf(asset string, amount *big.Int) (*big.Int, error) {
	quote, err := o.GetPrice(asset)
	if err != nil {
		return nil, err
	}
	return quote.Value(amount), nil
}

// Value converts amount base units into 18-decimal USD, rounding down.
func (q Quote) Value(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, q.Price)
	return out.Quo(out, pow10(q.Decimals))
}

// Amount converts an 18-decimal USD value into base units, rounding down.
func (q Quote) Amount(usd *big.Int) *big.Int {
	if usd == nil || usd.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(usd, pow10(q.Decimals))
	return out.Quo(out, q.Price)
}

func normalize(answer *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(answer)
	if decimals <= PriceDecimals {
		return out.Mul(out, pow10(PriceDecimals-decimals))
	}
	return out.Quo(out, pow10(decimals-PriceDecimals))
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseStaleness accepts a Go duration or a bare number of seconds.
func ParseStaleness(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if d, err := time.ParseDuration(trimmed); err == nil {
		return d, nil
	}
	secs, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || !secs.IsInt64() || secs.Sign() < 0 {
		return 0, fmt.Errorf("oracle: invalid staleness %q", s)
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}
