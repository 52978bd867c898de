package oracle

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoRound is returned by sources that have never observed a price.
var ErrNoRound = errors.New("oracle: source has no data")

// Round is the latest answer reported by a price source.
type Round struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Source reports the most recent USD price of one asset. Implementations must
// not block: the ledger reads them inside its atomic operations.
type Source interface {
	LatestRound() (Round, error)
}

// PushFeed is a Source whose rounds are pushed in by an updater such as the
// price-feed poller or an operator.
type PushFeed struct {
	mu       sync.RWMutex
	decimals uint8
	round    *Round
}

// NewPushFeed creates an empty feed reporting answers with the given decimals.
func NewPushFeed(decimals uint8) *PushFeed {
	return &PushFeed{decimals: decimals}
}

// Decimals returns the scale of the feed's answers.
func (f *PushFeed) Decimals() uint8 {
	return f.decimals
}

// Push records a new answer observed at ts.
func (f *PushFeed) Push(answer *big.Int, ts time.Time) {
	if answer == nil {
		return
	}
	f.mu.Lock()
	f.round = &Round{Answer: new(big.Int).Set(answer), Decimals: f.decimals, UpdatedAt: ts}
	f.mu.Unlock()
}

// LatestRound implements Source.
func (f *PushFeed) LatestRound() (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.round == nil {
		return Round{}, ErrNoRound
	}
	return Round{
		Answer:    new(big.Int).Set(f.round.Answer),
		Decimals:  f.round.Decimals,
		UpdatedAt: f.round.UpdatedAt,
	}, nil
}

// Sources maps source identifiers to live Source implementations.
// Identifiers are case-insensitive.
type Sources struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewSources() *Sources {
	return &Sources{sources: make(map[string]Source)}
}

func normalizeSourceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces a source.
func (s *Sources) Register(id string, src Source) {
	key := normalizeSourceID(id)
	if key == "" || src == nil {
		return
	}
	s.mu.Lock()
	s.sources[key] = src
	s.mu.Unlock()
}

// Lookup returns the source registered under id.
func (s *Sources) Lookup(id string) (Source, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[normalizeSourceID(id)]
	return src, ok
}

// IDs lists registered identifiers in sorted order.
func (s *Sources) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
