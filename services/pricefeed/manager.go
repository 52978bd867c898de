package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"kusd/native/oracle"
	"kusd/observability"
)

// Recorder persists accepted raw samples. The event indexer implements it.
type Recorder interface {
	RecordSample(ctx context.Context, feed, provider string, rate *big.Rat, observedAt time.Time) error
}

// Update summarises one answer pushed into a feed.
type Update struct {
	Feed      string
	Answer    *big.Int
	Providers []string
	Time      time.Time
}

type feed struct {
	cfg       FeedConfig
	push      *oracle.PushFeed
	providers []Provider
}

// Manager polls upstream providers and pushes their median into the
// oracle's PushFeed sources.
type Manager struct {
	logger   *slog.Logger
	recorder Recorder
	feeds    []*feed
	interval time.Duration
	now      func() time.Time
	onUpdate func(Update)
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder persists every accepted sample.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithUpdateHook observes every pushed answer.
func WithUpdateHook(fn func(Update)) Option {
	return func(m *Manager) {
		m.onUpdate = fn
	}
}

// New builds providers for every feed in file and registers one PushFeed per
// feed id into sources, replacing any source with the same id.
func New(file *File, registry *Registry, sources *oracle.Sources, interval time.Duration, opts ...Option) (*Manager, error) {
	if file == nil || len(file.Feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if sources == nil {
		return nil, fmt.Errorf("oracle sources required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	mgr := &Manager{
		logger:   slog.Default(),
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	for _, cfg := range file.Feeds {
		f := &feed{cfg: cfg, push: oracle.NewPushFeed(cfg.Decimals)}
		for _, pc := range cfg.Providers {
			p, err := registry.Build(pc)
			if err != nil {
				return nil, fmt.Errorf("feed %s: %w", cfg.ID, err)
			}
			f.providers = append(f.providers, p)
		}
		sources.Register(cfg.ID, f.push)
		mgr.feeds = append(mgr.feeds, f)
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream providers until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("price feed poller started", "feeds", len(m.feeds), "interval", m.interval)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("price feed tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick refreshes every feed once. A failing feed keeps its previous answer,
// which the oracle rejects once it goes stale.
func (m *Manager) Tick(ctx context.Context) error {
	var errs []error
	for _, f := range m.feeds {
		if err := m.refresh(ctx, f); err != nil {
			observability.Engine().RecordPriceFailure(f.cfg.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) refresh(ctx context.Context, f *feed) error {
	now := m.now()
	rates := make([]*big.Rat, 0, len(f.providers))
	names := make([]string, 0, len(f.providers))
	var oldest time.Time
	for _, p := range f.providers {
		q, err := p.Fetch(ctx)
		if err != nil {
			m.logger.Warn("price provider failed", "asset", f.cfg.ID, "component", p.Name(), "error", err)
			continue
		}
		if q.Rate == nil || q.Rate.Sign() <= 0 {
			m.logger.Warn("price provider returned invalid rate", "asset", f.cfg.ID, "component", p.Name())
			continue
		}
		if q.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("price provider produced future timestamp", "asset", f.cfg.ID, "component", p.Name())
			continue
		}
		if q.Timestamp.Before(now.Add(-f.cfg.MaxAge.Duration)) {
			m.logger.Warn("price provider quote expired", "asset", f.cfg.ID, "component", p.Name())
			continue
		}
		if m.recorder != nil {
			if err := m.recorder.RecordSample(ctx, f.cfg.ID, p.Name(), q.Rate, q.Timestamp); err != nil {
				m.logger.Warn("record price sample", "asset", f.cfg.ID, "error", err)
			}
		}
		if oldest.IsZero() || q.Timestamp.Before(oldest) {
			oldest = q.Timestamp
		}
		rates = append(rates, q.Rate)
		names = append(names, p.Name())
	}
	if len(rates) < f.cfg.MinSources {
		return fmt.Errorf("feed %s: %d of %d required providers answered", f.cfg.ID, len(rates), f.cfg.MinSources)
	}
	answer := scale(median(rates), f.cfg.Decimals)
	if answer.Sign() <= 0 {
		return fmt.Errorf("feed %s: median rounds to zero", f.cfg.ID)
	}
	f.push.Push(answer, oldest)
	observability.Engine().RecordPrice(f.cfg.ID, scale(median(rates), 18))
	m.logger.Debug("price feed updated", "asset", f.cfg.ID, "answer", answer.String(), "providers", names)
	if m.onUpdate != nil {
		m.onUpdate(Update{Feed: f.cfg.ID, Answer: answer, Providers: names, Time: oldest})
	}
	return nil
}

func median(rates []*big.Rat) *big.Rat {
	sorted := make([]*big.Rat, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

// scale truncates rate to an integer answer with the given decimals.
func scale(rate *big.Rat, decimals uint8) *big.Int {
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	num := new(big.Int).Mul(rate.Num(), factor)
	return num.Quo(num, rate.Denom())
}
