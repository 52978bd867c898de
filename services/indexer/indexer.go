package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kusd/core/types"
)

// Source is the authoritative audit log the index follows.
type Source interface {
	Events(from uint64, limit int) ([]types.Record, error)
}

// Indexer copies committed audit records into the Store. It catches up from
// the store's head on every wakeup, so a missed notification only delays
// indexing until the next tick.
type Indexer struct {
	store    *Store
	source   Source
	logger   *slog.Logger
	interval time.Duration
	notify   chan struct{}
}

// New builds an indexer polling source every interval.
func New(store *Store, source Source, interval time.Duration, logger *slog.Logger) *Indexer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:    store,
		source:   source,
		logger:   logger,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
}

// Notify wakes the indexer without blocking. Its signature matches the node's
// commit hook.
func (ix *Indexer) Notify([]types.Record) {
	select {
	case ix.notify <- struct{}{}:
	default:
	}
}

// Sync indexes every record the source holds past the store head and returns
// how many were added.
func (ix *Indexer) Sync(ctx context.Context) (int, error) {
	head, err := ix.store.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("index head: %w", err)
	}
	total := 0
	for {
		recs, err := ix.source.Events(head+1, MaxQueryLimit)
		if err != nil {
			return total, fmt.Errorf("read events from %d: %w", head+1, err)
		}
		if len(recs) == 0 {
			return total, nil
		}
		if err := ix.store.Index(ctx, recs); err != nil {
			return total, fmt.Errorf("index events: %w", err)
		}
		total += len(recs)
		head = recs[len(recs)-1].Sequence
	}
}

// Run syncs on every notification or tick until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		if n, err := ix.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.logger.Warn("event index sync failed", "error", err)
		} else if n > 0 {
			ix.logger.Debug("event index synced", "records", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-ix.notify:
		}
	}
}
