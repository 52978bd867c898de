package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"kusd/core/types"
)

// ErrPathRequired is returned when the index location is missing.
var ErrPathRequired = errors.New("indexer: database path must be configured")

// MaxQueryLimit bounds a single Query.
const MaxQueryLimit = 500

// Store is the SQL-backed event and price index.
type Store struct {
	db *gorm.DB
}

// Open connects to the index. DSNs with a postgres:// or postgresql:// scheme
// use PostgreSQL; anything else is treated as a SQLite path or DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	default:
		dialector = sqlite.Open(sqliteDSN(trimmed))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Store{db: db}, nil
}

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	return fmt.Sprintf("file:%s?%s", path, defaultFilePragmas)
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Index stores records. Records already present are left untouched.
func (s *Store) Index(ctx context.Context, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]EventRow, 0, len(recs))
	for _, rec := range recs {
		row, err := rowFromRecord(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", rec.Sequence, err)
		}
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Head returns the highest indexed sequence, or zero when empty.
func (s *Store) Head(ctx context.Context) (uint64, error) {
	var head int64
	row := s.db.WithContext(ctx).Model(&EventRow{}).Select("COALESCE(MAX(sequence), 0)").Row()
	if err := row.Scan(&head); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// Filter narrows an event query. Zero values match everything.
type Filter struct {
	Type    string
	Op      string
	Account string
	From    uint64
	Limit   int
}

// Query returns indexed records in sequence order.
func (s *Store) Query(ctx context.Context, f Filter) ([]types.Record, error) {
	q := s.db.WithContext(ctx).Model(&EventRow{}).Where("sequence >= ?", f.From)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Op != "" {
		q = q.Where("op = ?", f.Op)
	}
	if f.Account != "" {
		q = q.Where("account = ?", strings.ToLower(strings.TrimSpace(f.Account)))
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	var rows []EventRow
	if err := q.Order("sequence ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", row.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordSample persists an accepted price observation.
func (s *Store) RecordSample(ctx context.Context, feed, provider string, rate *big.Rat, observedAt time.Time) error {
	if rate == nil {
		return fmt.Errorf("rate required")
	}
	sample := PriceSample{
		Feed:       strings.ToLower(strings.TrimSpace(feed)),
		Provider:   provider,
		Rate:       rate.FloatString(18),
		ObservedAt: observedAt.UTC(),
	}
	return s.db.WithContext(ctx).Create(&sample).Error
}

// Samples returns the most recent observations of feed, newest first.
func (s *Store) Samples(ctx context.Context, feed string, limit int) ([]PriceSample, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	var out []PriceSample
	err := s.db.WithContext(ctx).
		Where("feed = ?", strings.ToLower(strings.TrimSpace(feed))).
		Order("observed_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
