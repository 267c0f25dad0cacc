package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// CacheStore implements store.CacheStore on SQLite.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore wraps an opened database.
func NewCacheStore(db *sql.DB) (*CacheStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &CacheStore{db: db}, nil
}

// GetFact loads one fact.
func (s *CacheStore) GetFact(ctx context.Context, kind crawler.FactKind, key string) (crawler.CacheEntry, error) {
	table, err := tableFor(kind)
	if err != nil {
		return crawler.CacheEntry{}, err
	}
	query, args, err := sqlb.
		Select("key", "source", "title", "origin", "attempt", "first_seen", "last_seen", "expires_at").
		From(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("build fact query: %w", err)
	}
	var (
		entry                  = crawler.CacheEntry{Kind: kind}
		first, last, expiresAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&entry.Key, &entry.SourceName, &entry.Title, &entry.Origin, &entry.Attempt,
		&first, &last, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CacheEntry{}, fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	if err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("failed to get %s fact: %w", kind, err)
	}
	entry.FirstSeen, entry.LastSeen, entry.ExpiresAt = fromNanos(first), fromNanos(last), fromNanos(expiresAt)
	return entry, nil
}

// PutFact inserts or replaces a fact.
func (s *CacheStore) PutFact(ctx context.Context, entry crawler.CacheEntry) error {
	table, err := tableFor(entry.Kind)
	if err != nil {
		return err
	}
	query, args, err := sqlb.Insert(table).
		Options("OR REPLACE").
		Columns("key", "source", "title", "origin", "attempt", "first_seen", "last_seen", "expires_at").
		Values(entry.Key, entry.SourceName, entry.Title, entry.Origin, entry.Attempt,
			toNanos(entry.FirstSeen), toNanos(entry.LastSeen), toNanos(entry.ExpiresAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build fact insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put %s fact: %w", entry.Kind, err)
	}
	return nil
}

// TouchFact moves LastSeen forward.
func (s *CacheStore) TouchFact(ctx context.Context, kind crawler.FactKind, key string, at time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET last_seen = MAX(last_seen, ?) WHERE key = ?`, table)
	res, err := s.db.ExecContext(ctx, query, toNanos(at), key)
	if err != nil {
		return fmt.Errorf("failed to touch %s fact: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch %s fact: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes facts past their TTL from every table.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, kind := range crawler.FactKinds() {
		query, args, err := sqlb.Delete(factTables[kind]).Where(sq.LtOrEq{"expires_at": toNanos(now)}).ToSql()
		if err != nil {
			return total, fmt.Errorf("build sweep: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s facts: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s facts: %w", kind, err)
		}
		total += n
	}
	return total, nil
}

// CountFacts counts live facts per kind.
func (s *CacheStore) CountFacts(ctx context.Context, now time.Time) (map[crawler.FactKind]int64, error) {
	out := make(map[crawler.FactKind]int64, len(factTables))
	for _, kind := range crawler.FactKinds() {
		query, args, err := sqlb.Select("count(*)").From(factTables[kind]).
			Where(sq.Gt{"expires_at": toNanos(now)}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build count: %w", err)
		}
		var n int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s facts: %w", kind, err)
		}
		out[kind] = n
	}
	return out, nil
}

// ScanKeys streams live keys of kind to fn.
func (s *CacheStore) ScanKeys(ctx context.Context, kind crawler.FactKind, now time.Time, fn func(string) error) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	query, args, err := sqlb.Select("key").From(table).Where(sq.Gt{"expires_at": toNanos(now)}).ToSql()
	if err != nil {
		return fmt.Errorf("build key scan: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan %s facts: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("failed to scan %s fact: %w", kind, err)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return rows.Err()
}
