package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

var factTables = map[crawler.FactKind]string{
	crawler.FactURL:     "dedup_urls",
	crawler.FactContent: "dedup_hashes",
	crawler.FactTitle:   "dedup_titles",
}

func tableFor(kind crawler.FactKind) (string, error) {
	table, ok := factTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown fact kind %q", kind)
	}
	return table, nil
}

// CacheStore implements store.CacheStore on Postgres.
type CacheStore struct {
	pool Pool
}

// NewCacheStore wraps an existing pool.
func NewCacheStore(pool Pool) (*CacheStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CacheStore{pool: pool}, nil
}

// GetFact loads one fact.
func (s *CacheStore) GetFact(ctx context.Context, kind crawler.FactKind, key string) (crawler.CacheEntry, error) {
	table, err := tableFor(kind)
	if err != nil {
		return crawler.CacheEntry{}, err
	}
	query := fmt.Sprintf(`
		SELECT key, source, title, origin, attempt, first_seen, last_seen, expires_at
		FROM %s WHERE key = $1;`, table)
	entry := crawler.CacheEntry{Kind: kind}
	err = s.pool.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.SourceName, &entry.Title, &entry.Origin, &entry.Attempt,
		&entry.FirstSeen, &entry.LastSeen, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CacheEntry{}, fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	if err != nil {
		return crawler.CacheEntry{}, fmt.Errorf("failed to get %s fact: %w", kind, err)
	}
	return entry, nil
}

// PutFact inserts or replaces a fact.
func (s *CacheStore) PutFact(ctx context.Context, entry crawler.CacheEntry) error {
	table, err := tableFor(entry.Kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, source, title, origin, attempt, first_seen, last_seen, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE
		SET source = EXCLUDED.source,
			title = EXCLUDED.title,
			origin = EXCLUDED.origin,
			attempt = EXCLUDED.attempt,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			expires_at = EXCLUDED.expires_at;`, table)
	_, err = s.pool.Exec(ctx, query,
		entry.Key, entry.SourceName, entry.Title, entry.Origin, entry.Attempt,
		entry.FirstSeen.UTC(), entry.LastSeen.UTC(), entry.ExpiresAt.UTC(),
	)
	if err != nil {
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
	query := fmt.Sprintf(`UPDATE %s SET last_seen = GREATEST(last_seen, $2) WHERE key = $1;`, table)
	tag, err := s.pool.Exec(ctx, query, key, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch %s fact: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s fact: %w", kind, store.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes facts past their TTL from every table.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, kind := range crawler.FactKinds() {
		query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1;`, factTables[kind])
		tag, err := s.pool.Exec(ctx, query, now.UTC())
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s facts: %w", kind, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// CountFacts counts live facts per kind.
func (s *CacheStore) CountFacts(ctx context.Context, now time.Time) (map[crawler.FactKind]int64, error) {
	out := make(map[crawler.FactKind]int64, len(factTables))
	for _, kind := range crawler.FactKinds() {
		query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE expires_at > $1;`, factTables[kind])
		var n int64
		if err := s.pool.QueryRow(ctx, query, now.UTC()).Scan(&n); err != nil {
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE expires_at > $1;`, table), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to scan %s facts: %w", kind, err)
	}
	defer rows.Close()
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
