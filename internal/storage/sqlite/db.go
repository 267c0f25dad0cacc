// Package sqlite provides single-node run and dedup stores on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// sqlb builds statements with ? placeholders.
var sqlb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

var factTables = map[crawler.FactKind]string{
	crawler.FactURL:     "dedup_urls",
	crawler.FactContent: "dedup_hashes",
	crawler.FactTitle:   "dedup_titles",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id           TEXT PRIMARY KEY,
		started_at       INTEGER NOT NULL,
		completed_at     INTEGER,
		status           TEXT NOT NULL,
		scraped          INTEGER NOT NULL DEFAULT 0,
		filtered         INTEGER NOT NULL DEFAULT 0,
		stored           INTEGER NOT NULL DEFAULT 0,
		sources_failed   INTEGER NOT NULL DEFAULT 0,
		completed_stages TEXT NOT NULL DEFAULT '[]',
		errors           TEXT NOT NULL DEFAULT '[]',
		metadata         TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_single_running ON runs (status) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stage_records (
		run_id       TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
		stage        TEXT NOT NULL,
		category     TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   INTEGER NOT NULL,
		completed_at INTEGER,
		error        TEXT NOT NULL DEFAULT '',
		output_path  TEXT NOT NULL DEFAULT '',
		items        INTEGER NOT NULL DEFAULT 0,
		UNIQUE (run_id, stage, category)
	)`,
	`CREATE INDEX IF NOT EXISTS stage_records_latest ON stage_records (stage, category, completed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS source_fetches (
		source          TEXT PRIMARY KEY,
		last_success_at INTEGER NOT NULL
	)`,
}

func init() {
	for _, kind := range crawler.FactKinds() {
		table := factTables[kind]
		schema = append(schema,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key        TEXT PRIMARY KEY,
				source     TEXT NOT NULL DEFAULT '',
				title      TEXT NOT NULL DEFAULT '',
				origin     TEXT NOT NULL DEFAULT '',
				attempt    TEXT NOT NULL DEFAULT '',
				first_seen INTEGER NOT NULL,
				last_seen  INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at ON %s (expires_at)`, table, table),
		)
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the tables and indexes when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func tableFor(kind crawler.FactKind) (string, error) {
	table, ok := factTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown fact kind %q", kind)
	}
	return table, nil
}

// isUniqueViolation matches a UNIQUE failure on the given table.column.
func isUniqueViolation(err error, column string) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(sqErr.Error(), column)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
