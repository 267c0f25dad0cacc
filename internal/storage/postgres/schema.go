package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id           TEXT PRIMARY KEY,
		started_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ,
		status           TEXT NOT NULL,
		scraped          INTEGER NOT NULL DEFAULT 0,
		filtered         INTEGER NOT NULL DEFAULT 0,
		stored           INTEGER NOT NULL DEFAULT 0,
		sources_failed   INTEGER NOT NULL DEFAULT 0,
		completed_stages JSONB NOT NULL DEFAULT '[]',
		errors           JSONB NOT NULL DEFAULT '[]',
		metadata         JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_single_running ON runs (status) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stage_records (
		run_id       TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
		stage        TEXT NOT NULL,
		category     TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error        TEXT NOT NULL DEFAULT '',
		output_path  TEXT NOT NULL DEFAULT '',
		items        INTEGER NOT NULL DEFAULT 0,
		UNIQUE (run_id, stage, category)
	)`,
	`CREATE INDEX IF NOT EXISTS stage_records_latest ON stage_records (stage, category, completed_at DESC) WHERE status = 'completed'`,
	`CREATE TABLE IF NOT EXISTS source_fetches (
		source          TEXT PRIMARY KEY,
		last_success_at TIMESTAMPTZ NOT NULL
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
				first_seen TIMESTAMPTZ NOT NULL,
				last_seen  TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at ON %s (expires_at)`, table, table),
		)
	}
}

// Migrate creates the tables and indexes when missing.
func Migrate(ctx context.Context, pool Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
