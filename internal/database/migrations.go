package database

import (
	"context"
	"fmt"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add calls state index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_calls_state ON calls (state)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_calls_state')`,
	},
	{
		name: "add calls state check constraint",
		sql: `DO $$ BEGIN
    ALTER TABLE calls ADD CONSTRAINT ck_calls_state
        CHECK (state IN ('IN_PROGRESS', 'PROCESSING_AI', 'COMPLETED', 'FAILED', 'ARCHIVED'));
EXCEPTION WHEN duplicate_object THEN NULL;
END $$`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'ck_calls_state')`,
	},
	{
		name:  "add call_ai_results status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_call_ai_results_status ON call_ai_results (status)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_call_ai_results_status')`,
	},
}

// ApplyMigrations runs any migrations whose check reports unapplied.
func (db *DB) ApplyMigrations(ctx context.Context) error {
	for _, m := range migrations {
		var applied bool
		if err := db.Pool.QueryRow(ctx, m.check).Scan(&applied); err != nil {
			return fmt.Errorf("migration check %q: %w", m.name, err)
		}
		if applied {
			continue
		}

		db.log.Info().Str("migration", m.name).Msg("applying migration")
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}
	return nil
}
