package database

import "context"

// schemaSQL is the full schema for a fresh database. The unique
// constraint on (call_id, sequence) is load-bearing: packet idempotence
// is enforced here, not in application code.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS calls (
    call_id       text PRIMARY KEY,
    state         text NOT NULL DEFAULT 'IN_PROGRESS',
    last_sequence integer NOT NULL DEFAULT -1,
    created_at    timestamptz NOT NULL DEFAULT now(),
    updated_at    timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS call_packets (
    id          bigserial PRIMARY KEY,
    call_id     text NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
    sequence    integer NOT NULL CHECK (sequence >= 0),
    data        text NOT NULL,
    "timestamp" double precision NOT NULL,
    received_at timestamptz NOT NULL DEFAULT now(),
    CONSTRAINT uq_call_packets_call_seq UNIQUE (call_id, sequence)
);

CREATE TABLE IF NOT EXISTS call_ai_results (
    call_id       text PRIMARY KEY REFERENCES calls(call_id) ON DELETE CASCADE,
    transcript    text,
    sentiment     text,
    status        text NOT NULL DEFAULT 'processing',
    retry_count   integer NOT NULL DEFAULT 0,
    last_retry_at timestamptz,
    completed_at  timestamptz,
    error_message text
);

CREATE INDEX IF NOT EXISTS idx_call_packets_call ON call_packets (call_id);
`

// InitSchema applies the full schema on a fresh database. It checks
// whether the "calls" table exists as a proxy for whether the schema
// has been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'calls')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected — applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
