package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/callflow/internal/state"
)

// ErrCallExists is returned by CreateCall when the call row already
// exists. Ingestion uses it to disambiguate concurrent first-packet
// races: the loser rolls back and retries the locked-read path.
var ErrCallExists = errors.New("call already exists")

// Call is a row in the calls table.
type Call struct {
	CallID       string
	State        state.State
	LastSequence int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CallUpdate is a partial update to a call row. Nil fields are left
// unchanged. updated_at is always bumped.
type CallUpdate struct {
	State        *state.State
	LastSequence *int
}

// CallSnapshot is the read-only aggregate served by the status endpoint.
type CallSnapshot struct {
	Call        Call
	PacketCount int
	HasAIResult bool
}

// GetCallForUpdate reads a call row under an exclusive row lock. The
// lock blocks concurrent ingestions for the same call_id and is
// released when tx commits or rolls back. Returns (nil, nil) when the
// call does not exist.
func (db *DB) GetCallForUpdate(ctx context.Context, tx pgx.Tx, callID string) (*Call, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var c Call
	err := tx.QueryRow(ctx, `
		SELECT call_id, state, last_sequence, created_at, updated_at
		FROM calls
		WHERE call_id = $1
		FOR UPDATE
	`, callID).Scan(&c.CallID, &c.State, &c.LastSequence, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call for update: %w", err)
	}
	return &c, nil
}

// CreateCall inserts a new call row in the given initial state.
// Returns ErrCallExists if the primary key already exists.
func (db *DB) CreateCall(ctx context.Context, tx pgx.Tx, callID string, initial state.State) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := tx.Exec(ctx, `
		INSERT INTO calls (call_id, state, last_sequence)
		VALUES ($1, $2, -1)
	`, callID, initial)
	if isUniqueViolation(err, "calls_pkey") {
		return ErrCallExists
	}
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// UpdateCall applies a partial update to a call row. The caller is
// responsible for holding the row lock when the update must be
// serialized against concurrent writers.
func (db *DB) UpdateCall(ctx context.Context, tx pgx.Tx, callID string, upd CallUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := tx.Exec(ctx, `
		UPDATE calls SET
			state = COALESCE($2, state),
			last_sequence = COALESCE($3, last_sequence),
			updated_at = now()
		WHERE call_id = $1
	`, callID, upd.State, upd.LastSequence)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update call %s: no such call", callID)
	}
	return nil
}

// GetCallSnapshot returns the call with its packet count and AI result
// presence. Returns (nil, nil) when the call does not exist.
func (db *DB) GetCallSnapshot(ctx context.Context, callID string) (*CallSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var s CallSnapshot
	err := db.Pool.QueryRow(ctx, `
		SELECT c.call_id, c.state, c.last_sequence, c.created_at, c.updated_at,
			(SELECT count(*) FROM call_packets p WHERE p.call_id = c.call_id),
			EXISTS (SELECT 1 FROM call_ai_results r WHERE r.call_id = c.call_id)
		FROM calls c
		WHERE c.call_id = $1
	`, callID).Scan(
		&s.Call.CallID, &s.Call.State, &s.Call.LastSequence,
		&s.Call.CreatedAt, &s.Call.UpdatedAt,
		&s.PacketCount, &s.HasAIResult,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call snapshot: %w", err)
	}
	return &s, nil
}
