package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AI result processing statuses.
const (
	AIStatusProcessing = "processing"
	AIStatusCompleted  = "completed"
	AIStatusFailed     = "failed"
)

// AIResult is a row in the call_ai_results table (one per call).
type AIResult struct {
	CallID       string
	Transcript   *string
	Sentiment    *string
	Status       string
	RetryCount   int
	LastRetryAt  *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// AIResultUpdate is a create-or-update payload for a call's AI result.
// Nil fields are left unchanged on conflict.
type AIResultUpdate struct {
	Transcript   *string
	Sentiment    *string
	Status       *string
	RetryCount   *int
	LastRetryAt  *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	// ClearError resets error_message to NULL (a nil ErrorMessage alone
	// means "leave unchanged").
	ClearError bool
}

// UpsertAIResult creates or updates the AI result row for a call.
// Accepts either a transaction or the pool, so the processor can fold
// it into a state-transition transaction or run it standalone for
// retry bookkeeping.
func (db *DB) UpsertAIResult(ctx context.Context, ex Execer, callID string, upd AIResultUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := ex.Exec(ctx, `
		INSERT INTO call_ai_results (
			call_id, transcript, sentiment, status,
			retry_count, last_retry_at, completed_at, error_message
		) VALUES (
			$1, $2, $3, COALESCE($4, 'processing'),
			COALESCE($5, 0), $6, $7, $8
		)
		ON CONFLICT (call_id) DO UPDATE SET
			transcript    = COALESCE($2, call_ai_results.transcript),
			sentiment     = COALESCE($3, call_ai_results.sentiment),
			status        = COALESCE($4, call_ai_results.status),
			retry_count   = COALESCE($5, call_ai_results.retry_count),
			last_retry_at = COALESCE($6, call_ai_results.last_retry_at),
			completed_at  = COALESCE($7, call_ai_results.completed_at),
			error_message = CASE WHEN $9 THEN NULL
			                ELSE COALESCE($8, call_ai_results.error_message) END
	`,
		callID, upd.Transcript, upd.Sentiment, upd.Status,
		upd.RetryCount, upd.LastRetryAt, upd.CompletedAt, upd.ErrorMessage,
		upd.ClearError,
	)
	if err != nil {
		return fmt.Errorf("upsert ai result: %w", err)
	}
	return nil
}

// GetAIResult returns the AI result for a call, or (nil, nil) if none
// exists yet.
func (db *DB) GetAIResult(ctx context.Context, callID string) (*AIResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var r AIResult
	err := db.Pool.QueryRow(ctx, `
		SELECT call_id, transcript, sentiment, status,
			retry_count, last_retry_at, completed_at, error_message
		FROM call_ai_results
		WHERE call_id = $1
	`, callID).Scan(
		&r.CallID, &r.Transcript, &r.Sentiment, &r.Status,
		&r.RetryCount, &r.LastRetryAt, &r.CompletedAt, &r.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ai result: %w", err)
	}
	return &r, nil
}
