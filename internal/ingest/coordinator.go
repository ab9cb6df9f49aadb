// Package ingest admits packets: under the call's row-exclusive lock it
// ensures the call row exists, absorbs duplicates, persists the packet,
// and fires the processor without awaiting it. The request is
// acknowledged as soon as the transaction commits; no transcription
// work happens on the request path.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/metrics"
	"github.com/snarg/callflow/internal/state"
)

// createAttempts bounds the create/lock race loop. Exceeding it means
// something is deleting call rows out from under us.
const createAttempts = 3

// ErrIngestionFailed wraps unexpected store errors; the packet was not
// persisted and the caller sees a server error.
var ErrIngestionFailed = errors.New("ingestion failed")

// Store is the persistence surface the coordinator needs. *database.DB
// implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetCallForUpdate(ctx context.Context, tx pgx.Tx, callID string) (*database.Call, error)
	CreateCall(ctx context.Context, tx pgx.Tx, callID string, initial state.State) error
	InsertPacket(ctx context.Context, tx pgx.Tx, row database.PacketRow) error
	UpdateCall(ctx context.Context, tx pgx.Tx, callID string, upd database.CallUpdate) error
}

// TriggerFunc fires the processor for a call as a detached task.
type TriggerFunc func(callID string)

// Ack is the acknowledgment returned to the submitter.
type Ack struct {
	CallID    string
	Sequence  int
	Duplicate bool
	// Message is an informational note (duplicate absorbed, sequence
	// anomaly); the packet was accepted either way.
	Message string
}

// Coordinator is the per-packet entry point.
type Coordinator struct {
	store   Store
	trigger TriggerFunc
	log     zerolog.Logger
}

func NewCoordinator(store Store, trigger TriggerFunc, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		trigger: trigger,
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

// IngestPacket durably accepts one packet. Concurrent submissions for
// the same call serialize on the row lock; concurrent first packets
// race on CreateCall and the loser retries the locked-read path.
func (c *Coordinator) IngestPacket(ctx context.Context, callID string, sequence int, data string, timestamp float64) (*Ack, error) {
	log := c.log.With().Str("call_id", callID).Int("sequence", sequence).Logger()

	for attempt := 0; attempt < createAttempts; attempt++ {
		ack, retry, err := c.tryIngest(ctx, callID, sequence, data, timestamp, log)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		}
		if retry {
			continue
		}

		if !ack.Duplicate {
			metrics.PacketsIngestedTotal.Inc()
			// Fire-and-forget: the processor must never run on the
			// request path, and it inherits no lock from us.
			if c.trigger != nil {
				c.trigger(callID)
			}
		}
		return ack, nil
	}
	return nil, fmt.Errorf("%w: call %s: create/lock race did not settle after %d attempts",
		ErrIngestionFailed, callID, createAttempts)
}

// tryIngest runs one pass of the lock-or-create algorithm. retry=true
// means the first-packet race was lost and the caller should restart.
func (c *Coordinator) tryIngest(ctx context.Context, callID string, sequence int, data string, timestamp float64, log zerolog.Logger) (ack *Ack, retry bool, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	call, err := c.store.GetCallForUpdate(ctx, tx, callID)
	if err != nil {
		return nil, false, err
	}

	if call == nil {
		// No row to lock yet. End this transaction and create the call
		// in a fresh one; on a lost race, restart the locked-read path.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		if err := c.createCall(ctx, callID, log); err != nil {
			if errors.Is(err, database.ErrCallExists) {
				return nil, true, nil
			}
			return nil, false, err
		}
		return nil, true, nil
	}

	err = c.store.InsertPacket(ctx, tx, database.PacketRow{
		CallID:    callID,
		Sequence:  sequence,
		Data:      data,
		Timestamp: timestamp,
	})
	if errors.Is(err, database.ErrDuplicatePacket) {
		// Idempotent resubmission: absorb silently, still acknowledge.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		metrics.DuplicatePacketsTotal.Inc()
		log.Debug().Msg("duplicate packet absorbed")
		return &Ack{
			CallID:    callID,
			Sequence:  sequence,
			Duplicate: true,
			Message:   "duplicate packet ignored",
		}, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	msg := c.checkSequence(call, sequence, log)

	if sequence > call.LastSequence {
		seq := sequence
		if err := c.store.UpdateCall(ctx, tx, callID, database.CallUpdate{LastSequence: &seq}); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	return &Ack{CallID: callID, Sequence: sequence, Message: msg}, false, nil
}

// createCall inserts the call row in its own short transaction.
func (c *Coordinator) createCall(ctx context.Context, callID string, log zerolog.Logger) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := c.store.CreateCall(ctx, tx, callID, state.InProgress); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.CallsCreatedTotal.Inc()
	log.Info().Msg("call created on first packet")
	return nil
}

// checkSequence warns on gaps and reorders. Anomalies never fail the
// request; last_sequence advances as max(current, sequence).
func (c *Coordinator) checkSequence(call *database.Call, sequence int, log zerolog.Logger) string {
	expected := call.LastSequence + 1
	switch {
	case sequence == expected:
		return ""
	case sequence > expected:
		metrics.SequenceAnomaliesTotal.WithLabelValues("gap").Inc()
		log.Warn().
			Int("expected", expected).
			Msg("sequence gap detected")
	default:
		metrics.SequenceAnomaliesTotal.WithLabelValues("reorder").Inc()
		log.Warn().
			Int("expected", expected).
			Msg("out-of-order packet")
	}
	return fmt.Sprintf("packet accepted but sequence mismatch (expected %d)", expected)
}
