// Package processor drives a call from ingested to transcribed-or-failed.
// Workers are spawned per trigger and are internally idempotent: the
// call's row-exclusive lock plus the state machine guarantee at most one
// owner per call, so concurrent triggers are harmless.
package processor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/ai"
	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/metrics"
	"github.com/snarg/callflow/internal/notify"
	"github.com/snarg/callflow/internal/state"
)

// Store is the persistence surface the processor needs. *database.DB
// implements it; tests substitute an in-memory fake.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetCallForUpdate(ctx context.Context, tx pgx.Tx, callID string) (*database.Call, error)
	UpdateCall(ctx context.Context, tx pgx.Tx, callID string, upd database.CallUpdate) error
	UpsertAIResult(ctx context.Context, ex database.Execer, callID string, upd database.AIResultUpdate) error
	AggregatePacketData(ctx context.Context, callID string) (string, error)
}

// Publisher receives state-change events after their transaction commits.
type Publisher interface {
	Publish(e notify.Event)
}

// defaultMaxRetries matches the MAX_AI_RETRIES config default.
const defaultMaxRetries = 5

// Options configures a Processor.
type Options struct {
	Store    Store
	Client   ai.Client
	Notifier Publisher
	// MaxRetries is the number of attempts beyond the first. Zero is
	// honored (single attempt, no retries); negative selects the
	// default of 5.
	MaxRetries int
	Log        zerolog.Logger
}

// Processor runs detached per-call workers. Each worker claims the call
// under its row lock, invokes the transcription client with exponential
// backoff, and publishes committed transitions.
type Processor struct {
	store      Store
	client     ai.Client
	notifier   Publisher
	maxRetries int
	log        zerolog.Logger

	// backoff is swappable for tests.
	backoff func(attempt int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func New(opts Options) *Processor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:      opts.Store,
		client:     opts.Client,
		notifier:   opts.Notifier,
		maxRetries: opts.MaxRetries,
		log:        opts.Log.With().Str("component", "processor").Logger(),
		backoff:    defaultBackoff,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Trigger spawns a detached worker for the call and returns immediately.
// Safe to call concurrently and repeatedly for the same call: workers
// that find the call already claimed exit at the idempotence guard.
func (p *Processor) Trigger(callID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.active.Add(1)
		defer p.active.Add(-1)
		p.run(p.ctx, callID)
	}()
}

// Close waits for in-flight workers to drain. If ctx expires first, the
// remaining workers are cancelled: their next sleep or database
// operation aborts and the call is left in PROCESSING_AI, recoverable
// after restart.
func (p *Processor) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn().Msg("drain timeout, cancelling in-flight workers")
		p.cancel()
		<-done
	}
	p.cancel()
	p.log.Info().Msg("processor stopped")
}

// ActiveWorkerCount returns the number of workers currently in flight.
func (p *Processor) ActiveWorkerCount() int {
	return int(p.active.Load())
}

func (p *Processor) run(ctx context.Context, callID string) {
	log := p.log.With().Str("call_id", callID).Logger()

	claimed, err := p.claim(ctx, callID, log)
	if err != nil {
		log.Error().Err(err).Msg("claim failed, aborting worker")
		return
	}
	if !claimed {
		return
	}
	p.publish(callID, state.ProcessingAI, nil)

	audio, err := p.store.AggregatePacketData(ctx, callID)
	if err != nil {
		// Call stays PROCESSING_AI; a restart can re-trigger it.
		log.Error().Err(err).Msg("packet aggregation failed, aborting worker")
		return
	}

	for attempt := 1; attempt <= p.maxRetries+1; attempt++ {
		metrics.AIAttemptsTotal.Inc()
		if attempt > 1 {
			metrics.AIRetriesTotal.Inc()
		}

		res, aiErr := p.client.Transcribe(ctx, callID, audio)
		if aiErr == nil {
			if err := p.complete(ctx, callID, res, attempt); err != nil {
				log.Error().Err(err).Msg("completion write failed, aborting worker")
				return
			}
			metrics.CallsCompletedTotal.Inc()
			log.Info().Int("attempts", attempt).Msg("call completed")
			return
		}

		if ctx.Err() != nil {
			log.Warn().Msg("worker cancelled during processing")
			return
		}

		if attempt <= p.maxRetries {
			if err := p.recordRetry(ctx, callID, attempt, aiErr); err != nil {
				log.Error().Err(err).Msg("retry bookkeeping failed, aborting worker")
				return
			}
			delay := p.backoff(attempt)
			log.Info().
				Err(aiErr).
				Int("attempt", attempt).
				Int("max_retries", p.maxRetries).
				Dur("backoff_ms", delay).
				Msg("transcription failed, backing off")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		if err := p.fail(ctx, callID, attempt, aiErr); err != nil {
			log.Error().Err(err).Msg("failure write failed, aborting worker")
			return
		}
		metrics.CallsFailedTotal.Inc()
		log.Error().Err(aiErr).Int("attempts", attempt).Msg("retries exhausted, call failed")
		return
	}
}

// claim is the idempotence guard: under the call's row lock, it checks
// that no other worker owns the call, transitions it to PROCESSING_AI,
// and seeds the AI result row. The lock is released before any external
// I/O happens.
func (p *Processor) claim(ctx context.Context, callID string, log zerolog.Logger) (bool, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	call, err := p.store.GetCallForUpdate(ctx, tx, callID)
	if err != nil {
		return false, err
	}
	if call == nil {
		log.Warn().Msg("call not found, nothing to process")
		return false, nil
	}

	if call.State != state.InProgress && call.State != state.Failed {
		// Another worker or a prior transition owns the outcome.
		log.Debug().Str("state", string(call.State)).Msg("call not claimable, skipping")
		return false, nil
	}
	if err := state.Transition(call.State, state.ProcessingAI); err != nil {
		return false, err
	}

	st := state.ProcessingAI
	if err := p.store.UpdateCall(ctx, tx, callID, database.CallUpdate{State: &st}); err != nil {
		return false, err
	}
	status := database.AIStatusProcessing
	if err := p.store.UpsertAIResult(ctx, tx, callID, database.AIResultUpdate{
		Status:     &status,
		ClearError: true,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) complete(ctx context.Context, callID string, res *ai.Result, attempt int) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	call, err := p.store.GetCallForUpdate(ctx, tx, callID)
	if err != nil {
		return err
	}
	if call == nil {
		return pgx.ErrNoRows
	}
	if err := state.Transition(call.State, state.Completed); err != nil {
		return err
	}

	st := state.Completed
	if err := p.store.UpdateCall(ctx, tx, callID, database.CallUpdate{State: &st}); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := database.AIStatusCompleted
	if err := p.store.UpsertAIResult(ctx, tx, callID, database.AIResultUpdate{
		Transcript:  &res.Transcript,
		Sentiment:   &res.Sentiment,
		Status:      &status,
		RetryCount:  &attempt,
		CompletedAt: &now,
		ClearError:  true,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	p.publish(callID, state.Completed, &notify.AISnapshot{
		Transcript: res.Transcript,
		Sentiment:  res.Sentiment,
		Status:     database.AIStatusCompleted,
		RetryCount: attempt,
	})
	return nil
}

// recordRetry persists the attempt count and error between attempts.
// The call stays in PROCESSING_AI, so no row lock is needed.
func (p *Processor) recordRetry(ctx context.Context, callID string, attempt int, aiErr error) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	msg := aiErr.Error()
	if err := p.store.UpsertAIResult(ctx, tx, callID, database.AIResultUpdate{
		RetryCount:   &attempt,
		LastRetryAt:  &now,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Processor) fail(ctx context.Context, callID string, attempt int, aiErr error) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	call, err := p.store.GetCallForUpdate(ctx, tx, callID)
	if err != nil {
		return err
	}
	if call == nil {
		return pgx.ErrNoRows
	}
	if err := state.Transition(call.State, state.Failed); err != nil {
		return err
	}

	st := state.Failed
	if err := p.store.UpdateCall(ctx, tx, callID, database.CallUpdate{State: &st}); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := database.AIStatusFailed
	msg := aiErr.Error()
	if err := p.store.UpsertAIResult(ctx, tx, callID, database.AIResultUpdate{
		Status:       &status,
		RetryCount:   &attempt,
		LastRetryAt:  &now,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	p.publish(callID, state.Failed, nil)
	return nil
}

func (p *Processor) publish(callID string, st state.State, snap *notify.AISnapshot) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(notify.Event{
		CallID:    callID,
		State:     st,
		Timestamp: time.Now().UTC(),
		AIResult:  snap,
	})
}

// defaultBackoff returns 2^attempt seconds plus up to one second of
// jitter: ~2, ~4, ~8, ~16, ~32 s for attempts 1..5.
func defaultBackoff(attempt int) time.Duration {
	return time.Duration((float64(int64(1)<<attempt) + rand.Float64()) * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
