package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// sentiments are the possible mock sentiment labels. The label for a
// given call_id is deterministic so tests can assert on it.
var sentiments = []string{"positive", "negative", "neutral", "mixed"}

// MockClient simulates a flaky external transcription API: variable
// latency plus a configurable failure probability.
type MockClient struct {
	failureRate float64
	minLatency  time.Duration
	maxLatency  time.Duration
	log         zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	calls    atomic.Int64
	failures atomic.Int64
}

// MockOptions configures a MockClient. Zero latencies default to the
// 1–3 s window of the real provider being simulated.
type MockOptions struct {
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Seed        int64 // 0 = time-seeded
	Log         zerolog.Logger
}

func NewMockClient(opts MockOptions) *MockClient {
	if opts.MinLatency <= 0 {
		opts.MinLatency = time.Second
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockClient{
		failureRate: opts.FailureRate,
		minLatency:  opts.MinLatency,
		maxLatency:  opts.MaxLatency,
		log:         opts.Log,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Transcribe sleeps for a random latency inside the configured window,
// then either fails with ErrUnavailable (failureRate probability) or
// returns a deterministic mock result for the call.
func (m *MockClient) Transcribe(ctx context.Context, callID, audioData string) (*Result, error) {
	n := m.calls.Add(1)

	m.mu.Lock()
	latency := m.minLatency + time.Duration(m.rng.Int63n(int64(m.maxLatency-m.minLatency)+1))
	fail := m.rng.Float64() < m.failureRate
	m.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if fail {
		f := m.failures.Add(1)
		m.log.Warn().
			Str("call_id", callID).
			Int64("failures", f).
			Int64("calls", n).
			Msg("mock ai service failure")
		return nil, fmt.Errorf("%w: 503 service temporarily down", ErrUnavailable)
	}

	m.log.Debug().
		Str("call_id", callID).
		Dur("latency_ms", latency).
		Msg("mock ai service success")

	return &Result{
		Transcript: fmt.Sprintf("Mock transcript for call %s: customer and agent conversation (%d bytes of metadata)", callID, len(audioData)),
		Sentiment:  sentimentFor(callID),
	}, nil
}

// sentimentFor picks a sentiment label from a stable hash of the call id.
func sentimentFor(callID string) string {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return sentiments[h.Sum32()%uint32(len(sentiments))]
}

// MockStats reports invocation counters for the health endpoint.
type MockStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

func (m *MockClient) Stats() MockStats {
	return MockStats{Calls: m.calls.Load(), Failures: m.failures.Load()}
}
