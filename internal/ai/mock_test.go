package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(failureRate float64) *MockClient {
	return NewMockClient(MockOptions{
		FailureRate: failureRate,
		MinLatency:  time.Millisecond,
		MaxLatency:  5 * time.Millisecond,
		Seed:        42,
		Log:         zerolog.Nop(),
	})
}

// ── Failure injection ────────────────────────────────────────────────

func TestMockTranscribeAlwaysFails(t *testing.T) {
	c := newTestClient(1.0)
	for i := 0; i < 5; i++ {
		_, err := c.Transcribe(context.Background(), "c1", "data")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: err = %v, want ErrUnavailable", i+1, err)
		}
	}
	st := c.Stats()
	if st.Calls != 5 || st.Failures != 5 {
		t.Errorf("stats = %+v, want 5 calls / 5 failures", st)
	}
}

func TestMockTranscribeNeverFails(t *testing.T) {
	c := newTestClient(0.0)
	res, err := c.Transcribe(context.Background(), "c1", "abcdef")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !strings.Contains(res.Transcript, "c1") {
		t.Errorf("transcript %q does not mention call id", res.Transcript)
	}
	if res.Sentiment == "" {
		t.Error("empty sentiment")
	}
	if st := c.Stats(); st.Failures != 0 {
		t.Errorf("failures = %d, want 0", st.Failures)
	}
}

// ── Determinism ──────────────────────────────────────────────────────

func TestSentimentDeterministic(t *testing.T) {
	a := sentimentFor("call-abc")
	for i := 0; i < 10; i++ {
		if got := sentimentFor("call-abc"); got != a {
			t.Fatalf("sentimentFor not stable: %q then %q", a, got)
		}
	}

	valid := map[string]bool{"positive": true, "negative": true, "neutral": true, "mixed": true}
	if !valid[a] {
		t.Errorf("sentiment %q not in the known label set", a)
	}
}

// ── Cancellation ─────────────────────────────────────────────────────

func TestMockTranscribeCancelled(t *testing.T) {
	c := NewMockClient(MockOptions{
		FailureRate: 0,
		MinLatency:  time.Minute,
		MaxLatency:  time.Minute,
		Seed:        1,
		Log:         zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Transcribe(ctx, "c1", "data")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Transcribe did not return promptly on cancellation")
	}
}

// ── Latency window ───────────────────────────────────────────────────

func TestMockTranscribeLatencyBounds(t *testing.T) {
	c := NewMockClient(MockOptions{
		FailureRate: 0,
		MinLatency:  20 * time.Millisecond,
		MaxLatency:  40 * time.Millisecond,
		Seed:        7,
		Log:         zerolog.Nop(),
	})

	start := time.Now()
	if _, err := c.Transcribe(context.Background(), "c1", "x"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, want >= 20ms", elapsed)
	}
}
