package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/state"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// ── Fan-out ──────────────────────────────────────────────────────────

func TestPublishFanOut(t *testing.T) {
	n := New(zerolog.Nop())

	all, cancelAll := n.Subscribe("")
	defer cancelAll()
	c1, cancelC1 := n.Subscribe("c1")
	defer cancelC1()
	c2, cancelC2 := n.Subscribe("c2")
	defer cancelC2()

	n.Publish(Event{CallID: "c1", State: state.ProcessingAI, Timestamp: time.Now()})

	e := recv(t, all)
	if e.CallID != "c1" || e.State != state.ProcessingAI {
		t.Errorf("all-subscriber got %+v", e)
	}
	if e.Type != "call_update" {
		t.Errorf("Type = %q, want call_update", e.Type)
	}

	e = recv(t, c1)
	if e.CallID != "c1" {
		t.Errorf("c1 subscriber got %+v", e)
	}

	select {
	case e := <-c2:
		t.Errorf("c2 subscriber unexpectedly got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	n := New(zerolog.Nop())
	ch, cancel := n.Subscribe("c1")
	defer cancel()

	states := []state.State{state.InProgress, state.ProcessingAI, state.Completed}
	for _, s := range states {
		n.Publish(Event{CallID: "c1", State: s})
	}
	for _, want := range states {
		if e := recv(t, ch); e.State != want {
			t.Fatalf("got state %s, want %s", e.State, want)
		}
	}
}

// ── Unsubscribe ──────────────────────────────────────────────────────

func TestCancelClosesChannel(t *testing.T) {
	n := New(zerolog.Nop())
	ch, cancel := n.Subscribe("c1")

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	if got := n.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Publishing after cancel must not panic.
	n.Publish(Event{CallID: "c1", State: state.Completed})
}

// ── Slow subscriber drop ─────────────────────────────────────────────

func TestSlowSubscriberDropped(t *testing.T) {
	n := New(zerolog.Nop())
	ch, cancel := n.Subscribe("c1")
	defer cancel()

	// Never read: fill the buffer, then overflow it.
	for i := 0; i <= subscriberBuffer; i++ {
		n.Publish(Event{CallID: "c1", State: state.ProcessingAI})
	}

	if got := n.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after drop", got)
	}

	// Drain: the channel must be closed after the buffered events.
	count := 0
	for range ch {
		count++
	}
	if count != subscriberBuffer {
		t.Errorf("drained %d events, want %d", count, subscriberBuffer)
	}
}
