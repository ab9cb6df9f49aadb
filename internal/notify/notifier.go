// Package notify fans out call state-change events to subscribers.
// Delivery is best-effort and in-process only: no persistence, no
// replay. Subscribers that connect after an event was published never
// see it.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/metrics"
	"github.com/snarg/callflow/internal/state"
)

// subscriberBuffer is the per-subscriber outbound buffer. A subscriber
// that falls this far behind is dropped rather than back-pressuring
// the processor.
const subscriberBuffer = 64

// AISnapshot is the AI result attached to completion events.
type AISnapshot struct {
	Transcript string `json:"transcript"`
	Sentiment  string `json:"sentiment"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
}

// Event is a committed state transition. Events are published only
// after the transaction that produced them commits.
type Event struct {
	Type      string      `json:"type"` // always "call_update"
	CallID    string      `json:"call_id"`
	State     state.State `json:"state"`
	Timestamp time.Time   `json:"timestamp"`
	AIResult  *AISnapshot `json:"ai_result,omitempty"`
}

type subscriber struct {
	ch     chan Event
	callID string // "" subscribes to all calls
}

// Notifier is the subscription registry. Per-subscriber delivery
// follows publish order; nothing is guaranteed across subscribers.
type Notifier struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	log    zerolog.Logger
}

func New(log zerolog.Logger) *Notifier {
	return &Notifier{
		subs: make(map[uint64]*subscriber),
		log:  log.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers interest in a single call, or in all calls when
// callID is empty. The returned cancel is idempotent and closes the
// channel.
func (n *Notifier) Subscribe(callID string) (<-chan Event, func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), callID: callID}
	n.subs[id] = sub
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if _, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub.ch)
			}
			n.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. A subscriber
// whose buffer is full is removed and its channel closed; the failure
// is logged, never propagated.
func (n *Notifier) Publish(e Event) {
	if e.Type == "" {
		e.Type = "call_update"
	}
	metrics.NotifierEventsTotal.Inc()

	n.mu.Lock()
	for id, sub := range n.subs {
		if sub.callID != "" && sub.callID != e.CallID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			delete(n.subs, id)
			close(sub.ch)
			metrics.NotifierDroppedSubscribersTotal.Inc()
			n.log.Warn().
				Str("call_id", sub.callID).
				Msg("dropping slow subscriber")
		}
	}
	n.mu.Unlock()
}

// SubscriberCount returns the current number of registered subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
