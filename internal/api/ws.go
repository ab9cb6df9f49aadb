package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/notify"
)

// outboundBuffer sizes the per-connection write queue. A client that
// cannot drain it in time loses the connection rather than blocking
// publishers.
const outboundBuffer = 64

// Subscriber hands out event streams. *notify.Notifier implements it.
type Subscriber interface {
	Subscribe(callID string) (<-chan notify.Event, func())
}

// WSHandler serves the dashboard socket. A fresh connection receives
// every call update; a subscribe message narrows it to one call.
type WSHandler struct {
	notifier Subscriber
	log      zerolog.Logger
}

func NewWSHandler(notifier Subscriber, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		notifier: notifier,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

type clientMessage struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
}

type serverMessage struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	s := &wsSession{
		conn:     conn,
		notifier: h.notifier,
		log:      h.log.With().Str("remote", r.RemoteAddr).Logger(),
		out:      make(chan any, outboundBuffer),
	}
	s.run(r.Context())
}

type wsSession struct {
	conn     *websocket.Conn
	notifier Subscriber
	log      zerolog.Logger
	out      chan any
}

func (s *wsSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close(websocket.StatusNormalClosure, "")

	go func() {
		s.writeLoop(ctx)
		cancel()
	}()

	// Start on the firehose until the client narrows the subscription.
	detach := s.attach(ctx, "")
	defer func() { detach() }()

	s.log.Debug().Msg("dashboard client connected")
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("dashboard client disconnected")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(ctx, serverMessage{Type: "error"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			detach()
			detach = s.attach(ctx, msg.CallID)
			s.send(ctx, serverMessage{Type: "subscribed", CallID: msg.CallID})
		case "ping":
			s.send(ctx, serverMessage{Type: "pong"})
		default:
			s.send(ctx, serverMessage{Type: "error"})
		}
	}
}

// attach subscribes to the notifier and forwards events onto the write
// queue until detached or the session ends. The returned func blocks
// until the forwarder is gone, so subscriptions never overlap.
func (s *wsSession) attach(ctx context.Context, callID string) func() {
	events, cancel := s.notifier.Subscribe(callID)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				s.send(ctx, e)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *wsSession) send(ctx context.Context, v any) {
	select {
	case s.out <- v:
	case <-ctx.Done():
	}
}

// writeLoop is the sole writer on the connection.
func (s *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case v := <-s.out:
			data, err := json.Marshal(v)
			if err != nil {
				s.log.Error().Err(err).Msg("marshal outbound message")
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
