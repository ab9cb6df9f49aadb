package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/notify"
	"github.com/snarg/callflow/internal/state"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialDashboard(t *testing.T, n *notify.Notifier) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(n, zerolog.Nop()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readJSON reads one text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSPingPong(t *testing.T) {
	n := notify.New(zerolog.Nop())
	conn := dialDashboard(t, n)

	writeJSON(t, conn, clientMessage{Action: "ping"})

	var resp serverMessage
	readJSON(t, conn, &resp)
	if resp.Type != "pong" {
		t.Errorf("Type = %q, want pong", resp.Type)
	}
}

func TestWSReceivesAllUpdatesByDefault(t *testing.T) {
	n := notify.New(zerolog.Nop())
	conn := dialDashboard(t, n)

	// The subscription registers during the handshake, but give the
	// session a beat to attach before publishing.
	waitForSubscribers(t, n, 1)
	n.Publish(notify.Event{CallID: "c9", State: state.Completed})

	var ev notify.Event
	readJSON(t, conn, &ev)
	if ev.Type != "call_update" || ev.CallID != "c9" || ev.State != state.Completed {
		t.Errorf("event = %+v", ev)
	}
}

func TestWSSubscribeNarrowsToOneCall(t *testing.T) {
	n := notify.New(zerolog.Nop())
	conn := dialDashboard(t, n)
	waitForSubscribers(t, n, 1)

	writeJSON(t, conn, clientMessage{Action: "subscribe", CallID: "c1"})

	var ack serverMessage
	readJSON(t, conn, &ack)
	if ack.Type != "subscribed" || ack.CallID != "c1" {
		t.Fatalf("ack = %+v", ack)
	}

	// The ack is sent after the new subscription is registered, so
	// these publishes are strictly ordered behind it.
	n.Publish(notify.Event{CallID: "c2", State: state.Failed})
	n.Publish(notify.Event{CallID: "c1", State: state.ProcessingAI})

	var ev notify.Event
	readJSON(t, conn, &ev)
	if ev.CallID != "c1" || ev.State != state.ProcessingAI {
		t.Errorf("event = %+v, want filtered c1 update", ev)
	}
}

func TestWSUnknownActionGetsError(t *testing.T) {
	n := notify.New(zerolog.Nop())
	conn := dialDashboard(t, n)

	writeJSON(t, conn, clientMessage{Action: "frobnicate"})

	var resp serverMessage
	readJSON(t, conn, &resp)
	if resp.Type != "error" {
		t.Errorf("Type = %q, want error", resp.Type)
	}
}

func waitForSubscribers(t *testing.T, n *notify.Notifier, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for n.SubscriberCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count never reached %d", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
