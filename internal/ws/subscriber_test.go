package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aaronbassett/vibetea/internal/broadcast"
	"github.com/aaronbassett/vibetea/internal/config"
	"github.com/aaronbassett/vibetea/internal/event"
	"github.com/aaronbassett/vibetea/internal/ratelimit"
	"github.com/gorilla/websocket"
)

func newWSTestServer(t *testing.T) (*httptest.Server, *broadcast.Hub) {
	t.Helper()
	reg, _ := verifyRegistryFixture()
	hub := broadcast.New(4)
	s := New(&config.Server{SubscriberToken: "secret-token"}, reg, ratelimit.NewDefault(), hub)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server, query string) string {
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query
	return u.String()
}

func TestWSSubscribeAndReceive(t *testing.T) {
	srv, hub := newWSTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscriber.
	time.Sleep(20 * time.Millisecond)
	if hub.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", hub.SubscriberCount())
	}

	hub.Publish(event.Envelope{
		ID:        "evt_BBBBBBBBBBBBBBBBBBBB",
		Source:    "monitor-1",
		Timestamp: time.Now().UTC(),
		Type:      event.TypeActivity,
		Payload:   event.ActivityPayload{SessionID: "s1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var env event.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal received frame: %v", err)
	}
	if env.ID != "evt_BBBBBBBBBBBBBBBBBBBB" {
		t.Errorf("ID = %q, want evt_BBBBBBBBBBBBBBBBBBBB", env.ID)
	}
}

func TestWSUnauthorizedClosesWithPolicyViolation(t *testing.T) {
	srv, _ := newWSTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=wrong"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected CloseError, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if !strings.Contains(closeErr.Text, "unauthorized") {
		t.Errorf("close reason = %q, want to contain unauthorized", closeErr.Text)
	}
}

func TestWSFilterExcludesNonMatchingEvents(t *testing.T) {
	srv, hub := newWSTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret-token&type=tool"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.Publish(event.Envelope{
		ID:        "evt_CCCCCCCCCCCCCCCCCCCC",
		Source:    "monitor-1",
		Timestamp: time.Now().UTC(),
		Type:      event.TypeActivity,
		Payload:   event.ActivityPayload{SessionID: "s1"},
	})
	hub.Publish(event.Envelope{
		ID:        "evt_DDDDDDDDDDDDDDDDDDDD",
		Source:    "monitor-1",
		Timestamp: time.Now().UTC(),
		Type:      event.TypeTool,
		Payload:   event.ToolPayload{SessionID: "s1", Tool: "Read", Status: "started"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var env event.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.ID != "evt_DDDDDDDDDDDDDDDDDDDD" {
		t.Errorf("expected only the tool event to be delivered, got %q", env.ID)
	}
}
