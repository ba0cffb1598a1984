// Package broadcast implements the Server's single-producer,
// multi-consumer fan-out hub (§4.7): a bounded ring of recently-seen
// event ids (for ingest idempotence), and a set of WebSocket subscribers
// each with its own optional server-side filter and lag budget.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/aaronbassett/vibetea/internal/event"
)

// DefaultCapacity is the bounded ring/per-subscriber channel size (§3, §4.7).
const DefaultCapacity = 1000

// Filter is a subscriber's optional server-side predicate, supplied via
// upgrade-time query parameters (§4.7). A zero-value Filter matches
// everything.
type Filter struct {
	Source  string
	Session string
	Type    event.Type
}

func (f Filter) match(env event.Envelope) bool {
	if f.Source != "" && f.Source != env.Source {
		return false
	}
	if f.Type != "" && f.Type != env.Type {
		return false
	}
	if f.Session != "" && sessionID(env) != f.Session {
		return false
	}
	return true
}

// sessionID extracts the session_id carried by any payload variant; every
// variant has a SessionID field but the Payload interface does not expose
// it, so a short type switch suffices.
func sessionID(env event.Envelope) string {
	switch p := env.Payload.(type) {
	case event.SessionPayload:
		return p.SessionID
	case event.ActivityPayload:
		return p.SessionID
	case event.ToolPayload:
		return p.SessionID
	case event.AgentPayload:
		return p.SessionID
	case event.SummaryPayload:
		return p.SessionID
	case event.ErrorPayload:
		return p.SessionID
	case event.TodoPayload:
		return p.SessionID
	default:
		return ""
	}
}

// CloseReason identifies why the hub asked the HTTP layer to terminate a
// subscriber's WebSocket connection.
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseLagged
	CloseShutdown
)

// Subscriber is a single WebSocket client's fan-out handle. The HTTP
// layer owns the actual network connection; Subscriber only owns the
// buffered channel of already-framed messages and the lag/shutdown
// signal.
type Subscriber struct {
	filter Filter
	send   chan []byte
	closed chan CloseReason
}

// Send returns the channel of framed (already-JSON-encoded) messages to
// write to the WebSocket connection, one per text frame.
func (s *Subscriber) Send() <-chan []byte { return s.send }

// Closed returns a channel that receives the reason the hub wants this
// connection torn down (CloseLagged or CloseShutdown). The hub never
// closes it; Unsubscribe closes only the Send channel. Callers should
// select on it alongside the connection's own read loop.
func (s *Subscriber) Closed() <-chan CloseReason { return s.closed }

// Hub is the server's singleton broadcast point. One Hub is shared by the
// ingest endpoint (producer) and every WebSocket connection (consumer).
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]bool

	capacity int

	dedupMu  sync.Mutex
	seen     map[string]struct{}
	seenFIFO []string
}

// New creates a Hub with the given per-subscriber channel capacity and
// dedupe-window size (§3: "bounded ring of recent events").
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		subs:     make(map[*Subscriber]bool),
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Subscribe registers a new subscriber with the given filter and returns
// its handle. The caller (the WebSocket HTTP handler) is responsible for
// calling Unsubscribe when the connection closes.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	s := &Subscriber{
		filter: f,
		send:   make(chan []byte, h.capacity),
		closed: make(chan CloseReason, 1),
	}
	h.mu.Lock()
	h.subs[s] = true
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

// SubscriberCount reports the number of currently-attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans env out to every matching subscriber. A duplicate envelope
// id (observed on a retried batch, §8 P2) is recognized and not
// re-broadcast. A subscriber whose channel is already full is lagged: the
// hub does not block on it, and instead signals CloseLagged once, leaving
// other subscribers completely unaffected (§8 P5).
func (h *Hub) Publish(env event.Envelope) {
	if h.markSeen(env.ID) {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("broadcast: marshal error for %s: %v", env.ID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(env) {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.lag(s)
		}
	}
}

// markSeen records id in the bounded dedupe window and reports whether it
// had already been seen. The window holds at most `capacity` ids,
// evicting the oldest once full -- duplicates older than that are, in
// the worst case, rebroadcast, which is within the spec's "MAY observe
// duplicates... MUST treat as idempotent" allowance for a short retry
// window, not an unbounded history.
func (h *Hub) markSeen(id string) (duplicate bool) {
	h.dedupMu.Lock()
	defer h.dedupMu.Unlock()

	if _, ok := h.seen[id]; ok {
		return true
	}

	h.seen[id] = struct{}{}
	h.seenFIFO = append(h.seenFIFO, id)
	if len(h.seenFIFO) > h.capacity {
		oldest := h.seenFIFO[0]
		h.seenFIFO = h.seenFIFO[1:]
		delete(h.seen, oldest)
	}
	return false
}

// lag marks s as lagged: signals its Closed channel exactly once. The
// subscriber's connection is expected to be torn down by the HTTP layer
// shortly after observing the signal.
func (h *Hub) lag(s *Subscriber) {
	select {
	case s.closed <- CloseLagged:
	default:
	}
}

// Shutdown signals every subscriber to close (code 1001 at the HTTP
// layer) and waits up to timeout for each subscriber's buffered messages
// to drain before returning (§4.7 graceful shutdown).
func (h *Hub) Shutdown(timeout time.Duration) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(timeout)
	for _, s := range subs {
		for len(s.send) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		select {
		case s.closed <- CloseShutdown:
		default:
		}
	}
}
