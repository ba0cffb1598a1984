package ws

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aaronbassett/vibetea/internal/broadcast"
	"github.com/aaronbassett/vibetea/internal/config"
	"github.com/aaronbassett/vibetea/internal/event"
	"github.com/aaronbassett/vibetea/internal/ratelimit"
	"github.com/aaronbassett/vibetea/internal/verify"
	"github.com/gorilla/websocket"
)

// maxBodyBytes is the ingest endpoint's body size cap (§6).
const maxBodyBytes = 1 << 20

// maxSubscribers bounds the number of concurrently attached WebSocket
// clients, mirroring the teacher's connection-limiting idiom.
const maxSubscribers = 1000

// Server is the Server process's HTTP surface: POST /events, GET /ws, and
// GET /health (§6).
type Server struct {
	cfg      *config.Server
	registry *verify.Registry
	limiter  *ratelimit.Limiter
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	draining atomic.Bool
}

// New builds a Server. registry may be nil only when cfg.UnsafeNoAuth is
// set (dev bypass, §6).
func New(cfg *config.Server, registry *verify.Registry, limiter *ratelimit.Limiter, hub *broadcast.Hub) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		hub:      hub,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// SetupRoutes registers the Server's handlers on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/events", requestLog(securityHeaders(http.HandlerFunc(s.handleEvents))))
	mux.Handle("/ws", requestLog(securityHeaders(http.HandlerFunc(s.handleWS))))
	mux.Handle("/health", securityHeaders(http.HandlerFunc(s.handleHealth)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthBody{Status: "ok"})
}

// handleEvents implements the Server's ingest endpoint (§4.5, §6):
// extract headers, verify the Ed25519 signature over the raw body,
// rate-limit the now-authenticated source, then deserialize and
// broadcast the batch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "shutting-down", "server is shutting down")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "body-too-large", "request body exceeds 1 MiB limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "malformed-body", "could not read request body")
		return
	}

	sourceID := r.Header.Get("X-Source-ID")
	sigB64 := r.Header.Get("X-Signature")

	if s.cfg.UnsafeNoAuth {
		if sourceID == "" {
			writeJSONError(w, http.StatusBadRequest, verify.CodeMissingSource, "X-Source-ID header is required")
			return
		}
	} else {
		if err := verify.Verify(s.registry, sourceID, sigB64, body); err != nil {
			s.respondVerifyError(w, sourceID, err)
			return
		}
	}

	if allow, retryAfter := s.limiter.Check(sourceID); !allow {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, "rate-limited", "too many requests from this source")
		return
	}

	var batch event.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed-batch", "request body is not a valid event batch")
		return
	}

	for _, env := range batch {
		s.hub.Publish(env)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) respondVerifyError(w http.ResponseWriter, sourceID string, err error) {
	var verr *verify.VerifyError
	if !errors.As(err, &verr) {
		log.Printf("events: unexpected verify error for source %q: %v", sourceID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	log.Printf("events: auth rejected for source %q: %s", sourceID, verr.Code)

	status := http.StatusUnauthorized
	if verr.Code == verify.CodeMissingSource || verr.Code == verify.CodeMalformedSignature {
		status = http.StatusBadRequest
	}
	writeJSONError(w, status, verr.Code, verr.Message)
}

// handleWS implements the Server's WebSocket subscriber upgrade (§4.7,
// §6). Auth happens after the upgrade so a rejected client still
// receives a proper WebSocket close frame (code 1008) rather than a bare
// HTTP error -- consistent with the other close-code path (lag).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	if !s.cfg.UnsafeNoAuth && !s.authorizeSubscriber(r) {
		closeWithCode(conn, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	if s.hub.SubscriberCount() >= maxSubscribers {
		closeWithCode(conn, websocket.CloseTryAgainLater, "too many subscribers")
		return
	}

	filter := parseFilter(r.URL.Query())
	sub := s.hub.Subscribe(filter)
	log.Printf("ws: subscriber connected from %s", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writePump(conn, sub, done)
	s.hub.Unsubscribe(sub)
	log.Printf("ws: subscriber disconnected from %s", r.RemoteAddr)
}

// writePump forwards framed events to conn until the subscriber is
// lagged, the server shuts down, or the client disconnects (done closes
// from the read-side goroutine detecting the closed connection).
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber, done <-chan struct{}) {
	defer conn.Close()
	for {
		select {
		case msg, ok := <-sub.Send():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case reason := <-sub.Closed():
			switch reason {
			case broadcast.CloseLagged:
				closeWithCode(conn, websocket.ClosePolicyViolation, "subscriber-too-slow")
			case broadcast.CloseShutdown:
				closeWithCode(conn, websocket.CloseGoingAway, "server shutting down")
			}
			return

		case <-done:
			return
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(msg, time.Now().Add(5*time.Second))
	conn.Close()
}

// authorizeSubscriber checks the WebSocket bearer token from the query
// string or the Authorization header, in constant time (§6).
func (s *Server) authorizeSubscriber(r *http.Request) bool {
	if s.cfg.SubscriberToken == "" {
		return false
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return constantTimeEqual(token, s.cfg.SubscriberToken)
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return constantTimeEqual(strings.TrimPrefix(auth, "Bearer "), s.cfg.SubscriberToken)
	}

	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// parseFilter builds a broadcast.Filter from the upgrade-time query
// parameters source/session/type (§4.7, §6).
func parseFilter(q url.Values) broadcast.Filter {
	return broadcast.Filter{
		Source:  q.Get("source"),
		Session: q.Get("session"),
		Type:    event.Type(q.Get("type")),
	}
}

// checkOrigin allows same-host and loopback origins, refusing everything
// else -- there is no browser-facing deployment surface named in the
// spec beyond a locally-run dashboard (§1 "out of scope... the browser
// UI"), so a permissive allowlist mechanism isn't warranted here.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "[::1]" {
		return true
	}
	return false
}

// securityHeaders sets a conservative default set of hardening headers
// on every response, matching the teacher's middleware idiom.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", strings.Join([]string{
			"default-src 'self'",
			"connect-src 'self' ws: wss:",
			"style-src 'self' 'unsafe-inline'",
			"img-src 'self' data:",
			"object-src 'none'",
			"base-uri 'self'",
		}, "; "))
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server on addr, serving mux.
func ListenAndServe(addr string, mux *http.ServeMux) error {
	log.Printf("server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// Shutdown stops accepting new ingest and drains the broadcast hub to
// current subscribers for up to timeout before returning (§4.7 graceful
// shutdown). The caller is still responsible for stopping the
// underlying http.Server.
func (s *Server) Shutdown(timeout time.Duration) {
	s.draining.Store(true)
	s.hub.Shutdown(timeout)
}
