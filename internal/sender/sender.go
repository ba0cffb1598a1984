// Package sender implements the Monitor's bounded buffer and signed HTTP
// delivery to the Server (§4.4): a buffer flushed on three triggers
// (full, periodic timer, shutdown), signed batch-atomically, retried
// with exponential backoff and jitter, and lossy-overflow under
// sustained backpressure rather than ever spilling to disk.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aaronbassett/vibetea/internal/event"
)

// DefaultBufferSize and DefaultFlushInterval are the spec's stated
// defaults (§4.4, §6).
const (
	DefaultBufferSize    = 1000
	DefaultFlushInterval = 5 * time.Second
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
	maxAttempts = 5
)

// Signer signs the exact bytes of an outgoing batch body.
type Signer interface {
	Sign(body []byte) string
}

// Config configures a Sender.
type Config struct {
	ServerURL     string // base URL; events are posted to ServerURL+"/events"
	SourceID      string
	Signer        Signer
	BufferSize    int
	FlushInterval time.Duration
	Client        *http.Client
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
}

// Sender owns the bounded buffer (§3) and the goroutine draining it.
// Enqueue is the only method meant to be called concurrently with Run;
// Run itself must be started exactly once and blocks until its context
// is canceled.
type Sender struct {
	cfg Config
	in  chan event.Envelope

	mu  sync.Mutex
	buf *ring

	flushNow chan struct{}
}

// New creates a Sender. The caller must call Run to start delivery.
func New(cfg Config) *Sender {
	cfg.setDefaults()
	return &Sender{
		cfg:      cfg,
		in:       make(chan event.Envelope, cfg.BufferSize),
		buf:      newRing(cfg.BufferSize),
		flushNow: make(chan struct{}, 1),
	}
}

// Enqueue submits env for delivery. It blocks if the input channel is
// full, transitively slowing upstream producers (§5: "the tailer
// awaits, which transitively slows parsing"). Run reads nothing from the
// channel while a flush and its retries are in progress, so a long retry
// blocks Enqueue rather than evicting buffered events.
func (s *Sender) Enqueue(ctx context.Context, env event.Envelope) error {
	select {
	case s.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OverflowCount reports how many buffered events have been evicted
// oldest-first from the ring (§4.4 overflow_count metric). Eviction
// happens when shutdown drains queued events into a ring that cannot
// hold them all.
func (s *Sender) OverflowCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.overflowCount
}

// Flush requests an immediate out-of-band flush, used by tests and by
// callers that want to force delivery without waiting for the periodic
// timer.
func (s *Sender) Flush() {
	select {
	case s.flushNow <- struct{}{}:
	default:
	}
}

// Run drains the input channel into the buffer and flushes on three
// triggers: buffer full, a periodic ticker, and context cancellation
// (graceful shutdown, given up to 5s to drain per §4.4).
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-s.in:
			if !ok {
				s.flush(context.Background())
				return
			}
			s.mu.Lock()
			s.buf.push(env)
			full := s.buf.full()
			s.mu.Unlock()
			if full {
				s.flush(ctx)
			}

		case <-ticker.C:
			s.flush(ctx)

		case <-s.flushNow:
			s.flush(ctx)

		case <-ctx.Done():
			s.shutdown()
			return
		}
	}
}

// shutdown drains any remaining queued events onto the buffer (without
// blocking indefinitely) and attempts one final flush within a 5s
// deadline (§4.4).
func (s *Sender) shutdown() {
	deadline := time.After(5 * time.Second)
drain:
	for {
		select {
		case env := <-s.in:
			s.mu.Lock()
			s.buf.push(env)
			s.mu.Unlock()
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-deadline:
	default:
	}
	s.flush(ctx)
}

// flush takes the current buffer contents and attempts delivery with
// retry/backoff. On permanent failure the batch is dropped (logged,
// metadata-only per the privacy contract).
func (s *Sender) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.buf.drain()
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := s.deliver(ctx, batch); err != nil {
		log.Printf("sender: dropping batch of %d events (first id %s): %v",
			len(batch), batch[0].ID, err)
	}
}

// deliver POSTs batch to the Server, retrying on network error or 5xx
// with exponential backoff and jitter (500ms base, 30s cap, 5 attempts).
// 429 responses honor Retry-After and do not count against the attempt
// cap. Any other 4xx is a permanent failure.
func (s *Sender) deliver(ctx context.Context, batch []event.Envelope) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	sig := s.cfg.Signer.Sign(body)

	attempt := 0
	for {
		err := s.post(ctx, body, sig)
		if err == nil {
			return nil
		}

		var rl *rateLimitedError
		if errors.As(err, &rl) {
			delay := rl.retryAfter
			if delay <= 0 {
				delay = backoffDelay(attempt)
			}
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue // does not count toward attempt cap
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return err
		}

		attempt++
		if attempt >= maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if !sleep(ctx, backoffDelay(attempt)) {
			return ctx.Err()
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "rate limited" }

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent failure: http %d", e.status)
}

func (s *Sender) post(ctx context.Context, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ServerURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-ID", s.cfg.SourceID)
	req.Header.Set("X-Signature", sig)

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitedError{retryAfter: retryAfterDuration(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("unexpected status: http %d", resp.StatusCode)
	}
}

func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
