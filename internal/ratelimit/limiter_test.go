package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsWithinCapacity(t *testing.T) {
	l := New(5, 5, time.Minute)
	for i := 0; i < 5; i++ {
		allow, _ := l.Check("src")
		if !allow {
			t.Fatalf("request %d should be allowed within capacity", i)
		}
	}
}

func TestLimiter_DeniesOverCapacity(t *testing.T) {
	l := New(5, 5, time.Minute)
	for i := 0; i < 5; i++ {
		l.Check("src")
	}
	allow, retryAfter := l.Check("src")
	if allow {
		t.Fatal("expected 6th request within the same instant to be denied")
	}
	if retryAfter <= 0 {
		t.Fatal("expected a positive Retry-After on denial")
	}
}

// TestLimiter_Monotonicity exercises P4: once a source exceeds capacity,
// it keeps getting denied until tokens refill.
func TestLimiter_Monotonicity(t *testing.T) {
	l := New(10, 10, time.Minute)

	allowed := 0
	denied := 0
	for i := 0; i < 150; i++ {
		allow, _ := l.Check("burst-source")
		if allow {
			allowed++
		} else {
			denied++
		}
	}

	if allowed > 11 { // small refill slack for wall-clock jitter
		t.Fatalf("allowed %d requests from a burst of 150 against capacity 10, want <=~10", allowed)
	}
	if denied == 0 {
		t.Fatal("expected some requests to be denied once capacity was exceeded")
	}
}

func TestLimiter_PerSourceIsolation(t *testing.T) {
	l := New(1, 1, time.Minute)

	if allow, _ := l.Check("a"); !allow {
		t.Fatal("first request for source a should be allowed")
	}
	if allow, _ := l.Check("a"); allow {
		t.Fatal("second immediate request for source a should be denied")
	}
	if allow, _ := l.Check("b"); !allow {
		t.Fatal("source b should be unaffected by source a's exhausted bucket")
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(1, 20, time.Minute) // 1 token, refills at 20/sec -> 50ms per token
	l.Check("src")
	if allow, _ := l.Check("src"); allow {
		t.Fatal("expected immediate re-request to be denied")
	}
	time.Sleep(100 * time.Millisecond)
	if allow, _ := l.Check("src"); !allow {
		t.Fatal("expected request to be allowed after refill window")
	}
}

func TestLimiter_SweeperRemovesIdleEntries(t *testing.T) {
	l := New(5, 5, 50*time.Millisecond)
	l.Check("stale-source")
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}

	time.Sleep(80 * time.Millisecond)
	l.sweep()

	if l.Len() != 0 {
		t.Fatalf("Len() = %d after sweep, want 0", l.Len())
	}
}
