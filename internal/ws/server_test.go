package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aaronbassett/vibetea/internal/broadcast"
	"github.com/aaronbassett/vibetea/internal/config"
	"github.com/aaronbassett/vibetea/internal/ratelimit"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}

	csp := rec.Header().Get("Content-Security-Policy")
	if csp == "" {
		t.Fatal("Content-Security-Policy header is missing")
	}
	for _, directive := range []string{
		"default-src 'self'",
		"connect-src 'self' ws: wss:",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"object-src 'none'",
		"base-uri 'self'",
	} {
		if !strings.Contains(csp, directive) {
			t.Errorf("CSP %q missing directive %q", csp, directive)
		}
	}
}

func newTestServer() *Server {
	cfg := &config.Server{SubscriberToken: "secret-token"}
	reg, _ := verifyRegistryFixture()
	return New(cfg, reg, ratelimit.NewDefault(), broadcast.New(16))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"missing origin accepted", "", "localhost:8080", true},
		{"same host accepted", "http://myhost:8080", "myhost:8080", true},
		{"localhost accepted", "http://localhost:8080", "other:8080", true},
		{"127.0.0.1 accepted", "http://127.0.0.1:8080", "other:8080", true},
		{"[::1] accepted", "http://[::1]:8080", "other:8080", true},
		{"external origin rejected", "http://evil.com", "localhost:8080", false},
		{"invalid origin rejected", "://bad", "localhost:8080", false},
	}

	s := newTestServer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorizeSubscriber(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name   string
		query  string
		header string
		want   bool
	}{
		{"query token matches", "token=secret-token", "", true},
		{"query token mismatch", "token=wrong", "", false},
		{"bearer header matches", "", "Bearer secret-token", true},
		{"bearer header mismatch", "", "Bearer wrong", false},
		{"no credentials", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := s.authorizeSubscriber(req); got != tt.want {
				t.Errorf("authorizeSubscriber() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q, want status:ok", rec.Body.String())
	}
}
