package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rps float64, burst int, methods ...string) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: rps,
		Burst:             burst,
		CleanupInterval:   time.Minute,
		Methods:           methods,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.RequestsPerSecond != 100 {
		t.Errorf("expected RequestsPerSecond=100, got %f", cfg.RequestsPerSecond)
	}
	if cfg.Burst != 200 {
		t.Errorf("expected Burst=200, got %d", cfg.Burst)
	}
	if len(cfg.Methods) != 1 || cfg.Methods[0] != http.MethodPost {
		t.Errorf("expected Methods=[POST], got %v", cfg.Methods)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := newTestLimiter(t, 2, 2)
	key := "ip:192.168.1.100"

	if !rl.Allow(key) {
		t.Error("expected first request to be allowed")
	}
	if !rl.Allow(key) {
		t.Error("expected second request to be allowed")
	}
	if rl.Allow(key) {
		t.Error("expected third request to be denied")
	}

	time.Sleep(600 * time.Millisecond)

	if !rl.Allow(key) {
		t.Error("expected request to be allowed after waiting")
	}
}

func TestRateLimiter_MultipleClients(t *testing.T) {
	rl := newTestLimiter(t, 5, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("a") {
			t.Errorf("client a request %d should be allowed", i)
		}
		if !rl.Allow("b") {
			t.Errorf("client b request %d should be allowed", i)
		}
	}
	if rl.Allow("a") {
		t.Error("client a should be rate limited")
	}
	if rl.Allow("b") {
		t.Error("client b should be rate limited")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := newTestLimiter(t, 100, 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow(fmt.Sprintf("client-%d", n))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.Clients(); got != 10 {
		t.Errorf("clients = %d, want 10", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newTestLimiter(t, 2, 2, http.MethodPost)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(method, session string) int {
		req := httptest.NewRequest(method, "/v1/logs/stream", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		if session != "" {
			req.Header.Set(SessionHeader, session)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send(http.MethodPost, ""); code != http.StatusAccepted {
			t.Errorf("request %d: expected 202, got %d", i, code)
		}
	}
	if code := send(http.MethodPost, ""); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}

	// Other sessions behind the same address keep their own budget.
	if code := send(http.MethodPost, "session-2"); code != http.StatusAccepted {
		t.Errorf("session request: expected 202, got %d", code)
	}

	// Stream opens are not counted.
	for i := 0; i < 5; i++ {
		if code := send(http.MethodGet, ""); code != http.StatusAccepted {
			t.Errorf("GET %d: expected passthrough, got %d", i, code)
		}
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var w *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "192.168.1.100:12345", nil, "ip:192.168.1.100"},
		{"forwarded for", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.1, 198.51.100.1"}, "ip:203.0.113.1"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.50"}, "ip:203.0.113.50"},
		{"forwarded wins", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.50"}, "ip:203.0.113.1"},
		{"ipv6", "[2001:db8::1]:12345", nil, "ip:[2001:db8::1]"},
		{"session header", "10.0.0.1:1", map[string]string{SessionHeader: "abc-123"}, "session:abc-123"},
		{"invalid session header", "10.0.0.1:1", map[string]string{SessionHeader: "bad id!"}, "ip:10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_ForgetIdle(t *testing.T) {
	rl := newTestLimiter(t, 100, 100)
	rl.Allow("a")
	rl.Allow("b")

	if n := rl.forgetIdle(time.Now()); n != 0 {
		t.Errorf("removed %d fresh clients", n)
	}
	if n := rl.forgetIdle(time.Now().Add(10 * time.Minute)); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if rl.Clients() != 0 {
		t.Errorf("clients = %d after cleanup", rl.Clients())
	}
}
