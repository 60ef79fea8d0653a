package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// SessionHeader identifies the producing session on ingestion requests.
const SessionHeader = "X-Session-ID"

// RateLimiter provides per-client rate limiting. Clients are keyed by
// session id when the request carries a valid one, and by IP otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	idle     time.Duration
	methods  map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often stale clients are forgotten.
	CleanupInterval time.Duration
	// IdleTimeout is how long a client may stay silent before it is forgotten.
	IdleTimeout time.Duration
	// Methods limits which request methods are counted. Empty counts all.
	// Long-lived stream GETs are usually left out.
	Methods []string
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		CleanupInterval:   time.Minute,
		IdleTimeout:       5 * time.Minute,
		Methods:           []string{http.MethodPost},
	}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
// Call Stop to release it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	rl := &RateLimiter{
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		idle:     cfg.IdleTimeout,
		stop:     make(chan struct{}),
	}
	if len(cfg.Methods) > 0 {
		rl.methods = make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			rl.methods[strings.ToUpper(m)] = true
		}
	}

	go rl.cleanupLoop(cfg.CleanupInterval)

	return rl
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastSeen[key] = time.Now()

	limiter, exists := rl.clients[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.clients[key] = limiter
	}

	return limiter
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.forgetIdle(now)
		}
	}
}

// forgetIdle drops clients not seen since now minus the idle timeout.
func (rl *RateLimiter) forgetIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := now.Add(-rl.idle)
	removed := 0
	for key, seen := range rl.lastSeen {
		if seen.Before(threshold) {
			delete(rl.clients, key)
			delete(rl.lastSeen, key)
			removed++
		}
	}
	return removed
}

// Allow checks if a request from the given client key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.methods != nil && !rl.methods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			apperrors.WriteErrorWithStatus(w, http.StatusTooManyRequests,
				apperrors.RateLimitedError(1))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientKey prefers the session header so producers behind one proxy are
// limited independently.
func clientKey(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" && security.ValidateSessionID(id) == nil {
		return "session:" + id
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For first, for proxies
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
