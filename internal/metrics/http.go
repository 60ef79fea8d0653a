package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware wraps an HTTP handler to collect metrics.
// It records request count, duration, size, and tracks in-flight requests.
// Streaming responses are counted when the stream ends.
//
// Usage:
//
//	handler := metrics.HTTPMiddleware(m, mux)
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Increment in-flight requests
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // Default to 200
		}

		// Call the next handler
		next.ServeHTTP(wrapped, r)

		// Calculate metrics
		duration := time.Since(start).Seconds()
		size := r.ContentLength
		if size < 0 {
			size = 0
		}

		// Record metrics
		m.RecordHTTP(r.Method, r.URL.Path, wrapped.statusCode, duration, size)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

// otherPath is the label used for routes that were never registered, so
// scanners probing random URLs cannot inflate label cardinality.
const otherPath = "{other}"

// builtinRoutes are always reported verbatim.
var builtinRoutes = map[string]bool{
	"/":               true,
	"/healthz":        true,
	"/readyz":         true,
	"/metrics":        true,
	"/v1/version":     true,
	"/v1/diagnostics": true,
}

// RegisterRoutes adds paths that are reported verbatim in HTTP metrics.
func (m *Metrics) RegisterRoutes(paths ...string) {
	if m == nil {
		return
	}
	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	if m.routes == nil {
		m.routes = make(map[string]bool)
	}
	for _, p := range paths {
		m.routes[p] = true
	}
}

func (m *Metrics) normalizePath(path string) string {
	m.routesMu.RLock()
	known := m.routes[path]
	m.routesMu.RUnlock()
	if known {
		return path
	}
	return normalizePath(path)
}

// normalizePath maps a request path to a low-cardinality metric label.
//
// Examples:
//   - /healthz -> /healthz
//   - /healthz/ -> /healthz
//   - /wp-admin/setup.php -> {other}
func normalizePath(path string) string {
	if builtinRoutes[path] {
		return path
	}
	if trimmed := strings.TrimSuffix(path, "/"); trimmed != path && builtinRoutes[trimmed] {
		return trimmed
	}
	return otherPath
}

// statusCode converts HTTP status code to string for metric label.
// Groups codes into categories to reduce cardinality.
func statusCode(code int) string {
	// Fast path: common status codes
	switch code {
	case 200:
		return "200"
	case 201:
		return "201"
	case 204:
		return "204"
	case 400:
		return "400"
	case 401:
		return "401"
	case 403:
		return "403"
	case 404:
		return "404"
	case 405:
		return "405"
	case 500:
		return "500"
	case 502:
		return "502"
	case 503:
		return "503"
	}

	// Group by category (reduces cardinality while preserving information)
	if code >= 100 && code < 200 {
		return "1xx"
	}
	if code >= 200 && code < 300 {
		return "2xx"
	}
	if code >= 300 && code < 400 {
		return "3xx"
	}
	if code >= 400 && code < 500 {
		return "4xx"
	}
	if code >= 500 && code < 600 {
		return "5xx"
	}

	// Fallback for invalid codes
	return strconv.Itoa(code)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker if the underlying ResponseWriter supports it.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}
