package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	defer m.Close()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test response"))
	})

	wrapped := HTTPMiddleware(m, handler)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if got := m.HTTPRequests.WithLabels("GET", "/healthz", "200").Value(); got != 1 {
		t.Errorf("expected 1 recorded request, got %d", got)
	}

	if m.HTTPRequestsInFlight.Value() != 0 {
		t.Errorf("expected in-flight requests to be 0, got %f", m.HTTPRequestsInFlight.Value())
	}
}

func TestHTTPMiddleware_NilMetrics(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	HTTPMiddleware(nil, handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected passthrough status 418, got %d", rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"static root", "/", "/"},
		{"health endpoint", "/healthz", "/healthz"},
		{"trailing slash", "/readyz/", "/readyz"},
		{"diagnostics", "/v1/diagnostics", "/v1/diagnostics"},
		{"unknown path", "/wp-admin/setup.php", "{other}"},
		{"unregistered stream path", "/v1/logs/stream", "{other}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizePath(tt.input)
			if result != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	m := New()
	defer m.Close()

	m.RegisterRoutes("/v1/logs/stream")
	m.RecordHTTP("GET", "/v1/logs/stream", 200, 0.1, 0)
	m.RecordHTTP("GET", "/nope", 404, 0.1, 0)

	if got := m.HTTPRequests.WithLabels("GET", "/v1/logs/stream", "200").Value(); got != 1 {
		t.Errorf("registered route count = %d, want 1", got)
	}
	if got := m.HTTPRequests.WithLabels("GET", "{other}", "404").Value(); got != 1 {
		t.Errorf("unknown route count = %d, want 1", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "200"},
		{201, "201"},
		{404, "404"},
		{500, "500"},
		{503, "503"},
		{150, "1xx"},
		{250, "2xx"},
		{350, "3xx"},
		{450, "4xx"},
		{550, "5xx"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := statusCode(tt.code)
			if result != tt.expected {
				t.Errorf("statusCode(%d) = %q, want %q", tt.code, result, tt.expected)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusCreated)
	if wrapped.statusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", wrapped.statusCode)
	}

	// Write auto-calls WriteHeader
	wrapped2 := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}
	wrapped2.Write([]byte("test"))
	if !wrapped2.written {
		t.Error("expected written flag to be true")
	}
	if wrapped2.statusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", wrapped2.statusCode)
	}

	// Flush passes through to a flushing writer.
	wrapped.Flush()
	if !rec.Flushed {
		t.Error("expected Flush to reach the underlying recorder")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	defer m.Close()
	m.RecordSessionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "logstream_sessions_total 1") {
		t.Errorf("body missing sessions counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "GET, HEAD" {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func BenchmarkHTTPMiddleware(b *testing.B) {
	m := New()
	defer m.Close()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := HTTPMiddleware(m, handler)

	req := httptest.NewRequest("GET", "/healthz", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}
}
