package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/logevent"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/stream"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}
	if cfg.StreamPath != DefaultStreamPath {
		t.Errorf("StreamPath = %q, want %q", cfg.StreamPath, DefaultStreamPath)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 30*time.Second)
	}
}

func TestClientNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := New(Config{})
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://localhost:8080")
		}
	})

	t.Run("custom config", func(t *testing.T) {
		c := New(Config{
			BaseURL:    "http://custom:9000/",
			StreamPath: "/events",
			Timeout:    60 * time.Second,
		})
		if c.baseURL != "http://custom:9000" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://custom:9000")
		}
		if got := c.StreamURL(filter.MatchAll()); got != "http://custom:9000/events" {
			t.Errorf("StreamURL = %q", got)
		}
	})
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/healthz")
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want %q", r.Method, http.MethodGet)
		}

		if err := json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: "1.0.0",
		}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Version = %q, want %q", resp.Version, "1.0.0")
	}
}

func TestClientPostBatch(t *testing.T) {
	var got stream.Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != DefaultStreamPath {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if h := r.Header.Get(stream.SessionHeader); h != "sess-1" {
			t.Errorf("%s = %q", stream.SessionHeader, h)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"accepted":true}`)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	batch := stream.Batch{
		SessionID: "sess-1",
		Dropped:   2,
		Entries:   []stream.Entry{stream.LogEntry(logevent.New("info", "core", "hi"))},
	}
	if err := c.PostBatch(context.Background(), batch); err != nil {
		t.Fatalf("PostBatch: %v", err)
	}
	if got.SessionID != "sess-1" || got.Dropped != 2 || len(got.Entries) != 1 {
		t.Errorf("server received %+v", got)
	}
}

func TestClientOpenStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("branches"); got != "core" {
			t.Errorf("branches = %q, want core", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "id: 1\nevent: connected\ndata: {\"sessionId\":\"abc\"}\n\n")
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	sc, body, err := c.OpenStream(context.Background(), filter.Spec{Kind: filter.KindBranchesLevels, Branches: []string{"core"}})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer body.Close()

	if !sc.Next() {
		t.Fatalf("no message: %v", sc.Err())
	}
	if msg := sc.Message(); msg.Event != "connected" || msg.Seq() != 1 {
		t.Errorf("message = %+v", msg)
	}
}

func TestClientOpenStream_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad","code":"VALIDATION_ERROR","message":"invalid filter spec"}`)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, _, err := c.OpenStream(context.Background(), filter.MatchAll())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T (%v)", err, err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !apperrors.IsValidation(err) {
		t.Errorf("IsValidation(%v) = false", err)
	}
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		if err := json.NewEncoder(w).Encode(APIError{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "stream unavailable",
		}); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.Diagnostics(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != "SERVICE_UNAVAILABLE" {
		t.Errorf("Code = %q, want %q", apiErr.Code, "SERVICE_UNAVAILABLE")
	}
}

func TestClientNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.Version(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, ok := err.(*APIError); ok {
		t.Errorf("plain-text error decoded as APIError: %v", err)
	}
}

func TestClientConnectionError(t *testing.T) {
	c := New(Config{
		BaseURL: "http://localhost:99999", // Invalid port
		Timeout: 1 * time.Second,
	})

	_, err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestAPIErrorString(t *testing.T) {
	err := &APIError{
		Code:    "TEST_ERROR",
		Message: "test message",
	}

	expected := "TEST_ERROR: test message"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}
