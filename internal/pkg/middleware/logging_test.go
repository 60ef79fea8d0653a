package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ricesearch/logstream/internal/pkg/logger"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "debug", "json")

	var fromCtx *logger.Logger
	handler := RequestLogger(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = logger.FromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/logs/stream", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d", w.Code)
	}
	if fromCtx != log {
		t.Error("logger not stored in request context")
	}
	out := buf.String()
	if !strings.Contains(out, `"status":202`) || !strings.Contains(out, `"path":"/v1/logs/stream"`) {
		t.Errorf("log output = %s", out)
	}
}

func TestRequestLogger_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "info", "json")

	handler := RequestLogger(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(buf.String(), "handler panic") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRequestLogger_KeepsFlusher(t *testing.T) {
	handler := RequestLogger(logger.Discard(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("wrapped writer lost http.Flusher")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
