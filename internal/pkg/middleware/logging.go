package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// statusRecorder captures the response status while keeping streaming
// responses flushable.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestLogger logs each request once it completes and converts handler
// panics into 500 responses. The request logger is stored in the context.
func RequestLogger(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		ctx := logger.IntoContext(r.Context(), log)

		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error("handler panic",
					"method", r.Method,
					"path", security.SanitizeForLog(r.URL.Path),
					"panic", v,
					"headers", security.MaskSensitiveHeaders(r.Header),
					"stack", string(debug.Stack()))
				if rec.status == 0 {
					apperrors.WriteError(rec, apperrors.InternalError("internal server error", nil))
				}
				return
			}

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			level := log.Debug
			if status >= http.StatusInternalServerError {
				level = log.Warn
			}
			level("request",
				"method", r.Method,
				"path", security.SanitizeForLog(r.URL.Path),
				"status", status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", getClientIP(r))
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}
