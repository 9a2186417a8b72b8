// Package middleware holds ambient HTTP middleware wrapping the
// forwarder: access logging distinct from the forwarder's own
// RequestRecord observation pipeline.
package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs access lines for every request the listener
// sees, independent of whether the request was captured as a
// RequestRecord.
type LoggingMiddleware struct {
	logger *zap.SugaredLogger
}

// NewLoggingMiddleware constructs a LoggingMiddleware writing through
// logger.
func NewLoggingMiddleware(logger *zap.SugaredLogger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// responseWriter wraps http.ResponseWriter to capture the status code
// actually written.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
		rw.ResponseWriter.WriteHeader(statusCode)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush satisfies http.Flusher by delegating to the embedded writer,
// so streamtee.New's type assertion still finds a flusher through
// this wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LogRequest wraps an HTTP handler with access logging.
func (m *LoggingMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.logger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
