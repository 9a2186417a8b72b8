package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flushableRecorder wraps httptest.ResponseRecorder to also track
// whether Flush was called, since ResponseRecorder already implements
// http.Flusher itself.
type flushableRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (r *flushableRecorder) Flush() {
	r.flushed = true
	r.ResponseRecorder.Flush()
}

func TestLogRequest_WrappedWriterStillSatisfiesFlusher(t *testing.T) {
	m := NewLoggingMiddleware(zap.NewNop().Sugar())

	var capturedFlusher http.Flusher
	var ok bool
	handler := m.LogRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedFlusher, ok = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	}))

	rec := &flushableRecorder{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(rec, req)

	require.True(t, ok, "wrapped responseWriter must still satisfy http.Flusher")
	capturedFlusher.Flush()
	assert.True(t, rec.flushed, "Flush must delegate to the underlying ResponseWriter")
}

func TestLogRequest_CapturesStatusCode(t *testing.T) {
	m := NewLoggingMiddleware(zap.NewNop().Sugar())
	handler := m.LogRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
