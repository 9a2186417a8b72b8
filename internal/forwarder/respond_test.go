package forwarder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingResponse_DeclaredSSEContentType(t *testing.T) {
	h := &Handler{}
	resp := &http.Response{Header: http.Header{"Content-Type": {"text/event-stream"}}}
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	assert.True(t, h.isStreamingResponse(req, true, resp))
}

func TestIsStreamingResponse_UndeclaredContentTypePeeksChunkedBodyForSSE(t *testing.T) {
	h := &Handler{}
	body := "data: {\"hello\":\"world\"}\n\n"
	resp := &http.Response{
		Header: http.Header{"Transfer-Encoding": {"chunked"}},
		Body:   io.NopCloser(strings.NewReader(body)),
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	require.True(t, h.isStreamingResponse(req, true, resp))

	// The bytes consumed while peeking must be replayed so the client
	// still receives the whole body untouched.
	replayed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(replayed))
}

func TestIsStreamingResponse_UndeclaredContentTypeChunkedNonSSEStaysBuffered(t *testing.T) {
	h := &Handler{}
	body := `{"not":"sse"}`
	resp := &http.Response{
		Header: http.Header{"Transfer-Encoding": {"chunked"}},
		Body:   io.NopCloser(strings.NewReader(body)),
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	assert.False(t, h.isStreamingResponse(req, true, resp))

	replayed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(replayed))
}

func TestIsStreamingResponse_NotAIIsNeverStreaming(t *testing.T) {
	h := &Handler{}
	resp := &http.Response{Header: http.Header{"Content-Type": {"text/event-stream"}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.False(t, h.isStreamingResponse(req, false, resp))
}
