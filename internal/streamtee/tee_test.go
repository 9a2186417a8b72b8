package streamtee

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTee_ForwardsBytesUnchanged verifies the testable property from
// spec §8: the client sees byte-identical output to what upstream
// sent, regardless of how the write is chunked.
func TestTee_ForwardsBytesUnchanged(t *testing.T) {
	var out bytes.Buffer
	tee := New(&out, time.Now())

	input := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	writes := []string{input[:10], input[10:30], input[30:]}
	for _, w := range writes {
		n, err := tee.Write([]byte(w))
		require.NoError(t, err)
		assert.Equal(t, len(w), n)
	}

	assert.Equal(t, input, out.String())
}

func TestTee_StampsTimeToFirstTokenOnFirstNonEmptyPayload(t *testing.T) {
	var out bytes.Buffer
	start := time.Now().Add(-5 * time.Millisecond)
	tee := New(&out, start)

	_, err := io.Copy(io.Discard, bytes.NewReader(nil))
	require.NoError(t, err)

	_, err = tee.Write([]byte("data: {\"delta\":\"a\"}\n\n"))
	require.NoError(t, err)
	result := tee.Finish()

	require.NotNil(t, result.TimeToFirstTokenMs)
	assert.GreaterOrEqual(t, *result.TimeToFirstTokenMs, int64(0))
	assert.Len(t, result.Chunks, 1)
}

func TestTee_EmptyAndDoneFramesAreCollectedButDoNotStampTTFT(t *testing.T) {
	var out bytes.Buffer
	tee := New(&out, time.Now())

	_, err := tee.Write([]byte(":\n\ndata: \n\ndata: [DONE]\n\n"))
	require.NoError(t, err)
	result := tee.Finish()

	require.Nil(t, result.TimeToFirstTokenMs)
	assert.Equal(t, []string{"", "[DONE]"}, result.Chunks)
}

func TestTee_HandlesSplitLineAcrossWrites(t *testing.T) {
	var out bytes.Buffer
	tee := New(&out, time.Now())

	_, err := tee.Write([]byte("data: {\"a\":"))
	require.NoError(t, err)
	_, err = tee.Write([]byte("1}\n\n"))
	require.NoError(t, err)
	result := tee.Finish()

	require.Len(t, result.Chunks, 1)
	assert.Equal(t, `{"a":1}`, result.Chunks[0])
}

func TestLooksLikeSSE(t *testing.T) {
	assert.True(t, LooksLikeSSE("text/event-stream; charset=utf-8", "", nil))
	assert.True(t, LooksLikeSSE("", "chunked", []byte("data: {}")))
	assert.False(t, LooksLikeSSE("application/json", "", nil))
	assert.False(t, LooksLikeSSE("", "chunked", []byte("{\"not\":\"sse\"}")))
}
