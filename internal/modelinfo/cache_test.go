package modelinfo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelsListing_DataEnvelope(t *testing.T) {
	body := []byte(`{"data":[{"id":"gpt-4o-mini","context_length":128000,"pricing":{"prompt":"0.00000015","completion":"0.0000006"}}]}`)
	models, ok := parseModelsListing(body)
	require.True(t, ok)
	info := models["gpt-4o-mini"]
	assert.Equal(t, 128000, info.ContextLength)
	assert.InDelta(t, 0.00000015, info.InputPrice, 1e-12)
	assert.InDelta(t, 0.0000006, info.OutputPrice, 1e-12)
}

func TestParseModelsListing_BareArrayAndModelsEnvelope(t *testing.T) {
	_, ok := parseModelsListing([]byte(`[{"id":"a","max_tokens":1000}]`))
	assert.True(t, ok)

	_, ok = parseModelsListing([]byte(`{"models":[{"name":"b","context_window":2000}]}`))
	assert.True(t, ok)
}

func TestParseModelsListing_EmptyOrInvalidYieldsFalse(t *testing.T) {
	_, ok := parseModelsListing([]byte(`not json`))
	assert.False(t, ok)

	_, ok = parseModelsListing([]byte(`{"unexpected":"shape"}`))
	assert.False(t, ok)

	_, ok = parseModelsListing([]byte(`{"data":[]}`))
	assert.False(t, ok)
}

func TestCache_Lookup_ProbesOriginThenCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"data":[{"id":"my-model","context_length":8192}]}`))
	}))
	defer srv.Close()

	c := New()
	info, ok := c.Lookup(srv.URL, "my-model")
	require.True(t, ok)
	assert.Equal(t, 8192, info.ContextLength)
	assert.Equal(t, 1, hits)

	// second lookup for the same origin/model hits the TTL cache, not
	// the network again.
	_, ok = c.Lookup(srv.URL, "my-model")
	require.True(t, ok)
	assert.Equal(t, 1, hits)
}

func TestCache_Lookup_UnreachableOriginBacksOffAndMisses(t *testing.T) {
	c := New()
	info, ok := c.Lookup("127.0.0.1:1", "whatever")
	assert.False(t, ok)
	assert.Equal(t, Info{}, info)
}
