package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/metrics"
	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/openrouter"
	"github.com/rpay/apipod-smart-proxy/internal/pricing"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

// sharedMetrics is package-level because metrics.New() registers
// Prometheus collectors against the default registry; constructing it
// more than once per test binary panics on duplicate registration.
var sharedMetrics = metrics.New()

type fakeStore struct {
	mu         sync.Mutex
	cfg        model.Config
	rules      []model.RoutingRule
	requests   map[string]*model.RequestRecord
	aiRecords  map[string]*model.AiRecord
	aiPatches  []store.AIRecordPatch
}

func newFakeStore(cfg model.Config, rules []model.RoutingRule) *fakeStore {
	return &fakeStore{
		cfg:       cfg,
		rules:     rules,
		requests:  make(map[string]*model.RequestRecord),
		aiRecords: make(map[string]*model.AiRecord),
	}
}

func (f *fakeStore) InsertRequestRecord(ctx context.Context, r *model.RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateRequestRecord(ctx context.Context, id string, patch store.RequestRecordPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.requests[id]
	if !ok {
		return nil
	}
	if patch.StatusCode != nil {
		rec.StatusCode = patch.StatusCode
	}
	if patch.ResponseBody != nil {
		rec.ResponseBody = patch.ResponseBody
	}
	if patch.IsAiRequest != nil {
		rec.IsAiRequest = *patch.IsAiRequest
	}
	if patch.AiRequestID != nil {
		rec.AiRequestID = patch.AiRequestID
	}
	return nil
}

func (f *fakeStore) InsertAIRecordAndLink(ctx context.Context, a *model.AiRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.aiRecords[a.ID] = &cp
	if rec, ok := f.requests[a.RequestID]; ok {
		rec.IsAiRequest = true
		id := a.ID
		rec.AiRequestID = &id
	}
	return nil
}

func (f *fakeStore) UpdateAIRecord(ctx context.Context, id string, patch store.AIRecordPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiPatches = append(f.aiPatches, patch)
	return nil
}

func (f *fakeStore) ListEnabledRoutingRules(ctx context.Context) ([]model.RoutingRule, error) {
	return f.rules, nil
}
func (f *fakeStore) LoadConfig(ctx context.Context) (model.Config, error) { return f.cfg, nil }
func (f *fakeStore) ListPricingEntries(ctx context.Context, provider string) ([]model.PricingEntry, error) {
	return nil, nil
}
func (f *fakeStore) PurgeOlderThan(ctx context.Context, cutoffUnix int64) (int64, error) {
	return 0, nil
}
func (f *fakeStore) RedactHeadersOlderThan(ctx context.Context, cutoffUnix int64, sensitiveHeaders []string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) Close() error { return nil }

func newTestHandler(t *testing.T, cfg model.Config, rules []model.RoutingRule) (*Handler, *fakeStore) {
	t.Helper()
	fs := newFakeStore(cfg, rules)
	logger := zap.NewNop().Sugar()
	bus := eventbus.New(logger)
	enricher := openrouter.New(fs, bus, logger)
	h := New(fs, pricing.NewTable(nil), bus, enricher, nil, sharedMetrics, logger, logger)
	return h, fs
}

func TestHandler_ForwardsChatCompletionAndRecordsAI(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer upstream.Close()

	cfg := model.Config{DefaultTargetURL: upstream.URL, LogEnabled: true, AiDetectionEnabled: true, MaxBodySize: 1 << 20}
	h, fs := newTestHandler(t, cfg, nil)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi there")

	// AI observation is recorded in a background goroutine after the
	// client response completes (spec §5/§9), so wait for it rather
	// than asserting immediately.
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.aiRecords) == 1
	}, time.Second, 5*time.Millisecond)

	fs.mu.Lock()
	var ai *model.AiRecord
	for _, a := range fs.aiRecords {
		ai = a
	}
	fs.mu.Unlock()

	require.NotNil(t, ai.AssistantResponse)
	assert.Equal(t, "hi there", *ai.AssistantResponse)
	assert.Equal(t, int64(2), ai.Cost.InputMicros)
	assert.Equal(t, int64(1), ai.Cost.OutputMicros)
}

func TestHandler_NoTargetResolvesTo400(t *testing.T) {
	h, _ := newTestHandler(t, model.Config{LogEnabled: true, MaxBodySize: 1 << 20}, nil)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_TARGET")
}

func TestHandler_BlockedUserAgentIsRejected(t *testing.T) {
	h, _ := newTestHandler(t, model.Config{DefaultTargetURL: "https://example.com", LogEnabled: true, MaxBodySize: 1 << 20}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "GPTBot/1.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
