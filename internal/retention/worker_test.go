package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

type fakeStore struct {
	purgeCutoffs  []int64
	redactCutoffs []int64
	redactHeaders [][]string
}

func (f *fakeStore) InsertRequestRecord(ctx context.Context, r *model.RequestRecord) error { return nil }
func (f *fakeStore) UpdateRequestRecord(ctx context.Context, id string, patch store.RequestRecordPatch) error {
	return nil
}
func (f *fakeStore) InsertAIRecordAndLink(ctx context.Context, record *model.AiRecord) error {
	return nil
}
func (f *fakeStore) UpdateAIRecord(ctx context.Context, id string, patch store.AIRecordPatch) error {
	return nil
}
func (f *fakeStore) ListEnabledRoutingRules(ctx context.Context) ([]model.RoutingRule, error) {
	return nil, nil
}
func (f *fakeStore) LoadConfig(ctx context.Context) (model.Config, error) { return model.Config{}, nil }
func (f *fakeStore) ListPricingEntries(ctx context.Context, provider string) ([]model.PricingEntry, error) {
	return nil, nil
}
func (f *fakeStore) PurgeOlderThan(ctx context.Context, cutoffUnix int64) (int64, error) {
	f.purgeCutoffs = append(f.purgeCutoffs, cutoffUnix)
	return 3, nil
}
func (f *fakeStore) RedactHeadersOlderThan(ctx context.Context, cutoffUnix int64, sensitiveHeaders []string) (int64, error) {
	f.redactCutoffs = append(f.redactCutoffs, cutoffUnix)
	f.redactHeaders = append(f.redactHeaders, sensitiveHeaders)
	return 1, nil
}
func (f *fakeStore) Close() error { return nil }

func TestWorker_RunOnceUsesThirtyAndThreeDayWindows(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, zap.NewNop().Sugar())

	before := time.Now()
	w.runOnce(context.Background())
	after := time.Now()

	require.Len(t, fs.purgeCutoffs, 1)
	require.Len(t, fs.redactCutoffs, 1)

	purgeAge := time.Unix(fs.purgeCutoffs[0], 0)
	assert.WithinDuration(t, before.Add(-purgeAfter), purgeAge, after.Sub(before)+time.Second)

	redactAge := time.Unix(fs.redactCutoffs[0], 0)
	assert.WithinDuration(t, before.Add(-redactAfter), redactAge, after.Sub(before)+time.Second)

	assert.Contains(t, fs.redactHeaders[0], "authorization")
	assert.Contains(t, fs.redactHeaders[0], "x-api-key")
	assert.Contains(t, fs.redactHeaders[0], "cookie")
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	assert.GreaterOrEqual(t, len(fs.purgeCutoffs), 1)
}
