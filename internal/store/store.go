// Package store abstracts persistence for the forwarder's observation
// pipeline behind a narrow interface, with a modernc.org/sqlite
// implementation.
package store

import (
	"context"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

// Store is the persistence adapter the core depends on (spec §4.K).
// Aggregation queries (counts, sums by provider/model) belong to the
// external admin surface, not this interface.
type Store interface {
	InsertRequestRecord(ctx context.Context, r *model.RequestRecord) error
	// UpdateRequestRecord applies a partial update by id. Only non-nil
	// fields in patch are written.
	UpdateRequestRecord(ctx context.Context, id string, patch RequestRecordPatch) error
	// InsertAIRecordAndLink inserts an AiRecord and links it onto its
	// RequestRecord (isAiRequest=true, aiRequestId=record.ID) in one
	// transaction.
	InsertAIRecordAndLink(ctx context.Context, record *model.AiRecord) error
	// UpdateAIRecord applies a partial update by id, used by the
	// OpenRouter enricher.
	UpdateAIRecord(ctx context.Context, id string, patch AIRecordPatch) error

	ListEnabledRoutingRules(ctx context.Context) ([]model.RoutingRule, error)
	LoadConfig(ctx context.Context) (model.Config, error)
	ListPricingEntries(ctx context.Context, provider string) ([]model.PricingEntry, error)

	// PurgeOlderThan deletes RequestRecords (and their linked AiRecords)
	// with createdAt before cutoff, returning the count removed.
	PurgeOlderThan(ctx context.Context, cutoffUnix int64) (int64, error)
	// RedactHeadersOlderThan rewrites sensitive header values to
	// "[REDACTED]" on RequestRecords with createdAt before cutoff.
	RedactHeadersOlderThan(ctx context.Context, cutoffUnix int64, sensitiveHeaders []string) (int64, error)

	Close() error
}

// RequestRecordPatch carries the subset of RequestRecord fields the
// forwarder updates once the response completes or fails. Nil/zero
// pointer fields are left untouched.
type RequestRecordPatch struct {
	StatusCode        *int
	ResponseHeaders   map[string]string
	ResponseBody      *string
	ResponseTruncated *bool
	ResponseRawSize   *int64
	DurationMs        *int64
	IsAiRequest       *bool
	AiRequestID       *string
	Error             *string
}

// AIRecordPatch carries the enrichment fields written by the
// OpenRouter enricher (spec §4.H).
type AIRecordPatch struct {
	Enriched               *bool
	EnrichedAt             *int64
	OpenRouterProviderName *string
	UpstreamID             *string
	TotalCostUSD           *float64
	TotalCostMicros        *int64
	CacheDiscount          *float64
	Latency                *float64
	GenerationTime         *float64
	ModerationLatency      *float64
	PromptTokens           *int
	CompletionTokens       *int
	TotalTokens            *int
	NativePromptTokens     *int
	NativeCompletionTokens *int
	NativeReasoningTokens  *int
	NativeCachedTokens     *int
	FinishReason           *string
	IsBYOK                 *bool
	RawGenerationJSON      *string
	// ContextWindow is set by the model-info cache lookup, not the
	// OpenRouter enricher, but shares this patch type since both write
	// ai_records asynchronously after the client response is sent.
	ContextWindow *int
}
