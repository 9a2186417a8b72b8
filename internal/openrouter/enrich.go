// Package openrouter implements the deferred out-of-band telemetry
// fetch (spec §4.H): after a short delay, GET the OpenRouter generation
// endpoint and merge its fields onto the AiRecord. Best-effort and
// never retried, grounded on the teacher's UsageCommitter fire-and-
// forget shape but without its retry loop.
package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

// DefaultDelay is the delay before the enrichment GET fires, per spec
// §4.G step 9 ("a short delay (default 1000 ms)").
const DefaultDelay = 1 * time.Second

const httpTimeout = 10 * time.Second

// Enricher schedules and performs generation-id enrichment.
type Enricher struct {
	store  store.Store
	bus    *eventbus.Bus
	client *http.Client
	delay  time.Duration
	logger *zap.SugaredLogger
}

// New constructs an Enricher against the given store and bus, logging
// through logger the way every other ambient component in this repo
// does.
func New(s store.Store, bus *eventbus.Bus, logger *zap.SugaredLogger) *Enricher {
	return &Enricher{
		store:  s,
		bus:    bus,
		client: &http.Client{Timeout: httpTimeout},
		delay:  DefaultDelay,
		logger: logger,
	}
}

type generationEnvelope struct {
	Data struct {
		ID                     string   `json:"id"`
		ProviderName           *string  `json:"provider_name"`
		TotalCost              *float64 `json:"total_cost"`
		CacheDiscount          *float64 `json:"cache_discount"`
		Latency                *float64 `json:"latency"`
		GenerationTime         *float64 `json:"generation_time"`
		ModerationLatency      *float64 `json:"moderation_latency"`
		NativeTokensPrompt     *int     `json:"native_tokens_prompt"`
		NativeTokensCompletion *int     `json:"native_tokens_completion"`
		NativeTokensReasoning  *int     `json:"native_tokens_reasoning"`
		NativeTokensCached     *int     `json:"native_tokens_cached"`
		FinishReason           *string  `json:"finish_reason"`
		IsBYOK                 *bool    `json:"is_byok"`
	} `json:"data"`
}

// ScheduleAsync fires off the enrichment as a background goroutine
// after the configured delay. It never blocks the caller and never
// returns an error — failures are logged and dropped.
func (e *Enricher) ScheduleAsync(aiRecordID, generationID, authorization string) {
	go func() {
		time.Sleep(e.delay)
		if err := e.enrichOnce(context.Background(), aiRecordID, generationID, authorization); err != nil {
			e.logger.Errorw("openrouter enrichment failed", "aiRecordID", aiRecordID, "err", err)
		}
	}()
}

func (e *Enricher) enrichOnce(ctx context.Context, aiRecordID, generationID, authorization string) error {
	reqURL := "https://openrouter.ai/api/v1/generation?id=" + url.QueryEscape(generationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env generationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}

	enriched := true
	now := time.Now().Unix()
	raw := string(body)

	patch := store.AIRecordPatch{
		Enriched:               &enriched,
		EnrichedAt:             &now,
		OpenRouterProviderName: env.Data.ProviderName,
		CacheDiscount:          env.Data.CacheDiscount,
		Latency:                env.Data.Latency,
		GenerationTime:         env.Data.GenerationTime,
		ModerationLatency:      env.Data.ModerationLatency,
		NativePromptTokens:     env.Data.NativeTokensPrompt,
		NativeCompletionTokens: env.Data.NativeTokensCompletion,
		NativeReasoningTokens:  env.Data.NativeTokensReasoning,
		NativeCachedTokens:     env.Data.NativeTokensCached,
		FinishReason:           env.Data.FinishReason,
		IsBYOK:                 env.Data.IsBYOK,
		RawGenerationJSON:      &raw,
	}
	if env.Data.ID != "" {
		patch.UpstreamID = &env.Data.ID
	}
	if env.Data.TotalCost != nil {
		patch.TotalCostUSD = env.Data.TotalCost
		micros := int64(*env.Data.TotalCost*1_000_000 + 0.5)
		patch.TotalCostMicros = &micros
	}
	// native token values overwrite the estimated prompt/completion/total
	// when OpenRouter supplies them, per spec §4.H.
	if env.Data.NativeTokensPrompt != nil {
		patch.PromptTokens = env.Data.NativeTokensPrompt
	}
	if env.Data.NativeTokensCompletion != nil {
		patch.CompletionTokens = env.Data.NativeTokensCompletion
	}
	if env.Data.NativeTokensPrompt != nil && env.Data.NativeTokensCompletion != nil {
		total := *env.Data.NativeTokensPrompt + *env.Data.NativeTokensCompletion
		patch.TotalTokens = &total
	}

	if err := e.store.UpdateAIRecord(ctx, aiRecordID, patch); err != nil {
		return err
	}

	e.bus.Publish(eventbus.KindOpenRouterEnriched, map[string]interface{}{
		"aiRequestId":  aiRecordID,
		"providerName": env.Data.ProviderName,
		"totalCost":    env.Data.TotalCost,
		"cacheDiscount": env.Data.CacheDiscount,
	})
	return nil
}
