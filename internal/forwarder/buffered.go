package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rpay/apipod-smart-proxy/internal/aidetect"
	"github.com/rpay/apipod-smart-proxy/internal/codec"
	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

// forwardBuffered implements spec §4.G step 9's buffered path: stream
// upstream bytes to the client as they arrive while teeing into a
// collector for logging, then (after the client response completes)
// decompress/parse/cost-estimate/persist without blocking the client.
func (h *Handler) forwardBuffered(ctx context.Context, w http.ResponseWriter, resp *http.Response, shouldLog, isAI bool, aiRec *model.AiRecord, id string, start time.Time, cfg model.Config, targetHost, authorization string) {
	copyResponseHeaders(w.Header(), resp.Header, "Transfer-Encoding")
	w.WriteHeader(resp.StatusCode)

	var collected bytes.Buffer
	mw := io.MultiWriter(w, &collected)
	_, copyErr := io.Copy(mw, resp.Body)

	if !shouldLog {
		return
	}

	duration := time.Since(start).Milliseconds()
	rawBytes := collected.Bytes()

	go h.recordBufferedResponse(resp, isAI, aiRec, id, start, duration, cfg, targetHost, authorization, rawBytes, copyErr)
}

// recordBufferedResponse runs decompression, AI-response parsing, cost
// estimation, and the store update after the client's response has
// already completed (spec §5, §9: the store write must never sit
// behind the client write path). It uses a background context since
// the request's own context is canceled as soon as the handler
// returns.
func (h *Handler) recordBufferedResponse(resp *http.Response, isAI bool, aiRec *model.AiRecord, id string, start time.Time, duration int64, cfg model.Config, targetHost, authorization string, rawBytes []byte, copyErr error) {
	ctx := context.Background()
	status := resp.StatusCode

	decoded := codec.Decompress(rawBytes, resp.Header.Get("Content-Encoding"))
	body, truncated, size := codec.ProcessBody(decoded, cfg.MaxBodySize)

	patch := store.RequestRecordPatch{
		StatusCode:        &status,
		ResponseHeaders:   flattenHeaders(resp.Header),
		ResponseBody:      &body,
		ResponseTruncated: &truncated,
		ResponseRawSize:   &size,
		DurationMs:        &duration,
	}
	if copyErr != nil {
		errMsg := copyErr.Error()
		patch.Error = &errMsg
	}

	var generationID *string
	if isAI && aiRec != nil && !codec.IsBinaryContentType(resp.Header.Get("Content-Type")) {
		parsed := aidetect.ParseResponse(decoded)
		aiRec.AssistantResponse = parsed.AssistantResponse
		if parsed.Model != nil {
			aiRec.Model = parsed.Model
		}
		aiRec.PromptTokens = parsed.PromptTokens
		aiRec.CompletionTokens = parsed.CompletionTokens
		aiRec.TotalTokens = parsed.TotalTokens
		aiRec.GenerationID = parsed.GenerationID
		aiRec.PromptCacheHit = parsed.PromptCacheHit
		aiRec.FullResponse = codec.SafeJSONStringify(json.RawMessage(decoded))
		aiRec.TotalDurationMs = duration
		aiRec.Streaming = false

		modelName := ""
		if aiRec.Model != nil {
			modelName = *aiRec.Model
		}
		promptTok, completionTok := 0, 0
		if aiRec.PromptTokens != nil {
			promptTok = *aiRec.PromptTokens
		}
		if aiRec.CompletionTokens != nil {
			completionTok = *aiRec.CompletionTokens
		}
		aiRec.Cost = h.pricing.EstimateCost(string(aiRec.Provider), modelName, promptTok, completionTok)

		aiID, err := model.NewID()
		if err == nil {
			aiRec.ID = aiID
			aiRec.RequestID = id
			aiRec.CreatedAt = start
			if err := h.store.InsertAIRecordAndLink(ctx, aiRec); err != nil {
				h.logger.Errorw("failed to insert ai record", "err", err)
			} else {
				generationID = aiRec.GenerationID
				aiIDCopy := aiID
				patch.AiRequestID = &aiIDCopy
				isAITrue := true
				patch.IsAiRequest = &isAITrue
				h.scheduleModelInfoLookup(aiID, targetHost, modelName)
			}
		}
	}

	if err := h.store.UpdateRequestRecord(ctx, id, patch); err != nil {
		h.logger.Errorw("failed to update buffered request record", "err", err)
	}

	cacheHit := aiRec != nil && aiRec.PromptCacheHit
	h.bus.Publish(eventbus.KindRequestComplete, map[string]interface{}{
		"id": id, "statusCode": status, "responseTime": duration, "responseSize": size, "cacheHit": cacheHit,
	})

	h.metrics.RecordRequest("forwarded", string(aiRecProvider(aiRec)), statusClass(status))
	h.metrics.RecordForwardDuration(time.Since(start).Seconds(), cacheHit)

	if generationID != nil && authorization != "" && aiRec != nil {
		h.enricher.ScheduleAsync(aiRec.ID, *generationID, authorization)
	}
}
