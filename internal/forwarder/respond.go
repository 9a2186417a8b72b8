package forwarder

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rpay/apipod-smart-proxy/internal/aidetect"
	"github.com/rpay/apipod-smart-proxy/internal/codec"
	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/store"
	"github.com/rpay/apipod-smart-proxy/internal/streamtee"
)

// ssePeekSize is how many leading bytes of an undeclared chunked body
// are inspected for an SSE signature before the streaming-vs-buffered
// decision is made (spec §4.F).
const ssePeekSize = 512

// isStreamingResponse implements the streaming-detection rule of
// spec §4.F: the request classified as AI with stream=true AND the
// upstream response looks like SSE. When the response is
// chunked-encoded without a declared text/event-stream content type,
// it peeks the first bytes of the body to catch upstreams that stream
// SSE frames without announcing it, then restores those bytes onto
// resp.Body so the later copy still sees the full stream.
func (h *Handler) isStreamingResponse(r *http.Request, isAI bool, resp *http.Response) bool {
	if !isAI {
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	transferEncoding := resp.Header.Get("Transfer-Encoding")
	// net/http's client moves Transfer-Encoding out of resp.Header into
	// resp.TransferEncoding.
	if transferEncoding == "" && len(resp.TransferEncoding) > 0 {
		transferEncoding = resp.TransferEncoding[0]
	}

	var prefix []byte
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return streamtee.LooksLikeSSE(contentType, transferEncoding, nil)
	}
	if strings.EqualFold(transferEncoding, "chunked") {
		buf := make([]byte, ssePeekSize)
		n, _ := io.ReadFull(resp.Body, buf)
		prefix = buf[:n]
		resp.Body = &prefixRestoredBody{prefix: prefix, rest: resp.Body}
	}
	return streamtee.LooksLikeSSE(contentType, transferEncoding, prefix)
}

// prefixRestoredBody replays bytes already consumed while peeking the
// body before continuing to read from the underlying body, so a peek
// never drops bytes from the stream the client ultimately receives.
type prefixRestoredBody struct {
	prefix []byte
	off    int
	rest   io.ReadCloser
}

func (b *prefixRestoredBody) Read(p []byte) (int, error) {
	if b.off < len(b.prefix) {
		n := copy(p, b.prefix[b.off:])
		b.off += n
		return n, nil
	}
	return b.rest.Read(p)
}

func (b *prefixRestoredBody) Close() error {
	return b.rest.Close()
}

func (h *Handler) handleUpstreamError(ctx context.Context, shouldLog bool, id string, start time.Time, w http.ResponseWriter, upstreamErr error) {
	writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Proxy error: "+upstreamErr.Error())

	if shouldLog {
		status := http.StatusBadGateway
		duration := time.Since(start).Milliseconds()
		msg := upstreamErr.Error()
		patch := store.RequestRecordPatch{StatusCode: &status, DurationMs: &duration, Error: &msg}
		if err := h.store.UpdateRequestRecord(ctx, id, patch); err != nil {
			h.logger.Errorw("failed to update request record after upstream error", "err", err)
		}
		h.bus.Publish(eventbus.KindRequestComplete, map[string]interface{}{
			"id": id, "statusCode": status, "error": msg,
		})
	}
	h.metrics.RecordRequest("unknown", "none", "5xx")
}

// copyResponseHeaders copies all headers from src to dst except the
// named exclusions.
func copyResponseHeaders(dst http.Header, src http.Header, exclude ...string) {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[strings.ToLower(e)] = true
	}
	for k, vals := range src {
		if excluded[strings.ToLower(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// forwardStreaming implements spec §4.G step 9's streaming path.
func (h *Handler) forwardStreaming(ctx context.Context, w http.ResponseWriter, resp *http.Response, shouldLog, isAI bool, aiRec *model.AiRecord, id string, start time.Time, targetHost, authorization string) {
	copyResponseHeaders(w.Header(), resp.Header, "Transfer-Encoding")
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	tee := streamtee.New(w, start)
	_, copyErr := io.Copy(tee, resp.Body)
	result := tee.Finish()

	if !shouldLog {
		return
	}

	duration := time.Since(start).Milliseconds()

	go h.recordStreamingResponse(resp, isAI, aiRec, id, start, duration, result, targetHost, authorization, copyErr)
}

// recordStreamingResponse runs AI-response parsing, cost estimation,
// and the store update after the client's stream has already
// completed (spec §5, §9: the store write must never sit behind the
// client write path). It uses a background context since the
// request's own context is canceled as soon as the handler returns.
func (h *Handler) recordStreamingResponse(resp *http.Response, isAI bool, aiRec *model.AiRecord, id string, start time.Time, duration int64, result streamtee.Result, targetHost, authorization string, copyErr error) {
	ctx := context.Background()

	totalBytes := int64(0)
	for _, c := range result.Chunks {
		totalBytes += int64(len(c))
	}

	status := resp.StatusCode
	patch := store.RequestRecordPatch{
		StatusCode:      &status,
		ResponseHeaders: flattenHeaders(resp.Header),
		DurationMs:      &duration,
		ResponseRawSize: &totalBytes,
	}
	placeholder := "[Streaming response - see AI request details]"
	patch.ResponseBody = &placeholder

	var generationID *string
	if isAI && aiRec != nil {
		parsed, frames := aidetect.ParseStreamed(result.Chunks)
		aiRec.AssistantResponse = parsed.AssistantResponse
		if parsed.Model != nil {
			aiRec.Model = parsed.Model
		}
		aiRec.PromptTokens = parsed.PromptTokens
		aiRec.CompletionTokens = parsed.CompletionTokens
		aiRec.TotalTokens = parsed.TotalTokens
		aiRec.GenerationID = parsed.GenerationID
		aiRec.PromptCacheHit = parsed.PromptCacheHit
		aiRec.FullResponse = codec.SafeJSONStringify(frames)
		aiRec.TimeToFirstTokenMs = result.TimeToFirstTokenMs
		aiRec.TotalDurationMs = duration
		aiRec.Streaming = true

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

		if result.TimeToFirstTokenMs != nil {
			h.metrics.RecordTimeToFirstToken(float64(*result.TimeToFirstTokenMs) / 1000)
		}
	}

	if copyErr != nil {
		errMsg := copyErr.Error()
		patch.Error = &errMsg
	}

	if err := h.store.UpdateRequestRecord(ctx, id, patch); err != nil {
		h.logger.Errorw("failed to update streaming request record", "err", err)
	}

	cacheHit := aiRec != nil && aiRec.PromptCacheHit
	h.bus.Publish(eventbus.KindRequestComplete, map[string]interface{}{
		"id": id, "statusCode": status, "responseTime": duration, "responseSize": totalBytes, "cacheHit": cacheHit,
	})

	h.metrics.RecordRequest("forwarded", string(aiRecProvider(aiRec)), statusClass(status))
	h.metrics.RecordForwardDuration(time.Since(start).Seconds(), cacheHit)

	if generationID != nil && authorization != "" && aiRec != nil {
		h.enricher.ScheduleAsync(aiRec.ID, *generationID, authorization)
	}
}

func aiRecProvider(a *model.AiRecord) model.Provider {
	if a == nil {
		return "none"
	}
	return a.Provider
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
