// Package forwarder implements the proxy's single HTTP operation
// (spec §4.G): resolve a target, forward every byte transparently, and
// in parallel observe AI traffic into durable storage — joining the
// codec, pricing, routing, aidetect, and streamtee components.
package forwarder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpay/apipod-smart-proxy/internal/aidetect"
	"github.com/rpay/apipod-smart-proxy/internal/codec"
	"github.com/rpay/apipod-smart-proxy/internal/eventbus"
	"github.com/rpay/apipod-smart-proxy/internal/metrics"
	"github.com/rpay/apipod-smart-proxy/internal/model"
	"github.com/rpay/apipod-smart-proxy/internal/modelinfo"
	"github.com/rpay/apipod-smart-proxy/internal/openrouter"
	"github.com/rpay/apipod-smart-proxy/internal/pricing"
	"github.com/rpay/apipod-smart-proxy/internal/routing"
	"github.com/rpay/apipod-smart-proxy/internal/store"
)

// maxRawBodySize is the absolute ceiling on an inbound request body
// (spec §4.G step 1, §6). The buffered response collector is not
// bounded by it.
const maxRawBodySize = 50 * 1024 * 1024

var blockedUserAgents = []string{
	"GPTBot", "ChatGPT-User", "ClaudeBot", "anthropic-ai", "Claude-Web",
	"CCBot", "Google-Extended", "Googlebot", "Bingbot", "Slurp",
	"DuckDuckBot", "Baiduspider", "YandexBot", "facebookexternalhit",
}

var staticAssetExtensions = []string{
	".js", ".mjs", ".cjs", ".css", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".woff", ".woff2", ".ttf", ".eot",
}

// Handler joins the component pipeline into net/http.
type Handler struct {
	store      store.Store
	pricing    *pricing.Table
	bus        *eventbus.Bus
	enricher   *openrouter.Enricher
	models     *modelinfo.Cache
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
	runnerLog  *zap.SugaredLogger
	httpClient *http.Client
}

// New constructs a Handler.
func New(s store.Store, pt *pricing.Table, bus *eventbus.Bus, enr *openrouter.Enricher, models *modelinfo.Cache, m *metrics.Metrics, logger, runnerLog *zap.SugaredLogger) *Handler {
	return &Handler{
		store:     s,
		pricing:   pt,
		bus:       bus,
		enricher:  enr,
		models:    models,
		metrics:   m,
		logger:    logger,
		runnerLog: runnerLog,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     120 * time.Second,
			},
			// No CheckRedirect override: upstream redirects are followed
			// transparently, matching "forward every byte" (spec §1).
		},
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func isBlockedUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, blocked := range blockedUserAgents {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

func isStaticAsset(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range staticAssetExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ServeHTTP implements the forwarder's ordered contract (spec §4.G).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	cfg, err := h.store.LoadConfig(ctx)
	if err != nil {
		h.logger.Errorw("failed to load config, using defaults", "err", err)
		cfg = model.Config{MaxBodySize: maxRawBodySize, LogEnabled: true, AiDetectionEnabled: true}
	}

	// Step 2: bot filter.
	if isBlockedUserAgent(r.Header.Get("User-Agent")) {
		writeJSONError(w, http.StatusForbidden, "BLOCKED_USER_AGENT", "Request blocked")
		return
	}

	// Step 1: bound the request body to the raw ceiling.
	limited := io.LimitReader(r.Body, maxRawBodySize+1)
	rawBody, err := io.ReadAll(limited)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "READ_ERROR", "Failed to read request body")
		return
	}
	if int64(len(rawBody)) > maxRawBodySize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body exceeds the 50 MiB limit")
		return
	}

	// Step 3: resolve target.
	query := r.URL.Query()
	rules, err := h.store.ListEnabledRoutingRules(ctx)
	if err != nil {
		h.logger.Errorw("failed to load routing rules", "err", err)
	}
	target, routeErr := routing.Resolve(r.Method, r.URL.Path, query, r.Header, rules, cfg)
	if routeErr != nil {
		h.handleRoutingError(ctx, cfg, r, w, routeErr)
		return
	}
	if target.MatchedRuleID != nil {
		h.recordRuleMatchMetric(rules, *target.MatchedRuleID)
	}

	// Step 4: clean query + full target URL.
	cleanQuery := routing.CleanQuery(query)
	fullTargetURL, err := routing.BuildTargetURL(target.URL, r.URL.Path, cleanQuery)
	if err != nil {
		h.handleRoutingError(ctx, cfg, r, w, &routing.RoutingError{Code: routing.ErrInvalidURL, Message: "Invalid target URL: " + target.URL})
		return
	}

	// Step 5: AI detection + request parse.
	var aiRec *model.AiRecord
	isAI := cfg.AiDetectionEnabled && aidetect.IsAIEndpoint(r.URL.Path)
	if isAI && len(rawBody) > 0 && !codec.IsBinaryContentType(r.Header.Get("Content-Type")) {
		if json.Valid(rawBody) {
			parsed := aidetect.ParseRequest(rawBody, r.URL.Path, fullTargetURL, r.Header)
			aiRec = &parsed
		} else {
			isAI = false
		}
	} else {
		isAI = false
	}

	// Step 6: create initial RequestRecord + request:start, unless a
	// static asset path.
	id, err := model.NewID()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "Internal proxy error")
		return
	}

	shouldLog := cfg.LogEnabled && !isStaticAsset(r.URL.Path)
	if shouldLog {
		body, truncated, size := codec.ProcessBody(rawBody, cfg.MaxBodySize)
		rec := &model.RequestRecord{
			ID:            id,
			Method:        r.Method,
			OriginalURL:   r.URL.String(),
			Path:          r.URL.Path,
			Query:         flattenQuery(cleanQuery),
			Headers:       flattenHeaders(r.Header),
			Body:          &body,
			BodyTruncated: truncated,
			BodyRawSize:   size,
			TargetURL:     fullTargetURL,
			RouteSource:   target.Source,
			IsAiRequest:   isAI,
			CreatedAt:     start,
		}
		if target.MatchedRuleID != nil {
			ruleIDStr := strconv.FormatInt(*target.MatchedRuleID, 10)
			rec.MatchedRuleID = &ruleIDStr
		}
		if err := h.store.InsertRequestRecord(ctx, rec); err != nil {
			h.logger.Errorw("failed to insert request record", "err", err)
		}
		h.bus.Publish(eventbus.KindRequestStart, map[string]interface{}{
			"id": id, "method": r.Method, "url": r.URL.String(), "path": r.URL.Path,
			"targetUrl": fullTargetURL, "routeSource": target.Source, "isAiRequest": isAI,
			"createdAt": start,
		})
	}

	// Steps 7-8: build outbound request and open upstream connection.
	upstreamReq, err := h.buildUpstreamRequest(ctx, r, fullTargetURL, rawBody)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "Internal proxy error")
		return
	}

	resp, err := h.httpClient.Do(upstreamReq)
	if err != nil {
		h.handleUpstreamError(ctx, shouldLog, id, start, w, err)
		return
	}
	defer resp.Body.Close()

	targetHost := ""
	if u, err := url.Parse(fullTargetURL); err == nil {
		targetHost = u.Scheme + "://" + u.Host
	}

	// Step 9: streaming vs buffered.
	if h.isStreamingResponse(r, isAI && aiRec != nil && aiRec.Streaming, resp) {
		h.forwardStreaming(ctx, w, resp, shouldLog, isAI, aiRec, id, start, targetHost, r.Header.Get("Authorization"))
	} else {
		h.forwardBuffered(ctx, w, resp, shouldLog, isAI, aiRec, id, start, cfg, targetHost, r.Header.Get("Authorization"))
	}
}

// scheduleModelInfoLookup looks up context-window metadata off the hot
// path (spec §4.C: "non-blocking to the proxy hot path") and patches it
// onto the AiRecord once resolved.
func (h *Handler) scheduleModelInfoLookup(aiID, origin, modelName string) {
	if h.models == nil || modelName == "" {
		return
	}
	go func() {
		info, ok := h.models.Lookup(origin, modelName)
		if !ok || info.ContextLength == 0 {
			return
		}
		cw := info.ContextLength
		if err := h.store.UpdateAIRecord(context.Background(), aiID, store.AIRecordPatch{ContextWindow: &cw}); err != nil {
			h.logger.Errorw("failed to patch model context window", "err", err)
		}
	}()
}

func (h *Handler) recordRuleMatchMetric(rules []model.RoutingRule, ruleID int64) {
	for _, r := range rules {
		if r.ID == ruleID {
			h.metrics.RecordRuleMatch(r.Name)
			return
		}
	}
}

func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

// handleRoutingError implements spec §4.G step 3: on a routing
// failure, optionally log a RequestRecord and always respond 400 with
// the error kind code.
func (h *Handler) handleRoutingError(ctx context.Context, cfg model.Config, r *http.Request, w http.ResponseWriter, routeErr *routing.RoutingError) {
	if cfg.LogEnabled {
		id, err := model.NewID()
		if err == nil {
			msg := routeErr.Message
			status := http.StatusBadRequest
			rec := &model.RequestRecord{
				ID:          id,
				Method:      r.Method,
				OriginalURL: r.URL.String(),
				Path:        r.URL.Path,
				TargetURL:   "",
				RouteSource: model.RouteDefault,
				StatusCode:  &status,
				Error:       &msg,
				CreatedAt:   time.Now(),
			}
			if err := h.store.InsertRequestRecord(ctx, rec); err != nil {
				h.logger.Errorw("failed to insert routing-error record", "err", err)
			}
		}
	}
	writeJSONError(w, http.StatusBadRequest, string(routeErr.Code), routeErr.Message)
}
