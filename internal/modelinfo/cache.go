// Package modelinfo implements the two-tier model-metadata cache used
// for context-window display (spec §4.C): a per-origin cache probing
// the origin's own /v1/models or /models endpoint, falling back to an
// OpenRouter-wide cache, falling back to common vendor prefixes. All
// operations are non-blocking to the proxy hot path.
package modelinfo

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	originTTL        = time.Hour
	openRouterTTL    = time.Hour
	failedBackoff    = 5 * time.Minute
	probeTimeout     = 5 * time.Second
)

// Info is the subset of model metadata the proxy surfaces.
type Info struct {
	ID            string
	ContextLength int
	InputPrice    float64
	OutputPrice   float64
}

type cacheEntry struct {
	models    map[string]Info
	expiresAt time.Time
}

// Cache is a mutex-guarded map of per-origin model listings plus a
// failed-origin backoff, grounded on the teacher's ModelLimiter
// ticker-reset shape (here applied to lazy TTL expiry instead of a
// periodic reset goroutine, since entries are cheap to recompute on
// miss rather than needing an eviction sweep).
type Cache struct {
	mu           sync.RWMutex
	perOrigin    map[string]cacheEntry
	failedOrigin map[string]time.Time

	openRouter      cacheEntry
	openRouterMu    sync.RWMutex

	httpClient *http.Client
}

var vendorPrefixes = []string{"openai/", "anthropic/", "google/", "mistralai/", "meta-llama/", "deepseek/"}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		perOrigin:    make(map[string]cacheEntry),
		failedOrigin: make(map[string]time.Time),
		httpClient:   &http.Client{Timeout: probeTimeout},
	}
}

// Lookup resolves metadata for modelID against origin (scheme and
// host, e.g. "https://api.openai.com"). Each network fetch it makes is
// bounded by probeTimeout, but a miss can run several fetches in
// sequence (origin, OpenRouter, vendor prefixes), so callers run it off
// the hot path. It never returns an error — a miss simply yields
// (Info{}, false).
func (c *Cache) Lookup(origin, modelID string) (Info, bool) {
	if info, ok := c.lookupOrigin(origin, modelID); ok {
		return info, true
	}
	if info, ok := c.lookupOpenRouter(modelID); ok {
		return info, true
	}
	for _, prefix := range vendorPrefixes {
		if info, ok := c.lookupOpenRouter(prefix + modelID); ok {
			return info, true
		}
	}
	return Info{}, false
}

func (c *Cache) lookupOrigin(origin, modelID string) (Info, bool) {
	c.mu.RLock()
	if until, failed := c.failedOrigin[origin]; failed && time.Now().Before(until) {
		c.mu.RUnlock()
		return Info{}, false
	}
	entry, ok := c.perOrigin[origin]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		info, found := entry.models[modelID]
		return info, found
	}

	models, err := c.probeOrigin(origin)
	if err != nil {
		c.mu.Lock()
		c.failedOrigin[origin] = time.Now().Add(failedBackoff)
		c.mu.Unlock()
		return Info{}, false
	}

	c.mu.Lock()
	c.perOrigin[origin] = cacheEntry{models: models, expiresAt: time.Now().Add(originTTL)}
	delete(c.failedOrigin, origin)
	c.mu.Unlock()

	info, found := models[modelID]
	return info, found
}

func (c *Cache) probeOrigin(origin string) (map[string]Info, error) {
	for _, path := range []string{"/v1/models", "/models"} {
		body, err := c.fetch(origin + path)
		if err != nil {
			continue
		}
		if models, ok := parseModelsListing(body); ok {
			return models, nil
		}
	}
	return nil, fmt.Errorf("modelinfo: no usable listing at %s", origin)
}

func (c *Cache) fetch(url string) ([]byte, error) {
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("modelinfo: status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (c *Cache) lookupOpenRouter(modelID string) (Info, bool) {
	c.openRouterMu.RLock()
	entry := c.openRouter
	c.openRouterMu.RUnlock()

	if entry.models != nil && time.Now().Before(entry.expiresAt) {
		info, ok := entry.models[modelID]
		return info, ok
	}

	body, err := c.fetch("https://openrouter.ai/api/v1/models")
	if err != nil {
		return Info{}, false
	}
	models, ok := parseModelsListing(body)
	if !ok {
		return Info{}, false
	}

	c.openRouterMu.Lock()
	c.openRouter = cacheEntry{models: models, expiresAt: time.Now().Add(openRouterTTL)}
	c.openRouterMu.Unlock()

	info, found := models[modelID]
	return info, found
}

// parseModelsListing accepts a body shaped as {"data":[...]},
// {"models":[...]}, or a bare array, each element needing an id (or
// name).
func parseModelsListing(body []byte) (map[string]Info, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)

	var list gjson.Result
	switch {
	case root.Get("data").IsArray():
		list = root.Get("data")
	case root.Get("models").IsArray():
		list = root.Get("models")
	case root.IsArray():
		list = root
	default:
		return nil, false
	}

	out := make(map[string]Info)
	list.ForEach(func(_, el gjson.Result) bool {
		id := el.Get("id").String()
		if id == "" {
			id = el.Get("name").String()
		}
		if id == "" {
			return true
		}
		info := Info{ID: id}
		switch {
		case el.Get("context_length").Exists():
			info.ContextLength = int(el.Get("context_length").Int())
		case el.Get("context_window").Exists():
			info.ContextLength = int(el.Get("context_window").Int())
		case el.Get("max_tokens").Exists():
			info.ContextLength = int(el.Get("max_tokens").Int())
		}
		if p := el.Get("pricing.prompt"); p.Exists() {
			info.InputPrice = parsePrice(p)
		}
		if p := el.Get("pricing.completion"); p.Exists() {
			info.OutputPrice = parsePrice(p)
		}
		out[id] = info
		return true
	})
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func parsePrice(v gjson.Result) float64 {
	if v.Type == gjson.String {
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return v.Float()
}
