// Package model holds the data-model types shared by the store, the
// forwarder, and the event bus: RequestRecord, AiRecord, RoutingRule,
// Config, and PricingEntry.
package model

import "time"

// RouteSource identifies which step of the target resolver produced a
// routing decision.
type RouteSource string

const (
	RouteQueryParam  RouteSource = "query_param"
	RouteHeader      RouteSource = "header"
	RouteConfigRule  RouteSource = "config_rule"
	RouteDefault     RouteSource = "default"
)

// Provider identifies the upstream AI API dialect a request was classified as.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderAzure      Provider = "azure"
	ProviderOpenRouter Provider = "openrouter"
	ProviderCustom     Provider = "custom"
)

// Role is a ConversationMessage's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function-call the assistant asked to invoke.
type ToolCall struct {
	ID           string `json:"id"`
	FunctionName string `json:"function_name"`
	ArgumentsRaw string `json:"arguments_json"`
}

// ConversationMessage is one turn in a parsed AI conversation.
type ConversationMessage struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	HasImages  bool       `json:"has_images,omitempty"`
	ImageCount int        `json:"image_count,omitempty"`
}

// Cost holds an integer micro-dollar cost breakdown.
type Cost struct {
	InputMicros  int64 `json:"input_micros"`
	OutputMicros int64 `json:"output_micros"`
	TotalMicros  int64 `json:"total_micros"`
}

// AiRecord is at most one per RequestRecord: the parsed AI conversation,
// token/cost estimate, and (eventually) OpenRouter enrichment.
type AiRecord struct {
	ID             string
	RequestID      string
	Provider       Provider
	Endpoint       string
	Model          *string
	Streaming      bool

	Messages         []ConversationMessage
	SystemPrompt     *string
	UserMessages     []string
	AssistantResponse *string

	HasToolCalls  bool
	ToolCallCount int
	ToolNames     []string

	FullRequest  string // re-encoded parsed JSON
	FullResponse string // parsed object or list-of-SSE-frames, re-encoded

	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int

	// PromptCacheHit mirrors the teacher's extractAnthropicCacheHit /
	// prompt_tokens_details.cached_tokens detection, surfaced in the
	// request:complete event payload and the forward-duration metric's
	// cache_hit label.
	PromptCacheHit bool

	Cost Cost

	TimeToFirstTokenMs *int64
	TotalDurationMs    int64

	// OpenRouter enrichment (nil until H runs, at most once)
	GenerationID          *string
	Enriched              bool
	EnrichedAt             *time.Time
	OpenRouterProviderName *string
	UpstreamID             *string
	TotalCostUSD           *float64
	CacheDiscount          *float64
	Latency                *float64
	GenerationTime         *float64
	ModerationLatency      *float64
	NativePromptTokens     *int
	NativeCompletionTokens *int
	NativeReasoningTokens  *int
	NativeCachedTokens     *int
	FinishReason           *string
	IsBYOK                 *bool
	RawGenerationJSON      *string

	// ContextWindow is filled in asynchronously from the model-info
	// cache (spec §4.C), never on the hot path.
	ContextWindow *int

	CreatedAt time.Time
}

// RequestRecord is one per accepted, non-filtered HTTP request.
type RequestRecord struct {
	ID string

	Method        string
	OriginalURL   string
	Path          string
	Query         map[string]string
	Headers       map[string]string
	Body          *string
	BodyTruncated bool
	BodyRawSize   int64

	TargetURL    string
	RouteSource  RouteSource
	MatchedRuleID *string

	StatusCode       *int
	ResponseHeaders  map[string]string
	ResponseBody     *string
	ResponseTruncated bool
	ResponseRawSize  int64
	DurationMs       int64

	IsAiRequest bool
	AiRequestID *string

	Error *string

	CreatedAt time.Time
}

// RoutingRule is a single config-driven target-selection rule.
type RoutingRule struct {
	ID          int64
	Name        string
	Priority    int
	Enabled     bool
	MatchType   MatchType
	MatchPattern string
	MatchHeader string
	TargetURL   string
}

// MatchType enumerates the ways a RoutingRule can match a request.
type MatchType string

const (
	MatchPathPrefix  MatchType = "path_prefix"
	MatchPathRegex   MatchType = "path_regex"
	MatchHeaderRegex MatchType = "header_regex"
)

// Config is the process-wide singleton configuration row.
type Config struct {
	DefaultTargetURL   string
	LogEnabled         bool
	MaxBodySize        int64
	AiDetectionEnabled bool
	UpdatedAt          time.Time
}

// PricingEntry is one provider/model-regex pricing row.
type PricingEntry struct {
	ID                    int64
	Provider              string
	ModelPattern          string
	InputPricePerMillion  int64 // micro-dollars
	OutputPricePerMillion int64
}
