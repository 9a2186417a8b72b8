package aidetect

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ParsedResponse is the result of parsing a non-streamed AI response
// body (spec §4.E parseResponse).
type ParsedResponse struct {
	AssistantResponse *string
	Model             *string
	PromptTokens      *int
	CompletionTokens  *int
	TotalTokens       *int
	GenerationID      *string
	PromptCacheHit    bool
}

// ParseResponse extracts the assistant text and token usage from an
// OpenAI or Anthropic-shaped non-streamed response body.
func ParseResponse(body []byte) ParsedResponse {
	root := gjson.ParseBytes(body)
	var out ParsedResponse

	if m := root.Get("model"); m.Exists() {
		v := m.String()
		out.Model = &v
	}
	if id := root.Get("id"); id.Exists() {
		v := id.String()
		out.GenerationID = &v
	}

	if content := root.Get("choices.0.message.content"); content.Exists() {
		v := content.String()
		out.AssistantResponse = &v
	} else if text := root.Get("choices.0.text"); text.Exists() {
		v := text.String()
		out.AssistantResponse = &v
	} else if blocks := root.Get("content"); blocks.IsArray() {
		var parts []string
		blocks.ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").String() == "text" {
				parts = append(parts, b.Get("text").String())
			}
			return true
		})
		if len(parts) > 0 {
			v := strings.Join(parts, "\n")
			out.AssistantResponse = &v
		}
	}

	usage := root.Get("usage")
	if usage.Exists() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			n := int(v.Int())
			out.PromptTokens = &n
		} else if v := usage.Get("input_tokens"); v.Exists() {
			n := int(v.Int())
			out.PromptTokens = &n
		}
		if v := usage.Get("completion_tokens"); v.Exists() {
			n := int(v.Int())
			out.CompletionTokens = &n
		} else if v := usage.Get("output_tokens"); v.Exists() {
			n := int(v.Int())
			out.CompletionTokens = &n
		}
		if v := usage.Get("total_tokens"); v.Exists() {
			n := int(v.Int())
			out.TotalTokens = &n
		}
		out.PromptCacheHit = usage.Get("cache_read_input_tokens").Int() > 0 ||
			usage.Get("prompt_tokens_details.cached_tokens").Int() > 0
	}
	if out.TotalTokens == nil && out.PromptTokens != nil && out.CompletionTokens != nil {
		n := *out.PromptTokens + *out.CompletionTokens
		out.TotalTokens = &n
	}

	return out
}

// ParseStreamed merges the per-event `data:` payloads of an SSE stream
// into a single ParsedResponse, preserving the list of decodable
// frames for fullResponse. Non-JSON and "[DONE]" chunks are ignored
// for content purposes but are never an error (spec §4.E, §9).
func ParseStreamed(chunks []string) (ParsedResponse, []string) {
	var out ParsedResponse
	var assistantParts []string
	var frames []string

	for _, chunk := range chunks {
		trimmed := strings.TrimSpace(chunk)
		if trimmed == "" || trimmed == "[DONE]" {
			continue
		}
		if !gjson.Valid(trimmed) {
			continue
		}
		frames = append(frames, trimmed)
		frame := gjson.Parse(trimmed)

		if out.Model == nil {
			if m := frame.Get("model"); m.Exists() {
				v := m.String()
				out.Model = &v
			}
		}
		if out.GenerationID == nil {
			if id := frame.Get("id"); id.Exists() {
				v := id.String()
				out.GenerationID = &v
			}
		}

		if delta := frame.Get("choices.0.delta.content"); delta.Exists() {
			assistantParts = append(assistantParts, delta.String())
		}
		if delta := frame.Get("delta.text"); delta.Exists() {
			assistantParts = append(assistantParts, delta.String())
		}

		switch frame.Get("type").String() {
		case "message_start":
			if v := frame.Get("message.usage.input_tokens"); v.Exists() {
				n := int(v.Int())
				out.PromptTokens = &n
			}
		case "message_delta":
			if v := frame.Get("usage.output_tokens"); v.Exists() {
				n := int(v.Int())
				out.CompletionTokens = &n
			}
		}

		if usage := frame.Get("usage"); usage.Exists() {
			if v := usage.Get("prompt_tokens"); v.Exists() {
				n := int(v.Int())
				out.PromptTokens = &n
			}
			if v := usage.Get("completion_tokens"); v.Exists() {
				n := int(v.Int())
				out.CompletionTokens = &n
			}
			if v := usage.Get("total_tokens"); v.Exists() {
				n := int(v.Int())
				out.TotalTokens = &n
			}
			if usage.Get("cache_read_input_tokens").Int() > 0 || usage.Get("prompt_tokens_details.cached_tokens").Int() > 0 {
				out.PromptCacheHit = true
			}
		}
		if v := frame.Get("message.usage.cache_read_input_tokens"); v.Int() > 0 {
			out.PromptCacheHit = true
		}
	}

	if len(assistantParts) > 0 {
		v := strings.Join(assistantParts, "")
		out.AssistantResponse = &v
	}
	if out.TotalTokens == nil && out.PromptTokens != nil && out.CompletionTokens != nil {
		n := *out.PromptTokens + *out.CompletionTokens
		out.TotalTokens = &n
	}
	return out, frames
}

// ExtractOpenRouterGenerationID returns the top-level "id" of a
// non-streaming body, or nil when it has none. The forwarder does not
// call it: it takes the id from ParseResponse's or ParseStreamed's
// GenerationID.
func ExtractOpenRouterGenerationID(body []byte) *string {
	root := gjson.ParseBytes(body)
	if id := root.Get("id"); id.Exists() {
		v := id.String()
		return &v
	}
	return nil
}
