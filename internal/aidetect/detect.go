// Package aidetect classifies requests as AI traffic and parses OpenAI-
// and Anthropic-shaped request/response/stream bodies into the
// observation model, walking untyped JSON rather than fixed structs so
// that unrecognized shapes never fail parsing (spec §4.E, §9).
package aidetect

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

var aiEndpointSuffixes = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
	"/v1/images/generations",
	"/v1/audio/transcriptions",
	"/v1/audio/speech",
	"/v1/moderations",
	"/v1/messages",
	"/chat/completions",
	"/completions",
	"/embeddings",
	"/messages",
}

// IsAIEndpoint reports whether path ends with a recognized AI API
// route suffix.
func IsAIEndpoint(path string) bool {
	for _, s := range aiEndpointSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

var knownProviders = map[string]model.Provider{
	"openai":     model.ProviderOpenAI,
	"anthropic":  model.ProviderAnthropic,
	"azure":      model.ProviderAzure,
	"openrouter": model.ProviderOpenRouter,
}

// DetectProvider classifies the upstream dialect from the resolved
// target URL's host, falling back to an explicit x-ai-provider header
// and finally "custom".
func DetectProvider(targetURL string, headers http.Header) model.Provider {
	lower := strings.ToLower(targetURL)
	switch {
	case strings.Contains(lower, "openrouter.ai"):
		return model.ProviderOpenRouter
	case strings.Contains(lower, "api.openai.com"):
		return model.ProviderOpenAI
	case strings.Contains(lower, "openai.azure.com"):
		return model.ProviderAzure
	case strings.Contains(lower, "api.anthropic.com"):
		return model.ProviderAnthropic
	}
	if hint := strings.ToLower(headers.Get("x-ai-provider")); hint != "" {
		if p, ok := knownProviders[hint]; ok {
			return p
		}
	}
	return model.ProviderCustom
}

// ParseRequest walks an OpenAI-chat or Anthropic-messages request body
// into the observation model. JSON that doesn't parse must be handled
// by the caller before invoking this (spec §4.G step 5: a parse
// failure downgrades the exchange to non-AI, it never reaches here).
func ParseRequest(body []byte, path, targetURL string, headers http.Header) model.AiRecord {
	root := gjson.ParseBytes(body)
	provider := DetectProvider(targetURL, headers)

	rec := model.AiRecord{
		Provider:  provider,
		Endpoint:  path,
		Streaming: root.Get("stream").Type == gjson.True,
	}
	if m := root.Get("model"); m.Exists() {
		name := m.String()
		rec.Model = &name
	}

	if provider == model.ProviderAnthropic {
		parseAnthropicRequest(root, &rec)
	} else {
		parseOpenAIRequest(root, &rec)
	}

	for _, msg := range rec.Messages {
		if msg.Role == model.RoleUser && msg.Content != nil {
			rec.UserMessages = append(rec.UserMessages, *msg.Content)
		}
	}
	rec.FullRequest = root.Raw
	return rec
}

func parseOpenAIRequest(root gjson.Result, rec *model.AiRecord) {
	messages := root.Get("messages")
	if !messages.IsArray() {
		return
	}
	var toolNames []string

	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		switch role {
		case "system":
			text := extractContentText(msg.Get("content"))
			rec.SystemPrompt = &text
			rec.Messages = append(rec.Messages, model.ConversationMessage{Role: model.RoleSystem, Content: &text})
		case "user":
			text, hasImages, imageCount := extractContentWithImages(msg.Get("content"))
			rec.Messages = append(rec.Messages, model.ConversationMessage{
				Role: model.RoleUser, Content: &text, HasImages: hasImages, ImageCount: imageCount,
			})
		case "assistant":
			text := extractContentText(msg.Get("content"))
			var calls []model.ToolCall
			if tc := msg.Get("tool_calls"); tc.IsArray() {
				tc.ForEach(func(_, call gjson.Result) bool {
					name := call.Get("function.name").String()
					calls = append(calls, model.ToolCall{
						ID:           call.Get("id").String(),
						FunctionName: name,
						ArgumentsRaw: call.Get("function.arguments").String(),
					})
					toolNames = append(toolNames, name)
					return true
				})
			} else if fc := msg.Get("function_call"); fc.Exists() {
				name := fc.Get("name").String()
				calls = append(calls, model.ToolCall{
					ID:           "legacy",
					FunctionName: name,
					ArgumentsRaw: fc.Get("arguments").String(),
				})
				toolNames = append(toolNames, name)
			}
			am := model.ConversationMessage{Role: model.RoleAssistant, Content: &text, ToolCalls: calls}
			rec.Messages = append(rec.Messages, am)
		case "tool", "function":
			content := msg.Get("content")
			text := content.String()
			if content.IsArray() || content.IsObject() {
				text = content.Raw
			}
			rec.Messages = append(rec.Messages, model.ConversationMessage{
				Role:       model.RoleTool,
				Content:    &text,
				ToolCallID: msg.Get("tool_call_id").String(),
				ToolName:   msg.Get("name").String(),
			})
		}
		return true
	})

	rec.ToolNames = toolNames
	rec.ToolCallCount = len(toolNames)
	rec.HasToolCalls = rec.ToolCallCount > 0
}

func parseAnthropicRequest(root gjson.Result, rec *model.AiRecord) {
	if sys := root.Get("system"); sys.Exists() {
		var text string
		if sys.Type == gjson.String {
			text = sys.String()
		} else {
			text = sys.Raw
		}
		rec.SystemPrompt = &text
	}

	var toolNames []string
	hasSystemMessage := false
	messages := root.Get("messages")
	if messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			if role == "system" {
				hasSystemMessage = true
			}

			content := msg.Get("content")
			text, hasImages, imageCount := extractContentWithImages(content)
			var calls []model.ToolCall
			if content.IsArray() {
				content.ForEach(func(_, block gjson.Result) bool {
					if block.Get("type").String() == "tool_use" {
						name := block.Get("name").String()
						calls = append(calls, model.ToolCall{
							ID:           block.Get("id").String(),
							FunctionName: name,
							ArgumentsRaw: block.Get("input").Raw,
						})
						toolNames = append(toolNames, name)
					}
					return true
				})
			}

			convRole := model.Role(role)
			if convRole != model.RoleUser && convRole != model.RoleAssistant && convRole != model.RoleSystem {
				convRole = model.RoleUser
			}
			rec.Messages = append(rec.Messages, model.ConversationMessage{
				Role: convRole, Content: &text, HasImages: hasImages, ImageCount: imageCount, ToolCalls: calls,
			})
			return true
		})
	}

	if rec.SystemPrompt != nil && !hasSystemMessage {
		sp := *rec.SystemPrompt
		rec.Messages = append([]model.ConversationMessage{{Role: model.RoleSystem, Content: &sp}}, rec.Messages...)
	}

	rec.ToolNames = toolNames
	rec.ToolCallCount = len(toolNames)
	rec.HasToolCalls = rec.ToolCallCount > 0
}

// extractContentText extracts only the joined text parts of an
// OpenAI-style content field (string, or array of typed blocks).
func extractContentText(content gjson.Result) string {
	text, _, _ := extractContentWithImages(content)
	return text
}

func extractContentWithImages(content gjson.Result) (text string, hasImages bool, imageCount int) {
	if content.Type == gjson.String {
		return content.String(), false, 0
	}
	if !content.IsArray() {
		return "", false, 0
	}
	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, block.Get("text").String())
		case "image_url", "image":
			hasImages = true
			imageCount++
		}
		return true
	})
	return strings.Join(parts, "\n"), hasImages, imageCount
}
