package aidetect

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

func TestIsAIEndpoint(t *testing.T) {
	assert.True(t, IsAIEndpoint("/v1/chat/completions"))
	assert.True(t, IsAIEndpoint("/proxy/v1/messages"))
	assert.False(t, IsAIEndpoint("/static/app.js"))
}

func TestDetectProvider(t *testing.T) {
	assert.Equal(t, model.ProviderOpenAI, DetectProvider("https://api.openai.com/v1/chat/completions", http.Header{}))
	assert.Equal(t, model.ProviderAnthropic, DetectProvider("https://api.anthropic.com/v1/messages", http.Header{}))
	assert.Equal(t, model.ProviderOpenRouter, DetectProvider("https://openrouter.ai/api/v1/chat/completions", http.Header{}))

	h := http.Header{}
	h.Set("x-ai-provider", "azure")
	assert.Equal(t, model.ProviderAzure, DetectProvider("https://my-custom-host.internal/chat", h))

	assert.Equal(t, model.ProviderCustom, DetectProvider("https://my-custom-host.internal/chat", http.Header{}))
}

func TestParseRequest_OpenAIChatWithModernToolCalls(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o-mini",
		"stream": true,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "what's the weather?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "function": {"name": "get_weather", "arguments": "{\"city\":\"nyc\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "name": "get_weather", "content": "72F"}
		]
	}`)
	rec := ParseRequest(body, "/v1/chat/completions", "https://api.openai.com/v1/chat/completions", http.Header{})

	require.NotNil(t, rec.Model)
	assert.Equal(t, "gpt-4o-mini", *rec.Model)
	assert.True(t, rec.Streaming)
	assert.Equal(t, model.ProviderOpenAI, rec.Provider)
	require.NotNil(t, rec.SystemPrompt)
	assert.Equal(t, "be terse", *rec.SystemPrompt)
	assert.Equal(t, []string{"what's the weather?"}, rec.UserMessages)
	assert.True(t, rec.HasToolCalls)
	assert.Equal(t, 1, rec.ToolCallCount)
	assert.Equal(t, []string{"get_weather"}, rec.ToolNames)
}

func TestParseRequest_OpenAILegacyFunctionCall(t *testing.T) {
	body := []byte(`{
		"model": "gpt-3.5-turbo",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": null, "function_call": {"name": "lookup", "arguments": "{}"}}
		]
	}`)
	rec := ParseRequest(body, "/v1/chat/completions", "https://api.openai.com/v1/chat/completions", http.Header{})
	assert.True(t, rec.HasToolCalls)
	assert.Equal(t, []string{"lookup"}, rec.ToolNames)
}

func TestParseRequest_AnthropicMessagesWithSystemPrepended(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"system": "you are concise",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hello"}]}
		]
	}`)
	rec := ParseRequest(body, "/v1/messages", "https://api.anthropic.com/v1/messages", http.Header{})

	require.NotNil(t, rec.SystemPrompt)
	assert.Equal(t, "you are concise", *rec.SystemPrompt)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, model.RoleSystem, rec.Messages[0].Role)
	assert.Equal(t, model.RoleUser, rec.Messages[1].Role)
}

func TestParseRequest_AnthropicToolUseBlock(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus-20240229",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "search", "input": {"q": "go"}}
			]}
		]
	}`)
	rec := ParseRequest(body, "/v1/messages", "https://api.anthropic.com/v1/messages", http.Header{})
	assert.True(t, rec.HasToolCalls)
	assert.Equal(t, []string{"search"}, rec.ToolNames)
}

func TestParseRequest_ImageContentIsDetectedNotStored(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "https://example.com/x.png"}}
			]}
		]
	}`)
	rec := ParseRequest(body, "/v1/chat/completions", "https://api.openai.com/v1/chat/completions", http.Header{})
	require.Len(t, rec.Messages, 1)
	assert.True(t, rec.Messages[0].HasImages)
	assert.Equal(t, 1, rec.Messages[0].ImageCount)
}
