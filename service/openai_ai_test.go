package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

func newChatStreamServer(t *testing.T, chunks []string) (*httptest.Server, *openai.ChatCompletionRequest) {
	t.Helper()
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func collectProvider(t *testing.T, ch <-chan types.ProviderEvent) []types.ProviderEvent {
	t.Helper()
	var events []types.ProviderEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestOpenAIStreamText(t *testing.T) {
	srv, got := newChatStreamServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	})
	svc := NewOpenAIService(config.OpenAIConfig{BaseURL: srv.URL, APIKey: "k", ChatModel: "m"})

	ch, err := svc.StreamChat(context.Background(), types.GenerationRequest{
		System:   "be brief",
		Messages: []types.Message{{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "hi"}}}},
	})
	require.NoError(t, err)
	events := collectProvider(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
	assert.Equal(t, types.EventFinish, events[2].Type)
	assert.Equal(t, "stop", events[2].FinishReason)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.Empty(t, got.Tools)
}

func TestOpenAIStreamAssemblesToolCalls(t *testing.T) {
	srv, got := newChatStreamServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search_documents","arguments":"{\"que"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"go\"}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"type":"function","function":{"name":"web_search","arguments":"not json"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	svc := NewOpenAIService(config.OpenAIConfig{BaseURL: srv.URL, APIKey: "k", ChatModel: "m"})

	ch, err := svc.StreamChat(context.Background(), types.GenerationRequest{
		Messages: []types.Message{{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "find go"}}}},
		Tools:    []types.ToolDescriptor{{Name: "search_documents", Description: "search"}},
	})
	require.NoError(t, err)
	events := collectProvider(t, ch)

	require.Len(t, events, 3)
	require.Equal(t, types.EventToolCall, events[0].Type)
	assert.Equal(t, "call_a", events[0].ToolCall.ID)
	assert.Equal(t, "search_documents", events[0].ToolCall.Name)
	assert.JSONEq(t, `{"query":"go"}`, string(events[0].ToolCall.Arguments))

	assert.Equal(t, "web_search", events[1].ToolCall.Name)
	assert.NotEmpty(t, events[1].ToolCall.ID)
	assert.JSONEq(t, `{}`, string(events[1].ToolCall.Arguments))

	assert.Equal(t, "tool_calls", events[2].FinishReason)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "search_documents", got.Tools[0].Function.Name)
}

func TestOpenAIStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"down","type":"server_error"}}`))
	}))
	defer srv.Close()
	svc := NewOpenAIService(config.OpenAIConfig{BaseURL: srv.URL, APIKey: "k", ChatModel: "m"})

	_, err := svc.StreamChat(context.Background(), types.GenerationRequest{
		Messages: []types.Message{{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "hi"}}}},
	})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestToOpenAIMessagesOrdersToolResults(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "q"}}},
		{Role: types.RoleAssistant, Parts: []types.MessagePart{
			{Type: types.PartText, Text: "looking"},
			{Type: types.PartToolCall, ToolCallID: "c1", ToolName: "search_documents", Args: json.RawMessage(`{"query":"q"}`)},
			{Type: types.PartToolResult, ToolCallID: "c1", ToolName: "search_documents", Result: "found"},
			{Type: types.PartText, Text: "answer"},
		}},
	}

	out := toOpenAIMessages("sys", msgs)

	require.Len(t, out, 5)
	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, out[1].Role)
	assert.Equal(t, "looking", out[2].Content)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "c1", out[2].ToolCalls[0].ID)
	assert.Equal(t, openai.ChatMessageRoleTool, out[3].Role)
	assert.Equal(t, "c1", out[3].ToolCallID)
	assert.Equal(t, "found", out[3].Content)
	assert.Equal(t, "answer", out[4].Content)
}

func TestToGeminiContentsMergesRoles(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "q"}}},
		{Role: types.RoleAssistant, Parts: []types.MessagePart{
			{Type: types.PartToolCall, ToolCallID: "c1", ToolName: "search_documents", Args: json.RawMessage(`{"query":"q"}`)},
			{Type: types.PartToolResult, ToolCallID: "c1", ToolName: "search_documents", Result: "found"},
		}},
		{Role: types.RoleUser, Parts: []types.MessagePart{{Type: types.PartText, Text: "more"}}},
	}

	out := toGeminiContents(msgs)

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "model", out[1].Role)
	assert.Equal(t, "user", out[2].Role)
	assert.Len(t, out[2].Parts, 2)
}
