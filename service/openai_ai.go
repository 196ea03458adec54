package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

type OpenAIService struct {
	client *openai.Client
	model  string
}

func NewOpenAIService(cfg config.OpenAIConfig) *OpenAIService {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.ChatModel,
	}
}

func (s *OpenAIService) StreamChat(ctx context.Context, req types.GenerationRequest) (<-chan types.ProviderEvent, error) {
	request := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}
	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, types.Upstream("OpenAI.StreamChat", err)
	}

	ch := make(chan types.ProviderEvent)
	go func() {
		defer close(ch)
		defer stream.Close()

		calls := map[int]*types.ToolCall{}
		args := map[int]string{}
		finishReason := ""
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				zap.L().Warn("openai stream failed", zap.Error(err))
				sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventError, Err: types.Upstream("OpenAI.StreamChat", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventTextDelta, Delta: choice.Delta.Content}) {
					return
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				index := i
				if tc.Index != nil {
					index = *tc.Index
				}
				call, ok := calls[index]
				if !ok {
					call = &types.ToolCall{}
					calls[index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				args[index] += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
		}

		indexes := make([]int, 0, len(calls))
		for index := range calls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		for _, index := range indexes {
			call := calls[index]
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			call.Arguments = normalizeArguments(args[index])
			if !sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventToolCall, ToolCall: call}) {
				return
			}
		}
		if finishReason == "" {
			finishReason = string(openai.FinishReasonStop)
		}
		sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventFinish, FinishReason: finishReason})
	}()
	return ch, nil
}

// normalizeArguments keeps valid JSON arguments and replaces anything else
// with an empty object.
func normalizeArguments(raw string) json.RawMessage {
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// toOpenAIMessages flattens stored messages into the chat completion wire
// shape. An assistant message's text and tool calls are grouped until a tool
// result forces them out, so every tool message follows its call.
func toOpenAIMessages(system string, messages []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()})
		case types.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})
		case types.RoleAssistant:
			var pending *openai.ChatCompletionMessage
			flush := func() {
				if pending != nil && (pending.Content != "" || len(pending.ToolCalls) > 0) {
					out = append(out, *pending)
				}
				pending = nil
			}
			for _, part := range msg.Parts {
				switch part.Type {
				case types.PartText, types.PartError:
					if pending == nil {
						pending = &openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
					}
					pending.Content += part.Text
				case types.PartToolCall:
					if pending == nil {
						pending = &openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
					}
					pending.ToolCalls = append(pending.ToolCalls, openai.ToolCall{
						ID:   part.ToolCallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.ToolName,
							Arguments: string(normalizeArguments(string(part.Args))),
						},
					})
				case types.PartToolResult:
					flush()
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    part.Result,
						Name:       part.ToolName,
						ToolCallID: part.ToolCallID,
					})
				}
			}
			flush()
		}
	}
	return out
}
