package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

// GeminiService streams from Gemini, rotating through the configured API keys
// when a request fails before producing output.
type GeminiService struct {
	apiKeys    []string
	currentKey int
	modelName  string
	client     *genai.Client
	mu         sync.Mutex
}

func NewGeminiService(ctx context.Context, cfg config.GeminiConfig) (*GeminiService, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("no API keys provided")
	}
	service := &GeminiService{
		apiKeys:   cfg.APIKeys,
		modelName: cfg.Model,
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(service.apiKeys[0]))
	if err != nil {
		return nil, err
	}
	service.client = client
	return service, nil
}

func (s *GeminiService) currentClient() *genai.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *GeminiService) rotateAPIKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentKey = (s.currentKey + 1) % len(s.apiKeys)
	client, err := genai.NewClient(ctx, option.WithAPIKey(s.apiKeys[s.currentKey]))
	if err != nil {
		return err
	}
	old := s.client
	s.client = client
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *GeminiService) Close() error {
	return s.currentClient().Close()
}

func (s *GeminiService) session(req types.GenerationRequest) (*genai.ChatSession, []genai.Part, error) {
	model := s.currentClient().GenerativeModel(s.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			params := tool.Parameters
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGeminiSchema(&params),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := toGeminiContents(req.Messages)
	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return nil, nil, errors.New("conversation must end with a user turn")
	}
	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]
	return chat, contents[len(contents)-1].Parts, nil
}

func (s *GeminiService) StreamChat(ctx context.Context, req types.GenerationRequest) (<-chan types.ProviderEvent, error) {
	chat, parts, err := s.session(req)
	if err != nil {
		return nil, types.NewError("Gemini.StreamChat", types.ErrValidation, err)
	}
	iter := chat.SendMessageStream(ctx, parts...)
	first, err := iter.Next()
	if err != nil && err != iterator.Done {
		zap.L().Warn("gemini request failed, rotating API key", zap.Error(err))
		if rotateErr := s.rotateAPIKey(ctx); rotateErr != nil {
			return nil, types.Upstream("Gemini.StreamChat", rotateErr)
		}
		chat, parts, err = s.session(req)
		if err != nil {
			return nil, types.NewError("Gemini.StreamChat", types.ErrValidation, err)
		}
		iter = chat.SendMessageStream(ctx, parts...)
		first, err = iter.Next()
		if err != nil && err != iterator.Done {
			return nil, types.Upstream("Gemini.StreamChat", err)
		}
	}

	ch := make(chan types.ProviderEvent)
	go func() {
		defer close(ch)

		finishReason := "stop"
		resp := first
		for resp != nil {
			for _, cand := range resp.Candidates {
				if cand.FinishReason > genai.FinishReasonStop {
					finishReason = strings.ToLower(cand.FinishReason.String())
				}
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					ev, ok := geminiPartEvent(part)
					if !ok {
						continue
					}
					if !sendEvent(ctx, ch, ev) {
						return
					}
				}
			}
			next, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventError, Err: types.Upstream("Gemini.StreamChat", err)})
				return
			}
			resp = next
		}
		sendEvent(ctx, ch, types.ProviderEvent{Type: types.EventFinish, FinishReason: finishReason})
	}()
	return ch, nil
}

func geminiPartEvent(part genai.Part) (types.ProviderEvent, bool) {
	switch p := part.(type) {
	case genai.Text:
		if p == "" {
			return types.ProviderEvent{}, false
		}
		return types.ProviderEvent{Type: types.EventTextDelta, Delta: string(p)}, true
	case genai.FunctionCall:
		args, err := json.Marshal(p.Args)
		if err != nil {
			args = []byte("{}")
		}
		return types.ProviderEvent{Type: types.EventToolCall, ToolCall: &types.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      p.Name,
			Arguments: normalizeArguments(string(args)),
		}}, true
	}
	return types.ProviderEvent{}, false
}

// toGeminiContents maps stored messages to Gemini turns, merging adjacent
// turns of the same role. Tool results are sent back as user turns.
func toGeminiContents(messages []types.Message) []*genai.Content {
	var out []*genai.Content
	add := func(role string, part genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{part}})
	}

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser, types.RoleSystem:
			if text := msg.Text(); text != "" {
				add("user", genai.Text(text))
			}
		case types.RoleAssistant:
			for _, part := range msg.Parts {
				switch part.Type {
				case types.PartText, types.PartError:
					if part.Text != "" {
						add("model", genai.Text(part.Text))
					}
				case types.PartToolCall:
					args := map[string]any{}
					if len(part.Args) > 0 {
						if err := json.Unmarshal(part.Args, &args); err != nil {
							args = map[string]any{}
						}
					}
					add("model", genai.FunctionCall{Name: part.ToolName, Args: args})
				case types.PartToolResult:
					add("user", genai.FunctionResponse{
						Name:     part.ToolName,
						Response: map[string]any{"result": part.Result, "is_error": part.IsError},
					})
				}
			}
		}
	}
	return out
}

var geminiTypes = map[jsonschema.DataType]genai.Type{
	jsonschema.Object:  genai.TypeObject,
	jsonschema.String:  genai.TypeString,
	jsonschema.Integer: genai.TypeInteger,
	jsonschema.Number:  genai.TypeNumber,
	jsonschema.Boolean: genai.TypeBoolean,
	jsonschema.Array:   genai.TypeArray,
}

func toGeminiSchema(def *jsonschema.Definition) *genai.Schema {
	if def == nil {
		return nil
	}
	schema := &genai.Schema{
		Type:        geminiTypes[def.Type],
		Description: def.Description,
		Enum:        def.Enum,
		Required:    def.Required,
	}
	if len(def.Properties) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(def.Properties))
		for name, prop := range def.Properties {
			prop := prop
			schema.Properties[name] = toGeminiSchema(&prop)
		}
	}
	if def.Items != nil {
		schema.Items = toGeminiSchema(def.Items)
	}
	return schema
}

func (s *GeminiService) String() string {
	return fmt.Sprintf("gemini(%s)", s.modelName)
}
