package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/types"
)

// Tool is a capability the model may invoke during a turn.
type Tool interface {
	Name() string
	Description() string
	Parameters() jsonschema.Definition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolRule declares when a tool is offered and how it is bound to a turn.
type ToolRule struct {
	Name     string
	Eligible func(turn types.TurnContext) bool
	Build    func(turn types.TurnContext) Tool
}

type ToolRegistry struct {
	rules []ToolRule
}

func NewToolRegistry(rules ...ToolRule) *ToolRegistry {
	return &ToolRegistry{rules: rules}
}

func (r *ToolRegistry) Register(rule ToolRule) {
	r.rules = append(r.rules, rule)
}

// Resolve evaluates every rule against the turn, in registration order.
func (r *ToolRegistry) Resolve(turn types.TurnContext) *ToolSet {
	set := &ToolSet{byName: map[string]Tool{}}
	if r == nil {
		return set
	}
	for _, rule := range r.rules {
		if rule.Eligible != nil && !rule.Eligible(turn) {
			continue
		}
		tool := rule.Build(turn)
		if tool == nil {
			continue
		}
		set.tools = append(set.tools, tool)
		set.byName[tool.Name()] = tool
	}
	return set
}

// ToolSet is the tools resolved for one turn.
type ToolSet struct {
	tools  []Tool
	byName map[string]Tool
}

func (s *ToolSet) Len() int {
	return len(s.tools)
}

func (s *ToolSet) Names() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name())
	}
	return names
}

func (s *ToolSet) Descriptors() []types.ToolDescriptor {
	out := make([]types.ToolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, types.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Execute runs one call. Failures come back as error results, never as errors.
func (s *ToolSet) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	result := types.ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	tool, ok := s.byName[call.Name]
	if !ok {
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		result.IsError = true
		return result
	}

	content, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		zap.L().Warn("tool failed", zap.String("tool", call.Name), zap.Error(err))
		result.IsError = true
		if errors.Is(err, types.ErrFusionInputFailure) {
			result.Content = "search failed: " + err.Error()
		} else {
			result.Content = "tool error: " + err.Error()
		}
		return result
	}
	result.Content = content
	return result
}

func decodeArgs(name string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.Validation(name, "invalid arguments: %v", err)
	}
	return nil
}

// DefaultToolRules wires the built-in tools. A nil dependency disables its tool.
func DefaultToolRules(search PoolSearcher, docs DocumentReader, web WebSearcher, opts types.HybridSearchOptions) []ToolRule {
	var rules []ToolRule
	if search != nil {
		rules = append(rules, ToolRule{
			Name:     SearchDocumentsToolName,
			Eligible: func(turn types.TurnContext) bool { return len(turn.PoolIDs) > 0 },
			Build: func(turn types.TurnContext) Tool {
				return NewSearchDocumentsTool(search, turn.PoolIDs, opts)
			},
		})
	}
	if docs != nil {
		rules = append(rules, ToolRule{
			Name:     ReadDocumentToolName,
			Eligible: func(turn types.TurnContext) bool { return len(turn.DocumentIDs) > 0 },
			Build: func(turn types.TurnContext) Tool {
				return NewReadDocumentTool(docs, turn.OwnerID, turn.DocumentIDs)
			},
		})
	}
	if web != nil {
		rules = append(rules, ToolRule{
			Name:  WebSearchToolName,
			Build: func(turn types.TurnContext) Tool { return NewWebSearchTool(web) },
		})
	}
	return rules
}
