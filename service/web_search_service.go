package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	customsearch "google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

const WebSearchToolName = "web_search"

// WebResult represents a single result from the Google Custom Search API
type WebResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// WebSearchService handles Google Custom Search operations
type WebSearchService struct {
	apiKey   string
	engineID string
	endpoint string
}

// NewWebSearchService returns nil when no search engine is configured.
func NewWebSearchService(cfg config.WebSearchConfig) *WebSearchService {
	if cfg.APIKey == "" || cfg.EngineID == "" {
		return nil
	}
	return &WebSearchService{
		apiKey:   cfg.APIKey,
		engineID: cfg.EngineID,
		endpoint: cfg.Endpoint,
	}
}

func (s *WebSearchService) Search(ctx context.Context, query string) ([]WebResult, error) {
	opts := []option.ClientOption{option.WithAPIKey(s.apiKey)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	searchService, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create search service: %w", err)
	}

	search := searchService.Cse.List()
	search.Q(query)
	search.Cx(s.engineID)
	search.Num(5)

	result, err := search.Context(ctx).Do()
	if err != nil {
		return nil, types.Upstream("WebSearch", err)
	}

	results := make([]WebResult, 0, len(result.Items))
	for _, item := range result.Items {
		results = append(results, WebResult{
			Title:   item.Title,
			Link:    item.Link,
			Snippet: item.Snippet,
		})
	}
	return results, nil
}

type WebSearchTool struct {
	web WebSearcher
}

func NewWebSearchTool(web WebSearcher) *WebSearchTool {
	return &WebSearchTool{web: web}
}

func (t *WebSearchTool) Name() string { return WebSearchToolName }

func (t *WebSearchTool) Description() string {
	return "Search the public web for recent or general information."
}

func (t *WebSearchTool) Parameters() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"query": {Type: jsonschema.String, Description: "Search query"},
		},
		Required: []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(WebSearchToolName, args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", types.Validation(WebSearchToolName, "query is required")
	}
	results, err := t.web.Search(ctx, in.Query)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	return string(out), nil
}
