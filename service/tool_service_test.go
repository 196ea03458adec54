package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

type fakePoolSearcher struct {
	results  []types.SearchResult
	err      error
	gotPools []string
	gotOpts  types.HybridSearchOptions
}

func (f *fakePoolSearcher) SearchPools(ctx context.Context, poolIDs []string, query string, opts types.HybridSearchOptions) ([]types.SearchResult, error) {
	f.gotPools = poolIDs
	f.gotOpts = opts
	return f.results, f.err
}

type fakeDocs struct {
	docs   map[string]*types.SourceDocument
	chunks map[string][]types.Chunk
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (*types.SourceDocument, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, types.NotFound("GetDocument", "document %s not found", id)
	}
	return doc, nil
}

func (f *fakeDocs) GetChunksBySource(ctx context.Context, sourceID string) ([]types.Chunk, error) {
	return f.chunks[sourceID], nil
}

type fakeWeb struct{}

func (fakeWeb) Search(ctx context.Context, query string) ([]WebResult, error) {
	return []WebResult{{Title: "t", Link: "https://example.com", Snippet: query}}, nil
}

func TestToolRegistryEligibility(t *testing.T) {
	registry := NewToolRegistry(DefaultToolRules(&fakePoolSearcher{}, &fakeDocs{}, nil, types.HybridSearchOptions{Limit: 5})...)

	assert.Zero(t, registry.Resolve(types.TurnContext{}).Len())
	assert.Equal(t, []string{SearchDocumentsToolName}, registry.Resolve(types.TurnContext{PoolIDs: []string{"p1"}}).Names())
	assert.Equal(t, []string{SearchDocumentsToolName, ReadDocumentToolName},
		registry.Resolve(types.TurnContext{PoolIDs: []string{"p1"}, DocumentIDs: []string{"d1"}}).Names())

	withWeb := NewToolRegistry(DefaultToolRules(nil, nil, fakeWeb{}, types.HybridSearchOptions{})...)
	set := withWeb.Resolve(types.TurnContext{})
	assert.Equal(t, []string{WebSearchToolName}, set.Names())
	require.Len(t, set.Descriptors(), 1)
	assert.Equal(t, []string{"query"}, set.Descriptors()[0].Parameters.Required)
}

func TestToolSetExecuteFailuresBecomeResults(t *testing.T) {
	search := &fakePoolSearcher{err: fusionFailure("keyword", assert.AnError)}
	set := NewToolRegistry(DefaultToolRules(search, nil, nil, types.HybridSearchOptions{Limit: 5})...).
		Resolve(types.TurnContext{PoolIDs: []string{"p1"}})

	res := set.Execute(context.Background(), types.ToolCall{ID: "c1", Name: SearchDocumentsToolName, Arguments: json.RawMessage(`{"query":"x"}`)})
	assert.True(t, res.IsError)
	assert.Equal(t, "c1", res.ToolCallID)
	assert.True(t, strings.HasPrefix(res.Content, "search failed: "))

	res = set.Execute(context.Background(), types.ToolCall{ID: "c2", Name: "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")

	res = set.Execute(context.Background(), types.ToolCall{ID: "c3", Name: SearchDocumentsToolName, Arguments: json.RawMessage(`{}`)})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "query is required")
}

func TestSearchDocumentsToolFormatsHits(t *testing.T) {
	search := &fakePoolSearcher{results: []types.SearchResult{{
		ID: "d1_0", Score: 0.9, Content: "passage",
		Metadata: map[string]any{types.META_TITLE: "Doc", types.META_PAGE: 2, types.META_SOURCE_ID: "d1"},
	}}}
	tool := NewSearchDocumentsTool(search, []string{"p1", "p2"}, types.HybridSearchOptions{Limit: 5, CombineResults: true})

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"x","limit":50}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, search.gotPools)
	assert.Equal(t, maxToolSearchLimit, search.gotOpts.Limit)
	assert.True(t, search.gotOpts.CombineResults)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "Doc", hits[0]["title"])
	assert.Equal(t, "d1", hits[0]["document_id"])
	assert.Equal(t, "passage", hits[0]["content"])
}

func TestReadDocumentTool(t *testing.T) {
	docs := &fakeDocs{
		docs: map[string]*types.SourceDocument{
			"d1": {ID: "d1", OwnerID: "u1", Title: "Handbook"},
			"d2": {ID: "d2", OwnerID: "u2", Title: "Other"},
		},
		chunks: map[string][]types.Chunk{
			"d1": {{Text: "first"}, {Text: "second"}},
		},
	}
	tool := NewReadDocumentTool(docs, "u1", []string{"d1", "d2"})

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"document_id":"d1"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "# Handbook")
	assert.Contains(t, out, "first\nsecond")

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"document_id":"d2"}`))
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"document_id":"d3"}`))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestWebSearchService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "engine", r.URL.Query().Get("cx"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"title":"Go","link":"https://go.dev","snippet":"The Go language"}]}`))
	}))
	defer srv.Close()

	assert.Nil(t, NewWebSearchService(config.WebSearchConfig{}))
	svc := NewWebSearchService(config.WebSearchConfig{APIKey: "k", EngineID: "engine", Endpoint: srv.URL + "/"})
	require.NotNil(t, svc)

	out, err := NewWebSearchTool(svc).Execute(context.Background(), json.RawMessage(`{"query":"golang"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"title":"Go","link":"https://go.dev","snippet":"The Go language"}]`, out)
}
