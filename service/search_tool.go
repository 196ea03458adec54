package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/tieubaoca/ragchat/types"
)

const (
	SearchDocumentsToolName = "search_documents"
	ReadDocumentToolName    = "read_document"

	maxToolSearchLimit  = 20
	maxReadDocumentRune = 20000
)

// PoolSearcher is the retrieval side of HybridSearchService.
type PoolSearcher interface {
	SearchPools(ctx context.Context, poolIDs []string, query string, opts types.HybridSearchOptions) ([]types.SearchResult, error)
}

// DocumentReader loads stored documents and their chunks.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*types.SourceDocument, error)
	GetChunksBySource(ctx context.Context, sourceID string) ([]types.Chunk, error)
}

type SearchDocumentsTool struct {
	search  PoolSearcher
	poolIDs []string
	opts    types.HybridSearchOptions
}

func NewSearchDocumentsTool(search PoolSearcher, poolIDs []string, opts types.HybridSearchOptions) *SearchDocumentsTool {
	return &SearchDocumentsTool{search: search, poolIDs: poolIDs, opts: opts}
}

func (t *SearchDocumentsTool) Name() string { return SearchDocumentsToolName }

func (t *SearchDocumentsTool) Description() string {
	return "Search the user's connected document pools and return the most relevant passages."
}

func (t *SearchDocumentsTool) Parameters() jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"query": {Type: jsonschema.String, Description: "What to look for"},
			"limit": {Type: jsonschema.Integer, Description: "Maximum number of passages"},
		},
		Required: []string{"query"},
	}
}

type searchDocumentsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchHit struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	Title      any     `json:"title,omitempty"`
	Page       any     `json:"page,omitempty"`
	DocumentID any     `json:"document_id,omitempty"`
	Content    string  `json:"content"`
}

func (t *SearchDocumentsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in searchDocumentsArgs
	if err := decodeArgs(SearchDocumentsToolName, args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", types.Validation(SearchDocumentsToolName, "query is required")
	}
	opts := t.opts
	if in.Limit > 0 {
		opts.Limit = min(in.Limit, maxToolSearchLimit)
	}

	results, err := t.search.SearchPools(ctx, t.poolIDs, in.Query, opts)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "no matching passages", nil
	}
	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, searchHit{
			ID:         r.ID,
			Score:      r.Score,
			Title:      r.Metadata[types.META_TITLE],
			Page:       r.Metadata[types.META_PAGE],
			DocumentID: r.Metadata[types.META_SOURCE_ID],
			Content:    r.Content,
		})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReadDocumentTool returns the stored text of a document the user tagged.
type ReadDocumentTool struct {
	docs    DocumentReader
	ownerID string
	allowed map[string]bool
}

func NewReadDocumentTool(docs DocumentReader, ownerID string, documentIDs []string) *ReadDocumentTool {
	allowed := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		allowed[id] = true
	}
	return &ReadDocumentTool{docs: docs, ownerID: ownerID, allowed: allowed}
}

func (t *ReadDocumentTool) Name() string { return ReadDocumentToolName }

func (t *ReadDocumentTool) Description() string {
	return "Read the full text of a document the user referenced with @."
}

func (t *ReadDocumentTool) Parameters() jsonschema.Definition {
	ids := make([]string, 0, len(t.allowed))
	for id := range t.allowed {
		ids = append(ids, id)
	}
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"document_id": {Type: jsonschema.String, Description: "Id of the tagged document", Enum: ids},
		},
		Required: []string{"document_id"},
	}
}

func (t *ReadDocumentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		DocumentID string `json:"document_id"`
	}
	if err := decodeArgs(ReadDocumentToolName, args, &in); err != nil {
		return "", err
	}
	if !t.allowed[in.DocumentID] {
		return "", types.Validation(ReadDocumentToolName, "document %q was not tagged in this turn", in.DocumentID)
	}
	doc, err := t.docs.GetDocument(ctx, in.DocumentID)
	if err != nil {
		return "", err
	}
	if doc.OwnerID != t.ownerID {
		return "", types.NotFound(ReadDocumentToolName, "document %s not found", in.DocumentID)
	}
	chunks, err := t.docs.GetChunksBySource(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", doc.Title)
	written := 0
	for _, c := range chunks {
		runes := []rune(c.Text)
		if written+len(runes) > maxReadDocumentRune {
			sb.WriteString(string(runes[:maxReadDocumentRune-written]))
			sb.WriteString("\n[truncated]")
			break
		}
		sb.WriteString(c.Text)
		sb.WriteString("\n")
		written += len(runes)
	}
	return sb.String(), nil
}
