package types

type CreatePoolRequest struct {
	Name string `json:"name"`
}

type SearchRequest struct {
	Query          string   `json:"query"`
	Limit          int      `json:"limit,omitempty"`
	KeywordWeight  *float64 `json:"keyword_weight,omitempty"`
	SemanticWeight *float64 `json:"semantic_weight,omitempty"`
	CombineResults *bool    `json:"combine_results,omitempty"`
}

type PatchMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type UploadMetadata struct {
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}
