package types

// Provenance tells which retrieval modality produced a result.
type Provenance string

const (
	ProvenanceKeyword  Provenance = "keyword"
	ProvenanceSemantic Provenance = "semantic"
	ProvenanceHybrid   Provenance = "hybrid"
)

// VectorRecord is the persisted unit of a namespace. ID is the chunk id.
type VectorRecord struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata"`
	RawText  string         `json:"raw_text"`
}

// ScoredRecord is a backend query hit before thresholding.
type ScoredRecord struct {
	Record VectorRecord
	Score  float64
}

// KeywordHit is a full-text match from the metadata store.
type KeywordHit struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	RelevanceScore float64        `json:"relevance_score"`
}

// SearchResult is built per query and never persisted.
type SearchResult struct {
	ID            string         `json:"id"`
	Score         float64        `json:"score"`
	Metadata      map[string]any `json:"metadata"`
	Content       string         `json:"content"`
	Provenance    Provenance     `json:"provenance"`
	KeywordScore  *float64       `json:"keyword_score,omitempty"`
	SemanticScore *float64       `json:"semantic_score,omitempty"`
}

// ScoreThresholds are the type-aware minimum semantic scores.
type ScoreThresholds struct {
	Text  float64 `mapstructure:"text" json:"text"`
	Image float64 `mapstructure:"image" json:"image"`
}

// For returns the threshold that applies to a record with the given metadata.
func (t ScoreThresholds) For(metadata map[string]any) float64 {
	if IsImageDerived(metadata) {
		return t.Image
	}
	return t.Text
}

type QueryOptions struct {
	Limit  int
	Filter map[string]string
	// Thresholds nil means no post-filtering.
	Thresholds *ScoreThresholds
}

type RangeOptions struct {
	Cursor string
	Limit  int
}

type RangePage struct {
	Records    []VectorRecord `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

type HybridSearchOptions struct {
	Limit          int     `json:"limit"`
	KeywordWeight  float64 `json:"keyword_weight"`
	SemanticWeight float64 `json:"semantic_weight"`
	CombineResults bool    `json:"combine_results"`
}
