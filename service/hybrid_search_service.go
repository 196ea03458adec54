package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tieubaoca/ragchat/types"
)

const (
	DefaultSearchLimit       = 10
	DefaultKeywordWeight     = 0.3
	DefaultSemanticWeight    = 0.7
	DefaultKeywordScoreScale = 10.0
	candidateFactor          = 1.5
)

var DefaultScoreThresholds = types.ScoreThresholds{Text: 0.3, Image: 0.1}

type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, poolID, query string, limit int) ([]types.KeywordHit, error)
}

type SemanticSearcher interface {
	Query(ctx context.Context, poolID string, vector []float32, opts types.QueryOptions) ([]types.SearchResult, error)
}

type HybridSearchConfig struct {
	KeywordWeight     float64
	SemanticWeight    float64
	KeywordScoreScale float64
	Thresholds        types.ScoreThresholds
	DefaultLimit      int
}

// HybridSearchService fuses full-text and vector similarity results. Either
// branch failing fails the whole search.
type HybridSearchService struct {
	keyword  KeywordSearcher
	semantic SemanticSearcher
	embedder EmbeddingService
	cfg      HybridSearchConfig
}

func NewHybridSearchService(keyword KeywordSearcher, semantic SemanticSearcher, embedder EmbeddingService, cfg HybridSearchConfig) *HybridSearchService {
	if cfg.KeywordScoreScale <= 0 {
		cfg.KeywordScoreScale = DefaultKeywordScoreScale
	}
	if cfg.KeywordWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.KeywordWeight = DefaultKeywordWeight
		cfg.SemanticWeight = DefaultSemanticWeight
	}
	if cfg.Thresholds == (types.ScoreThresholds{}) {
		cfg.Thresholds = DefaultScoreThresholds
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultSearchLimit
	}
	return &HybridSearchService{keyword: keyword, semantic: semantic, embedder: embedder, cfg: cfg}
}

// DefaultOptions are the configured weights with result combining on.
func (s *HybridSearchService) DefaultOptions() types.HybridSearchOptions {
	return types.HybridSearchOptions{
		Limit:          s.cfg.DefaultLimit,
		KeywordWeight:  s.cfg.KeywordWeight,
		SemanticWeight: s.cfg.SemanticWeight,
		CombineResults: true,
	}
}

func fusionFailure(branch string, err error) error {
	return types.NewError("HybridSearch", types.ErrFusionInputFailure, fmt.Errorf("%s search: %w", branch, err))
}

// SearchText embeds the query and runs Search. An embedding failure is a
// failure of the semantic branch.
func (s *HybridSearchService) SearchText(ctx context.Context, poolID, query string, opts types.HybridSearchOptions) ([]types.SearchResult, error) {
	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, poolID, query, vector, opts)
}

func (s *HybridSearchService) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.Validation("HybridSearch", "query is required")
	}
	if s.embedder == nil {
		return nil, fusionFailure("semantic", fmt.Errorf("no embedder configured"))
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fusionFailure("semantic", err)
	}
	return vector, nil
}

// Search runs keyword and semantic retrieval concurrently and fuses them.
func (s *HybridSearchService) Search(ctx context.Context, poolID, queryText string, queryVector []float32, opts types.HybridSearchOptions) ([]types.SearchResult, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, types.Validation("HybridSearch", "query is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	candidates := int(math.Ceil(float64(limit) * candidateFactor))

	var keywordHits []types.KeywordHit
	var semanticHits []types.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.keyword.KeywordSearch(gctx, poolID, queryText, candidates)
		if err != nil {
			return fusionFailure("keyword", err)
		}
		keywordHits = hits
		return nil
	})
	g.Go(func() error {
		thresholds := s.cfg.Thresholds
		hits, err := s.semantic.Query(gctx, poolID, queryVector, types.QueryOptions{
			Limit:      candidates,
			Thresholds: &thresholds,
		})
		if err != nil {
			return fusionFailure("semantic", err)
		}
		semanticHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		zap.L().Warn("hybrid search failed", zap.String("pool_id", poolID), zap.Error(err))
		return nil, err
	}

	keyword := s.normalizeKeyword(keywordHits)
	var results []types.SearchResult
	if opts.CombineResults {
		kw, sem := opts.KeywordWeight, opts.SemanticWeight
		if kw == 0 && sem == 0 {
			kw, sem = s.cfg.KeywordWeight, s.cfg.SemanticWeight
		}
		results = combine(keyword, semanticHits, kw, sem)
	} else {
		results = concatenate(keyword, semanticHits)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	zap.L().Debug("hybrid search",
		zap.String("pool_id", poolID),
		zap.Int("keyword", len(keywordHits)),
		zap.Int("semantic", len(semanticHits)),
		zap.Int("results", len(results)))
	return results, nil
}

// SearchPools embeds once and searches every pool concurrently. Results are
// merged by score with earlier pools winning ties.
func (s *HybridSearchService) SearchPools(ctx context.Context, poolIDs []string, query string, opts types.HybridSearchOptions) ([]types.SearchResult, error) {
	if len(poolIDs) == 0 {
		return []types.SearchResult{}, nil
	}
	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	perPool := make([][]types.SearchResult, len(poolIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, poolID := range poolIDs {
		i, poolID := i, poolID
		g.Go(func() error {
			res, err := s.Search(gctx, poolID, query, vector, opts)
			if err != nil {
				return err
			}
			perPool[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.SearchResult
	for _, res := range perPool {
		merged = append(merged, res...)
	}
	sortByScore(merged)
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// normalizeKeyword maps raw relevance into [0,1] by dividing by the
// configured reference maximum and clamping.
func (s *HybridSearchService) normalizeKeyword(hits []types.KeywordHit) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		score := hit.RelevanceScore / s.cfg.KeywordScoreScale
		score = math.Max(0, math.Min(1, score))
		out = append(out, types.SearchResult{
			ID:           hit.ID,
			Score:        score,
			Metadata:     hit.Metadata,
			Content:      hit.Content,
			Provenance:   types.ProvenanceKeyword,
			KeywordScore: &score,
		})
	}
	return out
}

func concatenate(keyword, semantic []types.SearchResult) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(keyword)+len(semantic))
	out = append(out, keyword...)
	out = append(out, semantic...)
	sortByScore(out)
	return out
}

// combine merges by id. Keyword results are inserted first so that ties
// resolve the same way on every call.
func combine(keyword, semantic []types.SearchResult, keywordWeight, semanticWeight float64) []types.SearchResult {
	order := make([]string, 0, len(keyword)+len(semantic))
	byID := make(map[string]*types.SearchResult, len(keyword)+len(semantic))

	for _, r := range keyword {
		if _, seen := byID[r.ID]; seen {
			continue
		}
		fused := r
		fused.Score = *r.KeywordScore * keywordWeight
		byID[r.ID] = &fused
		order = append(order, r.ID)
	}
	for _, r := range semantic {
		semScore := r.Score
		if existing, ok := byID[r.ID]; ok {
			if existing.SemanticScore != nil {
				continue
			}
			existing.Score += semScore * semanticWeight
			existing.SemanticScore = &semScore
			existing.Provenance = types.ProvenanceHybrid
			if existing.Content == "" {
				existing.Content = r.Content
			}
			if existing.Metadata == nil {
				existing.Metadata = r.Metadata
			}
			continue
		}
		fused := r
		fused.Score = semScore * semanticWeight
		fused.SemanticScore = &semScore
		byID[r.ID] = &fused
		order = append(order, r.ID)
	}

	out := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sortByScore(out)
	return out
}

func sortByScore(results []types.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
