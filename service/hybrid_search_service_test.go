package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/types"
)

type fakeKeyword struct {
	mu        sync.Mutex
	hits      map[string][]types.KeywordHit
	err       error
	lastLimit int
}

func (f *fakeKeyword) KeywordSearch(ctx context.Context, poolID, query string, limit int) ([]types.KeywordHit, error) {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[poolID], nil
}

type fakeSemantic struct {
	mu             sync.Mutex
	results        map[string][]types.SearchResult
	err            error
	lastOpts       types.QueryOptions
	blockUntilDone bool
}

func (f *fakeSemantic) Query(ctx context.Context, poolID string, vector []float32, opts types.QueryOptions) ([]types.SearchResult, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if f.blockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[poolID], nil
}

type fakeEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func semanticResult(id string, score float64) types.SearchResult {
	s := score
	return types.SearchResult{ID: id, Score: score, Provenance: types.ProvenanceSemantic, SemanticScore: &s, Content: "sem " + id}
}

func newTestHybrid(kw KeywordSearcher, sem SemanticSearcher) *HybridSearchService {
	return NewHybridSearchService(kw, sem, &fakeEmbedder{vector: []float32{1, 0}}, HybridSearchConfig{})
}

func TestHybridCombineWeightedScores(t *testing.T) {
	kw := &fakeKeyword{hits: map[string][]types.KeywordHit{
		"p": {{ID: "both", Content: "kw both", RelevanceScore: 8}, {ID: "kw-only", RelevanceScore: 8}},
	}}
	sem := &fakeSemantic{results: map[string][]types.SearchResult{
		"p": {semanticResult("both", 0.6)},
	}}
	s := newTestHybrid(kw, sem)

	results, err := s.Search(context.Background(), "p", "query", []float32{1, 0}, types.HybridSearchOptions{
		Limit: 10, KeywordWeight: 0.3, SemanticWeight: 0.7, CombineResults: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "both", results[0].ID)
	assert.InDelta(t, 0.66, results[0].Score, 1e-9)
	assert.Equal(t, types.ProvenanceHybrid, results[0].Provenance)
	require.NotNil(t, results[0].KeywordScore)
	require.NotNil(t, results[0].SemanticScore)
	assert.InDelta(t, 0.8, *results[0].KeywordScore, 1e-9)
	assert.InDelta(t, 0.6, *results[0].SemanticScore, 1e-9)
	assert.Equal(t, "kw both", results[0].Content)

	assert.Equal(t, "kw-only", results[1].ID)
	assert.InDelta(t, 0.24, results[1].Score, 1e-9)
	assert.Equal(t, types.ProvenanceKeyword, results[1].Provenance)
	assert.Nil(t, results[1].SemanticScore)
}

func TestHybridCandidateOverFetch(t *testing.T) {
	kw := &fakeKeyword{}
	sem := &fakeSemantic{}
	s := newTestHybrid(kw, sem)

	_, err := s.Search(context.Background(), "p", "q", []float32{1}, types.HybridSearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 8, kw.lastLimit)
	assert.Equal(t, 8, sem.lastOpts.Limit)
	require.NotNil(t, sem.lastOpts.Thresholds)
	assert.Equal(t, DefaultScoreThresholds, *sem.lastOpts.Thresholds)
}

func TestHybridKeywordNormalizationClamps(t *testing.T) {
	kw := &fakeKeyword{hits: map[string][]types.KeywordHit{
		"p": {{ID: "high", RelevanceScore: 25}, {ID: "neg", RelevanceScore: -1}},
	}}
	s := newTestHybrid(kw, &fakeSemantic{})

	results, err := s.Search(context.Background(), "p", "q", []float32{1}, types.HybridSearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 0.0, results[1].Score)
}

func TestHybridConcatenateMode(t *testing.T) {
	kw := &fakeKeyword{hits: map[string][]types.KeywordHit{
		"p": {{ID: "a", RelevanceScore: 5}, {ID: "b", RelevanceScore: 9}},
	}}
	sem := &fakeSemantic{results: map[string][]types.SearchResult{
		"p": {semanticResult("a", 0.7), semanticResult("c", 0.5)},
	}}
	s := newTestHybrid(kw, sem)

	results, err := s.Search(context.Background(), "p", "q", []float32{1}, types.HybridSearchOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, types.ProvenanceKeyword, results[0].Provenance)
	assert.Equal(t, "a", results[1].ID)
	assert.Equal(t, types.ProvenanceSemantic, results[1].Provenance)
	// keyword "a" (0.5) ties with semantic "c" (0.5); keyword was inserted first
	assert.Equal(t, "a", results[2].ID)
	assert.Equal(t, types.ProvenanceKeyword, results[2].Provenance)
}

func TestHybridDeterministic(t *testing.T) {
	kw := &fakeKeyword{hits: map[string][]types.KeywordHit{
		"p": {{ID: "a", RelevanceScore: 5}, {ID: "b", RelevanceScore: 5}, {ID: "c", RelevanceScore: 3}},
	}}
	sem := &fakeSemantic{results: map[string][]types.SearchResult{
		"p": {semanticResult("d", 0.5), semanticResult("b", 0.2), semanticResult("e", 0.5)},
	}}
	s := newTestHybrid(kw, sem)
	opts := types.HybridSearchOptions{Limit: 10, KeywordWeight: 0.5, SemanticWeight: 0.5, CombineResults: true}

	first, err := s.Search(context.Background(), "p", "q", []float32{1}, opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := s.Search(context.Background(), "p", "q", []float32{1}, opts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHybridImageThresholdEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	v := []float32{0.15, 0.98868599}
	require.NoError(t, store.Upsert(ctx, types.Namespace("p"), []types.VectorRecord{
		{ID: "image", Vector: v, Metadata: map[string]any{types.META_SOURCE: types.SOURCE_OCR_IMAGE}},
		{ID: "text", Vector: v, Metadata: map[string]any{}},
	}))
	s := newTestHybrid(&fakeKeyword{}, NewNamespaceService(store, 0))

	results, err := s.Search(ctx, "p", "q", []float32{1, 0}, types.HybridSearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "image", results[0].ID)
}

func TestHybridBranchFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tests := []struct {
		name   string
		kw     *fakeKeyword
		sem    *fakeSemantic
		branch string
	}{
		{"keyword fails", &fakeKeyword{err: errors.New("mongo down")}, &fakeSemantic{blockUntilDone: true}, "keyword"},
		{"semantic fails", &fakeKeyword{}, &fakeSemantic{err: errors.New("weaviate down")}, "semantic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestHybrid(tt.kw, tt.sem)
			_, err := s.Search(context.Background(), "p", "q", []float32{1}, types.HybridSearchOptions{Limit: 3})
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrFusionInputFailure)
			assert.Contains(t, err.Error(), tt.branch)
		})
	}
}

func TestHybridSearchTextEmbeddingFailure(t *testing.T) {
	s := NewHybridSearchService(&fakeKeyword{}, &fakeSemantic{}, &fakeEmbedder{err: errors.New("quota")}, HybridSearchConfig{})
	_, err := s.SearchText(context.Background(), "p", "q", types.HybridSearchOptions{})
	assert.ErrorIs(t, err, types.ErrFusionInputFailure)

	_, err = s.SearchText(context.Background(), "p", "  ", types.HybridSearchOptions{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestHybridSearchPools(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	kw := &fakeKeyword{hits: map[string][]types.KeywordHit{
		"p1": {{ID: "p1-a", RelevanceScore: 4}},
		"p2": {{ID: "p2-a", RelevanceScore: 9}},
	}}
	emb := &fakeEmbedder{vector: []float32{1}}
	s := NewHybridSearchService(kw, &fakeSemantic{}, emb, HybridSearchConfig{})

	results, err := s.SearchPools(context.Background(), []string{"p1", "p2"}, "q", types.HybridSearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p2-a", results[0].ID)
	assert.Equal(t, "p1-a", results[1].ID)
	assert.Equal(t, 1, emb.calls)

	empty, err := s.SearchPools(context.Background(), nil, "q", types.HybridSearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
