package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/types"
)

type failingBackend struct {
	database.VectorBackend
	err error
}

func (f *failingBackend) EnsureNamespace(ctx context.Context, namespace string) error { return f.err }
func (f *failingBackend) DropNamespace(ctx context.Context, namespace string) error   { return f.err }
func (f *failingBackend) Query(ctx context.Context, namespace string, vector []float32, limit int, filter map[string]string) ([]types.ScoredRecord, error) {
	return nil, f.err
}

func vec(v ...float32) []float32 { return v }

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(database.NewMemoryStore(), 0)

	require.NoError(t, s.Upsert(ctx, "b", types.VectorRecord{ID: "only-b", Vector: vec(1, 0), RawText: "b"}))

	results, err := s.Query(ctx, "a", vec(1, 0), types.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Query(ctx, "b", vec(1, 0), types.QueryOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "only-b", results[0].ID)
	assert.Equal(t, types.ProvenanceSemantic, results[0].Provenance)
	require.NotNil(t, results[0].SemanticScore)
	assert.InDelta(t, 1.0, *results[0].SemanticScore, 1e-9)
}

func TestUpsertRequiresEmbedding(t *testing.T) {
	s := NewNamespaceService(database.NewMemoryStore(), 0)
	err := s.Upsert(context.Background(), "p", types.VectorRecord{ID: "x"})
	assert.ErrorIs(t, err, types.ErrMissingEmbedding)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(database.NewMemoryStore(), 0)
	require.NoError(t, s.Upsert(ctx, "p", types.VectorRecord{ID: "x", Vector: vec(1)}))
	require.NoError(t, s.Delete(ctx, "p", []string{"x"}))
	require.NoError(t, s.Delete(ctx, "p", []string{"x", "never"}))

	count, approx, err := s.Count(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, approx)
}

func TestQueryTypeAwareThresholds(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	// cos(query, v) == 0.15 for both records
	v := vec(0.15, 0.98868599)
	require.NoError(t, store.Upsert(ctx, types.Namespace("p"), []types.VectorRecord{
		{ID: "image", Vector: v, Metadata: map[string]any{types.META_SOURCE: types.SOURCE_OCR_IMAGE}},
		{ID: "text", Vector: v, Metadata: map[string]any{types.META_SOURCE: types.SOURCE_UPLOAD}},
	}))
	s := NewNamespaceService(store, 0)

	results, err := s.Query(ctx, "p", vec(1, 0), types.QueryOptions{
		Limit:      10,
		Thresholds: &types.ScoreThresholds{Text: 0.3, Image: 0.1},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "image", results[0].ID)
	assert.InDelta(t, 0.15, results[0].Score, 1e-6)

	unfiltered, err := s.Query(ctx, "p", vec(1, 0), types.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, unfiltered, 2)
}

func TestRangePagination(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(database.NewMemoryStore(), 0)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Upsert(ctx, "p", types.VectorRecord{ID: fmt.Sprintf("r%d", i), Vector: vec(1)}))
	}

	page, err := s.Range(ctx, "p", types.RangeOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	page, err = s.Range(ctx, "p", types.RangeOptions{Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, "r3", page.Records[1].ID)
	// pool size is an exact multiple of the limit
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	_, err = s.Range(ctx, "p", types.RangeOptions{Cursor: "!!not-base64", Limit: 2})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRangeEmptyNamespace(t *testing.T) {
	s := NewNamespaceService(database.NewMemoryStore(), 0)
	page, err := s.Range(context.Background(), "nothing", types.RangeOptions{})
	require.NoError(t, err)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
	assert.False(t, page.HasMore)
}

func TestCountIsCapped(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(database.NewMemoryStore(), 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(ctx, "p", types.VectorRecord{ID: fmt.Sprintf("r%d", i), Vector: vec(1)}))
	}
	count, approx, err := s.Count(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, approx)
}

func TestNamespaceBackendFailures(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(&failingBackend{err: errors.New("connection refused")}, 0)

	err := s.EnsureNamespace(ctx, "p")
	assert.ErrorIs(t, err, types.ErrNamespaceProvision)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	_, err = s.Query(ctx, "p", vec(1), types.QueryOptions{})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)

	assert.ErrorIs(t, s.DropNamespace(ctx, "p"), types.ErrUpstreamUnavailable)
}

func TestDropNamespaceRemovesRecords(t *testing.T) {
	ctx := context.Background()
	s := NewNamespaceService(database.NewMemoryStore(), 0)
	require.NoError(t, s.EnsureNamespace(ctx, "p"))
	require.NoError(t, s.Upsert(ctx, "p", types.VectorRecord{ID: "x", Vector: vec(1)}))
	require.NoError(t, s.DropNamespace(ctx, "p"))

	page, err := s.Range(ctx, "p", types.RangeOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}
