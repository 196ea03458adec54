package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/types"
)

func newPoolFixture(backend database.VectorBackend) (*PoolService, *ingestFixture) {
	f := newIngestFixture(flakyEmbedder{}, nil)
	namespaces := NewNamespaceService(backend, 0)
	f.ingest.namespaces = namespaces
	hybrid := NewHybridSearchService(f.docs, namespaces, flakyEmbedder{}, HybridSearchConfig{})
	return NewPoolService(f.pools, f.docs, f.blobs, namespaces, hybrid), f
}

func TestPoolCreateAndOwnership(t *testing.T) {
	pools, _ := newPoolFixture(database.NewMemoryStore())
	ctx := context.Background()

	_, err := pools.Create(ctx, "u1", "   ")
	assert.ErrorIs(t, err, types.ErrValidation)

	res, err := pools.Create(ctx, "u1", "Research")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	got, err := pools.Get(ctx, "u1", res.Pool.ID)
	require.NoError(t, err)
	assert.Equal(t, "Research", got.Name)
	_, err = pools.Get(ctx, "u2", res.Pool.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	list, err := pools.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPoolCreateProvisioningFailureWarns(t *testing.T) {
	backend := &failingBackend{VectorBackend: database.NewMemoryStore(), err: errors.New("weaviate down")}
	pools, _ := newPoolFixture(backend)

	res, err := pools.Create(context.Background(), "u1", "Research")
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "EnsureNamespace", res.Warnings[0].Op)
}

func TestPoolDeleteCascades(t *testing.T) {
	store := database.NewMemoryStore()
	pools, f := newPoolFixture(store)
	ctx := context.Background()

	res, err := f.ingest.Ingest(ctx, types.IngestRequest{
		OwnerID: "u1", PoolID: "p1", FileName: "a.txt", MimeType: "text/plain", Data: []byte("hybrid search text"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Embedded)

	count, err := pools.Count(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)
	assert.False(t, count.Approximate)

	page, err := pools.Records(ctx, "u1", "p1", types.RangeOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)

	results, err := pools.Search(ctx, "u1", "p1", types.SearchRequest{Query: "hybrid"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, types.ProvenanceHybrid, results[0].Provenance)

	require.NoError(t, pools.Delete(ctx, "u1", "p1"))
	assert.Zero(t, store.Count(types.Namespace("p1")))
	assert.Empty(t, f.docs.docs)
	assert.Empty(t, f.docs.chunks)
	assert.Empty(t, f.blobs.Keys())
	_, err = pools.Get(ctx, "u1", "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPoolDeleteAbortsWhenNamespaceDropFails(t *testing.T) {
	backend := &failingBackend{VectorBackend: database.NewMemoryStore(), err: errors.New("weaviate down")}
	pools, f := newPoolFixture(backend)
	ctx := context.Background()

	err := pools.Delete(ctx, "u1", "p1")
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	_, err = f.pools.GetPool(ctx, "p1")
	assert.NoError(t, err)
}

func TestPoolSearchRejectsNegativeWeights(t *testing.T) {
	pools, _ := newPoolFixture(database.NewMemoryStore())
	w := -1.0
	_, err := pools.Search(context.Background(), "u1", "p1", types.SearchRequest{Query: "x", KeywordWeight: &w})
	assert.ErrorIs(t, err, types.ErrValidation)
}
