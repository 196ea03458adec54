package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/repository"
	"github.com/tieubaoca/ragchat/types"
)

// TextSearcher is the query side of HybridSearchService.
type TextSearcher interface {
	SearchText(ctx context.Context, poolID, query string, opts types.HybridSearchOptions) ([]types.SearchResult, error)
	DefaultOptions() types.HybridSearchOptions
}

type PoolService struct {
	pools      repository.PoolRepo
	docs       repository.DocumentRepo
	blobs      database.BlobStore
	namespaces *NamespaceService
	search     TextSearcher
}

func NewPoolService(pools repository.PoolRepo, docs repository.DocumentRepo, blobs database.BlobStore, namespaces *NamespaceService, search TextSearcher) *PoolService {
	return &PoolService{
		pools:      pools,
		docs:       docs,
		blobs:      blobs,
		namespaces: namespaces,
		search:     search,
	}
}

// Create stores the pool and provisions its namespace. A provisioning failure
// does not fail creation; the namespace is ensured again on first upload.
func (s *PoolService) Create(ctx context.Context, ownerID, name string) (*types.CreatePoolResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.Validation("CreatePool", "pool name is required")
	}
	pool := &types.DocumentPool{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.pools.CreatePool(ctx, pool); err != nil {
		return nil, err
	}
	result := &types.CreatePoolResult{Pool: pool}
	if err := s.namespaces.EnsureNamespace(ctx, pool.ID); err != nil {
		zap.L().Warn("namespace provisioning deferred", zap.String("pool_id", pool.ID), zap.Error(err))
		result.Warnings = append(result.Warnings, types.NewWarning("EnsureNamespace", err))
	}
	return result, nil
}

func (s *PoolService) Get(ctx context.Context, ownerID, poolID string) (*types.DocumentPool, error) {
	pool, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.OwnerID != ownerID {
		return nil, types.NotFound("Pool", "pool %s not found", poolID)
	}
	return pool, nil
}

func (s *PoolService) List(ctx context.Context, ownerID string) ([]*types.DocumentPool, error) {
	return s.pools.ListPools(ctx, ownerID)
}

// Delete cascades from the vector namespace outwards. If the namespace cannot
// be dropped nothing else is touched, so the call can be retried.
func (s *PoolService) Delete(ctx context.Context, ownerID, poolID string) error {
	pool, err := s.Get(ctx, ownerID, poolID)
	if err != nil {
		return err
	}
	if err := s.namespaces.DropNamespace(ctx, pool.ID); err != nil {
		return err
	}

	docs, err := s.docs.ListDocuments(ctx, pool.ID)
	if err != nil {
		return err
	}
	if err := s.docs.DeleteChunksByPool(ctx, pool.ID); err != nil {
		return err
	}
	if err := s.docs.DeleteDocumentsByPool(ctx, pool.ID); err != nil {
		return err
	}
	if s.blobs != nil {
		keys := make([]string, 0, len(docs))
		for _, doc := range docs {
			if doc.BlobKey != "" {
				keys = append(keys, doc.BlobKey)
			}
		}
		if err := s.blobs.Delete(ctx, keys...); err != nil {
			zap.L().Warn("failed to delete pool uploads", zap.String("pool_id", pool.ID), zap.Error(err))
		}
	}
	if err := s.pools.DeletePool(ctx, pool.ID); err != nil {
		return err
	}
	zap.L().Info("pool deleted", zap.String("pool_id", pool.ID), zap.Int("documents", len(docs)))
	return nil
}

func (s *PoolService) Records(ctx context.Context, ownerID, poolID string, opts types.RangeOptions) (*types.RangePage, error) {
	if _, err := s.Get(ctx, ownerID, poolID); err != nil {
		return nil, err
	}
	return s.namespaces.Range(ctx, poolID, opts)
}

func (s *PoolService) Count(ctx context.Context, ownerID, poolID string) (*types.CountResponse, error) {
	if _, err := s.Get(ctx, ownerID, poolID); err != nil {
		return nil, err
	}
	count, approximate, err := s.namespaces.Count(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return &types.CountResponse{Count: count, Approximate: approximate}, nil
}

// Search runs a hybrid query against one pool. Unset request fields fall back
// to the configured defaults.
func (s *PoolService) Search(ctx context.Context, ownerID, poolID string, req types.SearchRequest) ([]types.SearchResult, error) {
	if _, err := s.Get(ctx, ownerID, poolID); err != nil {
		return nil, err
	}
	opts := s.search.DefaultOptions()
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	if req.KeywordWeight != nil {
		opts.KeywordWeight = *req.KeywordWeight
	}
	if req.SemanticWeight != nil {
		opts.SemanticWeight = *req.SemanticWeight
	}
	if req.CombineResults != nil {
		opts.CombineResults = *req.CombineResults
	}
	if opts.KeywordWeight < 0 || opts.SemanticWeight < 0 {
		return nil, types.Validation("Search", "weights must not be negative")
	}
	return s.search.SearchText(ctx, poolID, req.Query, opts)
}
