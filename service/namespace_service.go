package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/types"
)

const (
	DefaultRangeLimit = 100
	DefaultCountCap   = 1000
)

// NamespaceService is the pool-scoped view of a vector backend. Every
// operation addresses the namespace derived from the pool id, so records of
// one pool are never reachable through another.
type NamespaceService struct {
	backend  database.VectorBackend
	countCap int
}

func NewNamespaceService(backend database.VectorBackend, countCap int) *NamespaceService {
	if countCap <= 0 {
		countCap = DefaultCountCap
	}
	return &NamespaceService{backend: backend, countCap: countCap}
}

// EnsureNamespace is idempotent.
func (s *NamespaceService) EnsureNamespace(ctx context.Context, poolID string) error {
	if err := s.backend.EnsureNamespace(ctx, types.Namespace(poolID)); err != nil {
		return types.NewError("EnsureNamespace", types.ErrNamespaceProvision, err)
	}
	return nil
}

func (s *NamespaceService) DropNamespace(ctx context.Context, poolID string) error {
	if err := s.backend.DropNamespace(ctx, types.Namespace(poolID)); err != nil {
		return types.Upstream("DropNamespace", err)
	}
	return nil
}

func (s *NamespaceService) Upsert(ctx context.Context, poolID string, record types.VectorRecord) error {
	return s.UpsertBatch(ctx, poolID, []types.VectorRecord{record})
}

// UpsertBatch rejects the whole batch if any record lacks a vector.
func (s *NamespaceService) UpsertBatch(ctx context.Context, poolID string, records []types.VectorRecord) error {
	for _, rec := range records {
		if rec.ID == "" {
			return types.Validation("Upsert", "record id is required")
		}
		if len(rec.Vector) == 0 {
			return types.NewError("Upsert", types.ErrMissingEmbedding, fmt.Errorf("record %s", rec.ID))
		}
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.backend.Upsert(ctx, types.Namespace(poolID), records); err != nil {
		return types.Upstream("Upsert", err)
	}
	return nil
}

// Delete ignores ids that do not exist.
func (s *NamespaceService) Delete(ctx context.Context, poolID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, types.Namespace(poolID), ids); err != nil {
		return types.Upstream("Delete", err)
	}
	return nil
}

// Query returns semantic results best first. With opts.Thresholds set, hits
// below the threshold for their content type are dropped.
func (s *NamespaceService) Query(ctx context.Context, poolID string, vector []float32, opts types.QueryOptions) ([]types.SearchResult, error) {
	if len(vector) == 0 {
		return nil, types.NewError("Query", types.ErrMissingEmbedding, errors.New("query vector is empty"))
	}
	hits, err := s.backend.Query(ctx, types.Namespace(poolID), vector, opts.Limit, opts.Filter)
	if err != nil {
		return nil, types.Upstream("Query", err)
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		if opts.Thresholds != nil && hit.Score < opts.Thresholds.For(hit.Record.Metadata) {
			continue
		}
		score := hit.Score
		results = append(results, types.SearchResult{
			ID:            hit.Record.ID,
			Score:         score,
			Metadata:      hit.Record.Metadata,
			Content:       hit.Record.RawText,
			Provenance:    types.ProvenanceSemantic,
			SemanticScore: &score,
		})
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Range pages through a namespace. One extra record is requested so that
// HasMore is exact even when the pool size is a multiple of the limit.
func (s *NamespaceService) Range(ctx context.Context, poolID string, opts types.RangeOptions) (*types.RangePage, error) {
	offset, err := decodeCursor(opts.Cursor)
	if err != nil {
		return nil, types.Validation("Range", "invalid cursor")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRangeLimit
	}

	records, err := s.backend.Range(ctx, types.Namespace(poolID), offset, limit+1)
	if err != nil {
		return nil, types.Upstream("Range", err)
	}

	page := &types.RangePage{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(offset + limit)
	}
	if page.Records == nil {
		page.Records = []types.VectorRecord{}
	}
	return page, nil
}

// Count is bounded by a single range fetch of countCap records; approximate
// reports whether the cap was hit.
func (s *NamespaceService) Count(ctx context.Context, poolID string) (count int, approximate bool, err error) {
	records, err := s.backend.Range(ctx, types.Namespace(poolID), 0, s.countCap+1)
	if err != nil {
		return 0, false, types.Upstream("Count", err)
	}
	if len(records) > s.countCap {
		zap.L().Debug("namespace count capped", zap.String("pool_id", poolID), zap.Int("cap", s.countCap))
		return s.countCap, true, nil
	}
	return len(records), false, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor offset")
	}
	return offset, nil
}
