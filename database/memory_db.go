package database

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/tieubaoca/ragchat/types"
)

// MemoryStore is an in-memory VectorBackend for development and tests.
// Namespaces are created lazily on first write.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]types.VectorRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]types.VectorRecord),
	}
}

func (s *MemoryStore) EnsureNamespace(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[namespace]; !ok {
		s.namespaces[namespace] = make(map[string]types.VectorRecord)
	}
	return nil
}

func (s *MemoryStore) DropNamespace(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, namespace string, records []types.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]types.VectorRecord)
		s.namespaces[namespace] = ns
	}
	for _, rec := range records {
		ns[rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespaces[namespace]
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

// Query uses brute-force cosine similarity.
func (s *MemoryStore) Query(ctx context.Context, namespace string, vector []float32, limit int, filter map[string]string) ([]types.ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespaces[namespace]
	results := make([]types.ScoredRecord, 0, len(ns))
	for _, rec := range ns {
		if len(rec.Vector) == 0 || !matchesFilter(rec.Metadata, filter) {
			continue
		}
		results = append(results, types.ScoredRecord{
			Record: cloneRecord(rec),
			Score:  CosineSimilarity(vector, rec.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Range(ctx context.Context, namespace string, offset, limit int) ([]types.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespaces[namespace]
	ids := make([]string, 0, len(ns))
	for id := range ns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return []types.VectorRecord{}, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]types.VectorRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(ns[id]))
	}
	return out, nil
}

// Count returns the number of records in a namespace.
func (s *MemoryStore) Count(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

// CosineSimilarity returns a value between -1 and 1, or 0 for mismatched
// or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cloneRecord(rec types.VectorRecord) types.VectorRecord {
	out := rec
	if rec.Vector != nil {
		out.Vector = append([]float32(nil), rec.Vector...)
	}
	if rec.Metadata != nil {
		out.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
