package database

import (
	"context"

	"github.com/tieubaoca/ragchat/types"
)

// VectorBackend stores vector records in isolated namespaces. Records of one
// namespace are never visible through another.
type VectorBackend interface {
	EnsureNamespace(ctx context.Context, namespace string) error
	DropNamespace(ctx context.Context, namespace string) error

	// Upsert replaces records with the same id.
	Upsert(ctx context.Context, namespace string, records []types.VectorRecord) error
	Delete(ctx context.Context, namespace string, ids []string) error

	// Query ranks records by similarity to vector, best first. Scores are in
	// [0,1] for normalized embeddings. filter matches metadata values exactly.
	Query(ctx context.Context, namespace string, vector []float32, limit int, filter map[string]string) ([]types.ScoredRecord, error)

	// Range lists records in a stable order starting at offset.
	Range(ctx context.Context, namespace string, offset, limit int) ([]types.VectorRecord, error)
}

// BlobStore holds the raw bytes of uploaded documents.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, keys ...string) error
}

func matchesFilter(metadata map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || stringify(got) != want {
			return false
		}
	}
	return true
}
