package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tieubaoca/ragchat/types"
)

// DocumentRepo stores source documents and their chunks. Chunk text is
// full-text indexed and serves the keyword half of hybrid search.
type DocumentRepo interface {
	CreateDocument(ctx context.Context, doc *types.SourceDocument) error
	GetDocument(ctx context.Context, id string) (*types.SourceDocument, error)
	ListDocuments(ctx context.Context, poolID string) ([]*types.SourceDocument, error)
	UpdateDocumentMetadata(ctx context.Context, id string, patch map[string]any) error
	DeleteDocument(ctx context.Context, id string) error
	DeleteDocumentsByPool(ctx context.Context, poolID string) error

	SaveChunks(ctx context.Context, chunks []types.Chunk) error
	GetChunksBySource(ctx context.Context, sourceID string) ([]types.Chunk, error)
	DeleteChunksBySource(ctx context.Context, sourceID string) error
	DeleteChunksByPool(ctx context.Context, poolID string) error

	// KeywordSearch returns hits ordered by descending relevance.
	KeywordSearch(ctx context.Context, poolID, query string, limit int) ([]types.KeywordHit, error)
}

type documentRepo struct {
	documents *mongo.Collection
	chunks    *mongo.Collection
}

func NewDocumentRepo(ctx context.Context, db *mongo.Database) (DocumentRepo, error) {
	documents, err := ensureCollection(ctx, db, DOCUMENT_COLLECTION, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pool_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	chunks, err := ensureCollection(ctx, db, CHUNK_COLLECTION, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "index", Value: 1}}},
		{Keys: bson.D{{Key: "pool_id", Value: 1}}},
		{
			Keys: bson.D{
				{Key: "content", Value: "text"},
				{Key: "title", Value: "text"},
			},
			Options: options.Index().SetName("chunk_text").SetDefaultLanguage("none"),
		},
	})
	if err != nil {
		return nil, err
	}
	return &documentRepo{documents: documents, chunks: chunks}, nil
}

func (r *documentRepo) CreateDocument(ctx context.Context, doc *types.SourceDocument) error {
	_, err := r.documents.InsertOne(ctx, doc)
	return err
}

func (r *documentRepo) GetDocument(ctx context.Context, id string) (*types.SourceDocument, error) {
	var doc types.SourceDocument
	if err := r.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFoundOr("GetDocument", err, "document %s", id)
	}
	return &doc, nil
}

func (r *documentRepo) ListDocuments(ctx context.Context, poolID string) ([]*types.SourceDocument, error) {
	cursor, err := r.documents.Find(ctx, bson.M{"pool_id": poolID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetProjection(bson.M{"text": 0, "pages": 0}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	docs := []*types.SourceDocument{}
	for cursor.Next(ctx) {
		var doc types.SourceDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, cursor.Err()
}

// UpdateDocumentMetadata merges patch into the metadata of a document and
// its chunks. A nil value removes the key.
func (r *documentRepo) UpdateDocumentMetadata(ctx context.Context, id string, patch map[string]any) error {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range patch {
		if v == nil {
			unset["metadata."+k] = ""
			continue
		}
		set["metadata."+k] = v
	}
	update := bson.M{}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(set) > 0 {
		update["$set"] = set
	}

	docSet := bson.M{"updated_at": time.Now().Unix()}
	for k, v := range set {
		docSet[k] = v
	}
	docUpdate := bson.M{"$set": docSet}
	if len(unset) > 0 {
		docUpdate["$unset"] = unset
	}
	res, err := r.documents.UpdateOne(ctx, bson.M{"_id": id}, docUpdate)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return types.NotFound("UpdateDocumentMetadata", "document %s", id)
	}
	if len(update) == 0 {
		return nil
	}
	// chunks carry a copy of the document metadata
	_, err = r.chunks.UpdateMany(ctx, bson.M{"source_id": id}, update)
	return err
}

func (r *documentRepo) DeleteDocument(ctx context.Context, id string) error {
	_, err := r.documents.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r *documentRepo) DeleteDocumentsByPool(ctx context.Context, poolID string) error {
	_, err := r.documents.DeleteMany(ctx, bson.M{"pool_id": poolID})
	return err
}

// SaveChunks replaces every stored chunk of the sources in chunks.
func (r *documentRepo) SaveChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	sources := map[string]struct{}{}
	docs := make([]interface{}, 0, len(chunks))
	for _, c := range chunks {
		sources[c.SourceID] = struct{}{}
		docs = append(docs, c)
	}
	for sourceID := range sources {
		if err := r.DeleteChunksBySource(ctx, sourceID); err != nil {
			return err
		}
	}
	_, err := r.chunks.InsertMany(ctx, docs)
	return err
}

func (r *documentRepo) GetChunksBySource(ctx context.Context, sourceID string) ([]types.Chunk, error) {
	cursor, err := r.chunks.Find(ctx, bson.M{"source_id": sourceID},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	chunks := []types.Chunk{}
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *documentRepo) DeleteChunksBySource(ctx context.Context, sourceID string) error {
	_, err := r.chunks.DeleteMany(ctx, bson.M{"source_id": sourceID})
	return err
}

func (r *documentRepo) DeleteChunksByPool(ctx context.Context, poolID string) error {
	_, err := r.chunks.DeleteMany(ctx, bson.M{"pool_id": poolID})
	return err
}

type scoredChunk struct {
	types.Chunk `bson:",inline"`
	Score       float64 `bson:"score"`
}

func (r *documentRepo) KeywordSearch(ctx context.Context, poolID, query string, limit int) ([]types.KeywordHit, error) {
	filter := bson.M{
		"pool_id": poolID,
		"$text":   bson.M{"$search": query},
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := r.chunks.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []scoredChunk
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	hits := make([]types.KeywordHit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, types.KeywordHit{
			ID:             row.ID,
			Content:        row.Text,
			Metadata:       ChunkMetadata(row.Chunk),
			RelevanceScore: row.Score,
		})
	}
	return hits, nil
}

// ChunkMetadata is the metadata a chunk exposes to search results and
// vector records: the document metadata plus the chunk's own position.
func ChunkMetadata(c types.Chunk) map[string]any {
	out := make(map[string]any, len(c.Metadata)+5)
	for k, v := range c.Metadata {
		out[k] = v
	}
	out[types.META_SOURCE_ID] = c.SourceID
	out[types.META_POOL_ID] = c.PoolID
	out[types.META_INDEX] = c.Index
	if c.Title != "" {
		out[types.META_TITLE] = c.Title
	}
	if _, ok := out[types.META_PAGE]; !ok && c.EstimatedPage > 0 {
		out[types.META_PAGE] = c.EstimatedPage
	}
	return out
}
