package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/types"
)

const (
	POOL_COLLECTION     = "pools"
	DOCUMENT_COLLECTION = "documents"
	CHUNK_COLLECTION    = "chunks"
	CHAT_COLLECTION     = "chats"
	MESSAGE_COLLECTION  = "messages"
)

// ensureCollection creates indexes the first time a collection is seen.
func ensureCollection(ctx context.Context, db *mongo.Database, name string, indexes []mongo.IndexModel) (*mongo.Collection, error) {
	collectionNames, err := db.ListCollectionNames(ctx, map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	collection := db.Collection(name)
	if len(collectionNames) == 0 && len(indexes) > 0 {
		if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
			return nil, err
		}
		zap.L().Info("created indexes", zap.String("collection", name), zap.Int("count", len(indexes)))
	}
	return collection, nil
}

func notFoundOr(op string, err error, format string, args ...any) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.NotFound(op, format, args...)
	}
	return err
}
