package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tieubaoca/ragchat/types"
)

type PoolRepo interface {
	CreatePool(ctx context.Context, pool *types.DocumentPool) error
	GetPool(ctx context.Context, id string) (*types.DocumentPool, error)
	ListPools(ctx context.Context, ownerID string) ([]*types.DocumentPool, error)
	DeletePool(ctx context.Context, id string) error
}

type poolRepo struct {
	collection *mongo.Collection
}

func NewPoolRepo(ctx context.Context, db *mongo.Database) (PoolRepo, error) {
	collection, err := ensureCollection(ctx, db, POOL_COLLECTION, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	return &poolRepo{collection: collection}, nil
}

func (r *poolRepo) CreatePool(ctx context.Context, pool *types.DocumentPool) error {
	_, err := r.collection.InsertOne(ctx, pool)
	return err
}

func (r *poolRepo) GetPool(ctx context.Context, id string) (*types.DocumentPool, error) {
	var pool types.DocumentPool
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&pool); err != nil {
		return nil, notFoundOr("GetPool", err, "pool %s", id)
	}
	return &pool, nil
}

func (r *poolRepo) ListPools(ctx context.Context, ownerID string) ([]*types.DocumentPool, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"owner_id": ownerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	pools := []*types.DocumentPool{}
	for cursor.Next(ctx) {
		var pool types.DocumentPool
		if err := cursor.Decode(&pool); err != nil {
			return nil, err
		}
		pools = append(pools, &pool)
	}
	return pools, cursor.Err()
}

func (r *poolRepo) DeletePool(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
