package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tieubaoca/ragchat/types"
)

type ChatRepo interface {
	CreateChat(ctx context.Context, chat *types.Chat) error
	GetChat(ctx context.Context, id string) (*types.Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]*types.Chat, error)
	TouchChat(ctx context.Context, id string, updatedAt int64) error

	CreateMessage(ctx context.Context, message *types.Message) error
	// GetMessages returns a chat's messages oldest first.
	GetMessages(ctx context.Context, chatID string) ([]types.Message, error)
}

type chatRepo struct {
	chats    *mongo.Collection
	messages *mongo.Collection
}

func NewChatRepo(ctx context.Context, db *mongo.Database) (ChatRepo, error) {
	chats, err := ensureCollection(ctx, db, CHAT_COLLECTION, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	messages, err := ensureCollection(ctx, db, MESSAGE_COLLECTION, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &chatRepo{chats: chats, messages: messages}, nil
}

func (r *chatRepo) CreateChat(ctx context.Context, chat *types.Chat) error {
	_, err := r.chats.InsertOne(ctx, chat)
	return err
}

func (r *chatRepo) GetChat(ctx context.Context, id string) (*types.Chat, error) {
	var chat types.Chat
	if err := r.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&chat); err != nil {
		return nil, notFoundOr("GetChat", err, "chat %s", id)
	}
	return &chat, nil
}

func (r *chatRepo) ListChats(ctx context.Context, ownerID string) ([]*types.Chat, error) {
	cursor, err := r.chats.Find(ctx, bson.M{"owner_id": ownerID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	chats := []*types.Chat{}
	for cursor.Next(ctx) {
		var chat types.Chat
		if err := cursor.Decode(&chat); err != nil {
			return nil, err
		}
		chats = append(chats, &chat)
	}
	return chats, cursor.Err()
}

func (r *chatRepo) TouchChat(ctx context.Context, id string, updatedAt int64) error {
	_, err := r.chats.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"updated_at": updatedAt}})
	return err
}

func (r *chatRepo) CreateMessage(ctx context.Context, message *types.Message) error {
	_, err := r.messages.InsertOne(ctx, message)
	return err
}

func (r *chatRepo) GetMessages(ctx context.Context, chatID string) ([]types.Message, error) {
	cursor, err := r.messages.Find(ctx, bson.M{"chat_id": chatID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := []types.Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
