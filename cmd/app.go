/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/database"
	"github.com/tieubaoca/ragchat/repository"
	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/utils"
)

// app holds the services every command is built from.
type app struct {
	cfg       *config.Config
	pools     *service.PoolService
	ingest    *service.IngestService
	chat      *service.ChatService
	websocket *service.WebSocketService
	closers   []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if _, err := utils.NewLogger(cfg.Log); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	mongoClient, err := database.NewMongoClient(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			zap.L().Warn("failed to disconnect MongoDB", zap.Error(err))
		}
	})
	db := mongoClient.Database(cfg.Mongo.Database)

	poolRepo, err := repository.NewPoolRepo(ctx, db)
	if err != nil {
		return err
	}
	docRepo, err := repository.NewDocumentRepo(ctx, db)
	if err != nil {
		return err
	}
	chatRepo, err := repository.NewChatRepo(ctx, db)
	if err != nil {
		return err
	}

	backend, err := newVectorBackend(ctx, cfg)
	if err != nil {
		return err
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	embedder := service.NewOpenAIEmbedder(cfg.OpenAI)
	namespaces := service.NewNamespaceService(backend, cfg.Search.CountCap)
	hybrid := service.NewHybridSearchService(docRepo, namespaces, embedder, service.HybridSearchConfig{
		KeywordWeight:     cfg.Search.KeywordWeight,
		SemanticWeight:    cfg.Search.SemanticWeight,
		KeywordScoreScale: cfg.Search.KeywordScoreScale,
		Thresholds:        cfg.Search.Thresholds,
		DefaultLimit:      cfg.Search.DefaultLimit,
	})

	ai, err := a.newAIService(ctx)
	if err != nil {
		return err
	}

	// A nil *WebSearchService must not reach the tool rules as a non-nil interface.
	var web service.WebSearcher
	if ws := service.NewWebSearchService(cfg.WebSearch); ws != nil {
		web = ws
	}
	tools := service.NewToolRegistry(service.DefaultToolRules(hybrid, docRepo, web, hybrid.DefaultOptions())...)

	chunker := service.NewChunkService(service.WithMaxCharsPerChunk(cfg.Ingest.MaxCharsPerChunk))
	ocr := service.NewCommandOCR(cfg.Ingest.OCRLanguages, cfg.Ingest.TempDir)

	a.pools = service.NewPoolService(poolRepo, docRepo, blobs, namespaces, hybrid)
	a.ingest = service.NewIngestService(poolRepo, docRepo, blobs, namespaces, embedder, chunker, ocr, cfg.Ingest.MaxUploadBytes)
	a.chat = service.NewChatService(chatRepo, poolRepo, ai, tools, a.newStreamRegistry(ctx), cfg.Chat)
	a.websocket = service.NewWebSocketService(a.chat)
	return nil
}

func (a *app) newAIService(ctx context.Context) (service.AIService, error) {
	switch a.cfg.AIProvider {
	case "gemini":
		gemini, err := service.NewGeminiService(ctx, a.cfg.Gemini)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { gemini.Close() })
		return gemini, nil
	default:
		return service.NewOpenAIService(a.cfg.OpenAI), nil
	}
}

// newStreamRegistry returns nil when Redis is unreachable; turns are then
// delivered directly and cannot be resumed.
func (a *app) newStreamRegistry(ctx context.Context) *service.StreamRegistry {
	client, err := database.NewRedisClient(ctx, a.cfg.Redis)
	if err != nil {
		zap.L().Warn("resumable streams disabled", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { client.Close() })
	return service.NewStreamRegistry(client, a.cfg.Redis)
}

func newVectorBackend(ctx context.Context, cfg *config.Config) (database.VectorBackend, error) {
	switch cfg.VectorBackend {
	case "memory":
		zap.L().Warn("using in-memory vector backend; vectors are lost on restart")
		return database.NewMemoryStore(), nil
	case "weaviate":
		return database.NewWeaviateStore(ctx, cfg.Weaviate)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config) (database.BlobStore, error) {
	if cfg.S3.Bucket == "" {
		zap.L().Warn("no S3 bucket configured; raw uploads are kept in memory")
		return database.NewMemoryBlobStore(), nil
	}
	return database.NewS3BlobStore(ctx, cfg.S3)
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	zap.L().Sync()
}
