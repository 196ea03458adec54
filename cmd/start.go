/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/handler"
	"github.com/tieubaoca/ragchat/middleware"
)

const shutdownTimeout = 15 * time.Second

// startServerCmd represents the startServer command
var startServerCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chat server",
	Long:  `Starts the HTTP server that serves pools, documents and streaming chat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.JWTSecret == "" {
			return errors.New("jwt_secret is required to start the server")
		}

		server := &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           newRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.String("port", a.cfg.Port))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func newRouter(a *app) *gin.Engine {
	if !a.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	corsHandler := handler.NewCorsHandler()
	poolHandler := handler.NewPoolHandler(a.pools)
	uploadHandler := handler.NewUploadHandler(a.ingest)
	documentHandler := handler.NewDocumentHandler(a.ingest)
	chatHandler := handler.NewChatHandler(a.chat, a.websocket)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())
	router.Use(corsHandler.CorsMiddleware)
	router.MaxMultipartMemory = a.ingest.MaxUploadBytes()

	router.GET("/health", handler.HandleHealth)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(a.cfg.JWTSecret))
	{
		apiV1.POST("/pools", poolHandler.HandleCreate)
		apiV1.GET("/pools", poolHandler.HandleList)
		apiV1.GET("/pools/:poolId", poolHandler.HandleGet)
		apiV1.DELETE("/pools/:poolId", poolHandler.HandleDelete)
		apiV1.GET("/pools/:poolId/records", poolHandler.HandleRecords)
		apiV1.GET("/pools/:poolId/count", poolHandler.HandleCount)
		apiV1.POST("/pools/:poolId/search", poolHandler.HandleSearch)

		apiV1.POST("/pools/:poolId/documents", uploadHandler.UploadDocumentHandler)
		apiV1.GET("/pools/:poolId/documents", documentHandler.HandleList)
		apiV1.GET("/pools/:poolId/documents/:docId", documentHandler.HandleGet)
		apiV1.DELETE("/pools/:poolId/documents/:docId", documentHandler.HandleDelete)
		apiV1.PATCH("/pools/:poolId/documents/:docId", documentHandler.HandlePatchMetadata)
		apiV1.POST("/pools/:poolId/documents/:docId/reindex", documentHandler.HandleReindex)
		apiV1.GET("/pools/:poolId/documents/:docId/raw", documentHandler.ServeDocument)

		apiV1.POST("/chat", chatHandler.HandleChat)
		apiV1.GET("/chat/streams/:streamId", chatHandler.HandleResume)
		apiV1.POST("/chat/streams/:streamId/stop", chatHandler.HandleStop)
		apiV1.GET("/chats", chatHandler.HandleListChats)
		apiV1.GET("/chats/:chatId/stream", chatHandler.HandleResumeChat)
		apiV1.GET("/chats/:chatId/messages", chatHandler.HandleMessages)
		apiV1.GET("/ws", chatHandler.HandleWebsocket)
	}
	return router
}

func init() {
	rootCmd.AddCommand(startServerCmd)
}
