package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

type ChatHandler struct {
	chatService      *service.ChatService
	websocketService *service.WebSocketService
}

func NewChatHandler(chatService *service.ChatService, websocketService *service.WebSocketService) *ChatHandler {
	return &ChatHandler{
		chatService:      chatService,
		websocketService: websocketService,
	}
}

// HandleChat starts a turn and streams its events as server-sent events.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	var req types.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, "Invalid request body")
		return
	}
	req.OwnerID = ownerID(c)

	stream, err := h.chatService.StartTurn(c.Request.Context(), req)
	if err != nil {
		sendError(c, err)
		return
	}
	streamEvents(c, stream)
}

// HandleResume replays a stream after the client's last seen event id.
func (h *ChatHandler) HandleResume(c *gin.Context) {
	stream, err := h.chatService.Resume(c.Request.Context(), ownerID(c), c.Param("streamId"), lastEventID(c))
	if err != nil {
		sendError(c, err)
		return
	}
	streamEvents(c, stream)
}

func (h *ChatHandler) HandleResumeChat(c *gin.Context) {
	stream, err := h.chatService.ResumeChat(c.Request.Context(), ownerID(c), c.Param("chatId"), lastEventID(c))
	if err != nil {
		sendError(c, err)
		return
	}
	streamEvents(c, stream)
}

func (h *ChatHandler) HandleStop(c *gin.Context) {
	if err := h.chatService.Stop(c.Request.Context(), ownerID(c), c.Param("streamId")); err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, nil)
}

func (h *ChatHandler) HandleListChats(c *gin.Context) {
	chats, err := h.chatService.ListChats(c.Request.Context(), ownerID(c))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, chats)
}

func (h *ChatHandler) HandleMessages(c *gin.Context) {
	messages, err := h.chatService.Messages(c.Request.Context(), ownerID(c), c.Param("chatId"))
	if err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, messages)
}

func (h *ChatHandler) HandleWebsocket(c *gin.Context) {
	h.websocketService.HandleChat(c.Writer, c.Request, ownerID(c))
}

func lastEventID(c *gin.Context) string {
	if id := c.GetHeader("Last-Event-ID"); id != "" {
		return id
	}
	return c.Query("lastEventId")
}

// streamEvents writes the turn as SSE until the stream closes or the client
// goes away. Resumable events carry their log id in the "id" field.
func streamEvents(c *gin.Context, stream *service.TurnStream) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Chat-Id", stream.ChatID)
	if stream.StreamID != "" {
		header.Set("X-Stream-Id", stream.StreamID)
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				zap.L().Debug("sse write failed", zap.String("chat_id", stream.ChatID), zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
