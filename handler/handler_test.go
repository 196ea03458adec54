package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/middleware"
	"github.com/tieubaoca/ragchat/service"
	"github.com/tieubaoca/ragchat/types"
)

type memoryChats struct {
	mu       sync.Mutex
	chats    map[string]*types.Chat
	messages []types.Message
}

func (r *memoryChats) CreateChat(ctx context.Context, chat *types.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *chat
	r.chats[chat.ID] = &c
	return nil
}

func (r *memoryChats) GetChat(ctx context.Context, id string) (*types.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		return nil, types.NotFound("GetChat", "chat %s not found", id)
	}
	out := *c
	return &out, nil
}

func (r *memoryChats) ListChats(ctx context.Context, ownerID string) ([]*types.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Chat
	for _, c := range r.chats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryChats) TouchChat(ctx context.Context, id string, updatedAt int64) error {
	return nil
}

func (r *memoryChats) CreateMessage(ctx context.Context, message *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *message)
	return nil
}

func (r *memoryChats) GetMessages(ctx context.Context, chatID string) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, m := range r.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

// echoAI answers every request with the last user text.
type echoAI struct{}

func (echoAI) StreamChat(ctx context.Context, req types.GenerationRequest) (<-chan types.ProviderEvent, error) {
	last := req.Messages[len(req.Messages)-1]
	ch := make(chan types.ProviderEvent, 2)
	ch <- types.ProviderEvent{Type: types.EventTextDelta, Delta: "echo: " + last.Text()}
	ch <- types.ProviderEvent{Type: types.EventFinish, FinishReason: types.FinishStop}
	close(ch)
	return ch, nil
}

func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func newChatRouter(t *testing.T) (*gin.Engine, *memoryChats) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := &memoryChats{chats: map[string]*types.Chat{}}
	chat := service.NewChatService(repo, nil, echoAI{}, service.NewToolRegistry(), nil, config.ChatConfig{MaxSteps: 2})
	h := NewChatHandler(chat, service.NewWebSocketService(chat))

	r := gin.New()
	r.Use(withUser("user-1"))
	r.POST("/chat", h.HandleChat)
	r.GET("/chats", h.HandleListChats)
	r.GET("/chats/:chatId/messages", h.HandleMessages)
	r.POST("/chat/streams/:streamId/stop", h.HandleStop)
	return r, repo
}

func parseSSE(t *testing.T, body string) []types.StreamEvent {
	t.Helper()
	var events []types.StreamEvent
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev types.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			events = append(events, ev)
		}
	}
	return events
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{types.Validation("op", "bad"), http.StatusBadRequest},
		{types.NotFound("op", "missing"), http.StatusNotFound},
		{types.Upstream("op", fmt.Errorf("down")), http.StatusBadGateway},
		{types.ErrEmbeddingUnavailable, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", types.ErrMissingEmbedding), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteEventFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeEvent(&buf, types.StreamEvent{ID: "1-0", Type: types.EventTextDelta, Delta: "hi"}))
	assert.Equal(t, "id: 1-0\ndata: {\"type\":\"text-delta\",\"delta\":\"hi\"}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, writeEvent(&buf, types.StreamEvent{Type: types.EventFinish, FinishReason: "stop"}))
	assert.Equal(t, "data: {\"type\":\"finish\",\"finishReason\":\"stop\"}\n\n", buf.String())
}

func TestHandleChatStreamsEvents(t *testing.T) {
	router, _ := newChatRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	chatID := w.Header().Get("X-Chat-Id")
	require.NotEmpty(t, chatID)
	assert.Empty(t, w.Header().Get("X-Stream-Id"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, types.EventStart, events[0].Type)
	assert.Equal(t, "echo: hello", events[1].Delta)
	assert.Equal(t, types.EventFinish, events[2].Type)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chats/"+chatID+"/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status bool            `json:"status"`
		Data   []types.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, types.RoleUser, resp.Data[0].Role)
	assert.Equal(t, "echo: hello", resp.Data[1].Text())
}

func TestHandleChatErrors(t *testing.T) {
	router, repo := newChatRouter(t)
	repo.chats["foreign"] = &types.Chat{ID: "foreign", OwnerID: "user-2"}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/chat", body: `{`, status: http.StatusBadRequest},
		{name: "empty text", method: http.MethodPost, path: "/chat", body: `{"text":"  "}`, status: http.StatusBadRequest},
		{name: "foreign chat", method: http.MethodPost, path: "/chat", body: `{"chat_id":"foreign","text":"hi"}`, status: http.StatusNotFound},
		{name: "foreign messages", method: http.MethodGet, path: "/chats/foreign/messages", status: http.StatusNotFound},
		{name: "stop without registry", method: http.MethodPost, path: "/chat/streams/s1/stop", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			var resp types.DataResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Status)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestUploadHandlerRejectsBadForms(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ingest := service.NewIngestService(nil, nil, nil, nil, nil, service.NewChunkService(), nil, 0)
	h := NewUploadHandler(ingest)
	r := gin.New()
	r.Use(withUser("user-1"))
	r.POST("/pools/:poolId/documents", h.UploadDocumentHandler)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("metadata", `{"title":"x"}`))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pools/p1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body.Reset()
	mw = multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("metadata", `{not json`))
	require.NoError(t, mw.Close())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/pools/p1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid metadata")
}
