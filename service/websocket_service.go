package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/types"
)

const (
	wsReadLimit  = 512 * 1024
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

// WebSocketService carries chat turns over a websocket. Every stream event
// is framed as an "event" response tagged with its stream id.
type WebSocketService struct {
	chat     *ChatService
	upgrader websocket.Upgrader
}

func NewWebSocketService(chat *ChatService) *WebSocketService {
	return &WebSocketService{
		chat: chat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) fail(msg string) {
	if err := c.write(types.WebSocketResponse{Type: types.TypeWebsocketError, Payload: map[string]string{"message": msg}}); err != nil {
		zap.L().Debug("websocket write failed", zap.Error(err))
	}
}

func (s *WebSocketService) HandleChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()

	raw.SetReadLimit(wsReadLimit)
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	conn := &wsConn{conn: raw}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, p, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.L().Warn("websocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		var req types.WebsocketRequest
		if err := json.Unmarshal(p, &req); err != nil {
			conn.fail("invalid request")
			continue
		}
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			conn.fail("invalid request")
			continue
		}

		switch req.Type {
		case types.TypeWebsocketChat:
			var turn types.TurnRequest
			if err := json.Unmarshal(payload, &turn); err != nil {
				conn.fail("invalid chat payload")
				continue
			}
			turn.OwnerID = ownerID
			stream, err := s.chat.StartTurn(ctx, turn)
			if err != nil {
				conn.fail(err.Error())
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.forward(conn, stream)
			}()
		case types.TypeWebsocketResume:
			var resume types.WebSocketResumePayload
			if err := json.Unmarshal(payload, &resume); err != nil {
				conn.fail("invalid resume payload")
				continue
			}
			var stream *TurnStream
			if resume.StreamID != "" {
				stream, err = s.chat.Resume(ctx, ownerID, resume.StreamID, resume.LastEventID)
			} else {
				stream, err = s.chat.ResumeChat(ctx, ownerID, resume.ChatID, resume.LastEventID)
			}
			if err != nil {
				conn.fail(err.Error())
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.forward(conn, stream)
			}()
		case types.TypeWebsocketStop:
			var stop types.WebSocketStopPayload
			if err := json.Unmarshal(payload, &stop); err != nil {
				conn.fail("invalid stop payload")
				continue
			}
			if err := s.chat.Stop(ctx, ownerID, stop.StreamID); err != nil {
				conn.fail(err.Error())
			}
		case types.TypeWebsocketPing:
			if err := conn.write(types.WebSocketResponse{Type: types.TypeWebsocketPong}); err != nil {
				zap.L().Debug("websocket write failed", zap.Error(err))
			}
		default:
			conn.fail("unknown request type")
		}
	}
}

func (s *WebSocketService) forward(conn *wsConn, stream *TurnStream) {
	if err := conn.write(types.WebSocketResponse{
		Type:     types.TypeWebsocketStream,
		StreamID: stream.StreamID,
		ChatID:   stream.ChatID,
	}); err != nil {
		return
	}
	for ev := range stream.Events {
		err := conn.write(types.WebSocketResponse{
			Type:     types.TypeWebsocketEvent,
			StreamID: stream.StreamID,
			ChatID:   stream.ChatID,
			ID:       ev.ID,
			Payload:  ev,
		})
		if err != nil {
			zap.L().Debug("websocket write failed", zap.Error(err))
			// keep draining so a direct turn is not blocked on its buffer
			continue
		}
	}
}
