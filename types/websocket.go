package types

type WebsocketRequestType string

const (
	TypeWebsocketChat   WebsocketRequestType = "chat"
	TypeWebsocketResume WebsocketRequestType = "resume"
	TypeWebsocketStop   WebsocketRequestType = "stop"
	TypeWebsocketPing   WebsocketRequestType = "ping"
)

type WebsocketResponseType string

const (
	TypeWebsocketStream WebsocketResponseType = "stream"
	TypeWebsocketEvent  WebsocketResponseType = "event"
	TypeWebsocketPong   WebsocketResponseType = "pong"
	TypeWebsocketError  WebsocketResponseType = "error"
)

type WebsocketRequest struct {
	Type    WebsocketRequestType `json:"type"`
	Payload interface{}          `json:"payload"`
}

type WebSocketResumePayload struct {
	StreamID    string `json:"stream_id"`
	ChatID      string `json:"chat_id"`
	LastEventID string `json:"last_event_id"`
}

type WebSocketStopPayload struct {
	StreamID string `json:"stream_id"`
}

type WebSocketResponse struct {
	Type     WebsocketResponseType `json:"type"`
	StreamID string                `json:"stream_id,omitempty"`
	ChatID   string                `json:"chat_id,omitempty"`
	ID       string                `json:"id,omitempty"`
	Payload  interface{}           `json:"payload,omitempty"`
}
