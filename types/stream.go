package types

import "time"

type StreamEventType string

const (
	EventStart          StreamEventType = "start"
	EventTextDelta      StreamEventType = "text-delta"
	EventReasoningDelta StreamEventType = "reasoning-delta"
	EventToolCall       StreamEventType = "tool-call"
	EventToolResult     StreamEventType = "tool-result"
	EventDataMarker     StreamEventType = "data-marker"
	EventFinish         StreamEventType = "finish"
	EventError          StreamEventType = "error"
)

// Finish reasons carried by EventFinish.
const (
	FinishStop     = "stop"
	FinishStopped  = "stopped"
	FinishRecovery = "degenerate"
)

// StreamEvent is one client-facing event of a chat turn. ID is assigned by
// the stream log and is what clients acknowledge when resuming.
type StreamEvent struct {
	ID           string          `json:"-"`
	Type         StreamEventType `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolCall     *ToolCall       `json:"toolCall,omitempty"`
	ToolResult   *ToolResult     `json:"toolResult,omitempty"`
	Data         map[string]any  `json:"data,omitempty"`
	Transient    bool            `json:"transient,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Terminal reports whether no event can follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

type StreamState string

const (
	StreamCreated   StreamState = "created"
	StreamRunning   StreamState = "running"
	StreamCompleted StreamState = "completed"
	StreamErrored   StreamState = "errored"
	StreamAbandoned StreamState = "abandoned"
)

func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamErrored || s == StreamAbandoned
}

// StreamSession is one in-flight or resumable chat turn.
type StreamSession struct {
	StreamID  string      `json:"stream_id"`
	ChatID    string      `json:"chat_id"`
	State     StreamState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ProviderEvent is one incremental event from a model provider. A provider
// stream ends with exactly one EventFinish or EventError and is then closed.
type ProviderEvent struct {
	Type         StreamEventType
	Delta        string
	ToolCall     *ToolCall
	FinishReason string
	Err          error
}

// GenerationRequest is one model step.
type GenerationRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDescriptor
}
