package types

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai/jsonschema"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartError      PartType = "error"
)

// Chat is a conversation owned by one user.
type Chat struct {
	ID        string `bson:"_id" json:"id"`
	OwnerID   string `bson:"owner_id" json:"owner_id"`
	Title     string `bson:"title" json:"title"`
	CreatedAt int64  `bson:"created_at" json:"created_at"`
	UpdatedAt int64  `bson:"updated_at" json:"updated_at"`
}

// MessagePart is one ordered piece of a message.
type MessagePart struct {
	Type       PartType        `bson:"type" json:"type"`
	Text       string          `bson:"text,omitempty" json:"text,omitempty"`
	ToolCallID string          `bson:"tool_call_id,omitempty" json:"tool_call_id,omitempty"`
	ToolName   string          `bson:"tool_name,omitempty" json:"tool_name,omitempty"`
	Args       json.RawMessage `bson:"args,omitempty" json:"args,omitempty"`
	Result     string          `bson:"result,omitempty" json:"result,omitempty"`
	IsError    bool            `bson:"is_error,omitempty" json:"is_error,omitempty"`
}

// Message is one persisted turn. RecoveryMarker flags a synthesized error turn;
// history assembly drops everything up to the latest marker.
type Message struct {
	ID             string        `bson:"_id" json:"id"`
	ChatID         string        `bson:"chat_id" json:"chat_id"`
	Role           Role          `bson:"role" json:"role"`
	Parts          []MessagePart `bson:"parts" json:"parts"`
	RecoveryMarker bool          `bson:"recovery_marker,omitempty" json:"recovery_marker,omitempty"`
	CreatedAt      int64         `bson:"created_at" json:"created_at"`
}

// Text concatenates the text parts of a message.
func (m *Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDescriptor is what a model provider is offered for one generation step.
type ToolDescriptor struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Parameters  jsonschema.Definition `json:"parameters"`
}

// TurnContext is what tool eligibility rules and tools see about a turn.
type TurnContext struct {
	ChatID      string
	OwnerID     string
	PoolIDs     []string
	DocumentIDs []string
}

// TurnRequest starts one chat turn.
type TurnRequest struct {
	ChatID      string   `json:"chat_id"`
	OwnerID     string   `json:"-"`
	Text        string   `json:"text"`
	PoolIDs     []string `json:"pool_ids,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}
