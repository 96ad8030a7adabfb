package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a session's conversation history.
// Assistant messages may carry the tool calls the model issued during the
// turn and the results they produced, kept in issue order.
type Message struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   uuid.UUID    `json:"session_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls"`
	ToolResults []ToolResult `json:"tool_results"`
	CreatedAt   time.Time    `json:"created_at"`
	TokenInput  *int64       `json:"token_input,omitempty"`
	TokenOutput *int64       `json:"token_output,omitempty"`
}

// NewUserMessage creates a user message for a session.
func NewUserMessage(sessionID uuid.UUID, content string) Message {
	return newMessage(sessionID, RoleUser, content)
}

// NewAssistantMessage creates an assistant message for a session.
func NewAssistantMessage(sessionID uuid.UUID, content string) Message {
	return newMessage(sessionID, RoleAssistant, content)
}

// NewSystemMessage creates a system message for a session.
func NewSystemMessage(sessionID uuid.UUID, content string) Message {
	return newMessage(sessionID, RoleSystem, content)
}

func newMessage(sessionID uuid.UUID, role Role, content string) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// ToolCall is a single tool invocation requested by the model.
// The ID is minted by the model provider and links the call to its result.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool call, keyed back by ToolCallID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}
