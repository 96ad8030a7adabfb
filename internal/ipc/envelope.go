// Package ipc defines the gateway↔agent wire protocol: a tagged JSON
// envelope per frame, length-prefixed on the wire, carried over a
// per-session unix-domain socket (a named pipe fills the same role on
// Windows). The envelope set is closed; unknown tags terminate the session
// with a protocol error, unknown fields inside a payload are ignored.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/policy"
)

// Type tags an envelope.
type Type string

// Gateway → Agent.
const (
	TypeInit           Type = "init"
	TypeUserMessage    Type = "user_message"
	TypeAnswer         Type = "answer"
	TypeInstruction    Type = "instruction"
	TypePause          Type = "pause"
	TypeResume         Type = "resume"
	TypeCancel         Type = "cancel"
	TypeBridgeResponse Type = "bridge_response"
)

// Agent → Gateway.
const (
	TypeTextDelta      Type = "text_delta"
	TypeToolCallStart  Type = "tool_call_start"
	TypeToolCallResult Type = "tool_call_result"
	TypeQuestion       Type = "question"
	TypeProgress       Type = "progress"
	TypeTurnComplete   Type = "turn_complete"
	TypeError          Type = "error"
	TypeAuditLog       Type = "audit_log"
	TypeBridgeRequest  Type = "bridge_request"
)

// Message is one protocol payload. Each implementation reports its tag.
type Message interface {
	MessageType() Type
}

// Envelope is the wire representation: a tag plus the typed payload.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ─── Gateway → Agent payloads ───────────────────────────────────────────────

// Init is the first frame of every turn. The policy snapshot is immutable
// for the remainder of the turn.
type Init struct {
	SessionID     string              `json:"session_id"`
	SessionKind   domain.SessionKind  `json:"session_kind"`
	Model         string              `json:"model"`
	SystemPrompt  string              `json:"system_prompt"`
	History       []domain.Message    `json:"history"`
	PathPolicies  []policy.PathPolicy `json:"path_policies"`
	DisabledTools []string            `json:"disabled_tools"`

	// Worker sessions only.
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Task            string `json:"task,omitempty"`
}

func (Init) MessageType() Type { return TypeInit }

// UserMessage delivers the user's input for the turn.
type UserMessage struct {
	Content string `json:"content"`
}

func (UserMessage) MessageType() Type { return TypeUserMessage }

// Answer resolves a worker's earlier Question.
type Answer struct {
	QuestionID string `json:"question_id"`
	AnswerText string `json:"answer"`
}

func (Answer) MessageType() Type { return TypeAnswer }

// Instruction injects a mid-turn note into a worker's next model call.
type Instruction struct {
	InstructionID string `json:"instruction_id"`
	Content       string `json:"content"`
}

func (Instruction) MessageType() Type { return TypeInstruction }

// Pause suspends a worker cooperatively at the next iteration boundary.
type Pause struct{}

func (Pause) MessageType() Type { return TypePause }

// Resume wakes a paused worker.
type Resume struct{}

func (Resume) MessageType() Type { return TypeResume }

// Cancel ends the turn. The in-flight tool is allowed to finish.
type Cancel struct {
	Reason string `json:"reason"`
}

func (Cancel) MessageType() Type { return TypeCancel }

// BridgeResponse resolves an earlier BridgeRequest by request id.
type BridgeResponse struct {
	RequestID string       `json:"request_id"`
	Result    BridgeResult `json:"result"`
}

func (BridgeResponse) MessageType() Type { return TypeBridgeResponse }

// ─── Agent → Gateway payloads ───────────────────────────────────────────────

// TextDelta is one streamed slice of assistant text.
type TextDelta struct {
	Content string `json:"content"`
}

func (TextDelta) MessageType() Type { return TypeTextDelta }

// ToolCallStart announces a tool invocation before it runs.
type ToolCallStart struct {
	ToolCall domain.ToolCall `json:"tool_call"`
}

func (ToolCallStart) MessageType() Type { return TypeToolCallStart }

// ToolCallResult reports the outcome of an announced tool call.
type ToolCallResult struct {
	Result domain.ToolResult `json:"result"`
}

func (ToolCallResult) MessageType() Type { return TypeToolCallResult }

// Question is a worker asking its orchestrator for guidance. Blocking is
// set exactly when the worker suspends until the Answer arrives.
type Question struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Context    string `json:"context"`
	Blocking   bool   `json:"blocking"`
}

func (Question) MessageType() Type { return TypeQuestion }

// Progress is a worker's incremental status report.
type Progress struct {
	Summary string   `json:"summary"`
	Percent *float64 `json:"percent,omitempty"`
}

func (Progress) MessageType() Type { return TypeProgress }

// TurnComplete carries the finalized assistant message. The agent exits
// after sending it; exactly one TurnComplete or Error ends every turn.
type TurnComplete struct {
	Message     domain.Message `json:"message"`
	TokenInput  int64          `json:"token_input"`
	TokenOutput int64          `json:"token_output"`
}

func (TurnComplete) MessageType() Type { return TypeTurnComplete }

// Error terminates the turn with a failure.
type Error struct {
	Message string `json:"message"`
}

func (Error) MessageType() Type { return TypeError }

// AuditLog forwards an agent-side audit event to the gateway.
type AuditLog struct {
	Level      string `json:"level"`
	Category   string `json:"category"`
	Event      string `json:"event"`
	Summary    string `json:"summary"`
	DetailJSON string `json:"detail_json,omitempty"`
}

func (AuditLog) MessageType() Type { return TypeAuditLog }

// BridgeRequest asks the gateway to perform an action on behalf of
// synchronous tool code inside the agent.
type BridgeRequest struct {
	RequestID string       `json:"request_id"`
	Action    BridgeAction `json:"action"`
}

func (BridgeRequest) MessageType() Type { return TypeBridgeRequest }

// ─── Encoding ───────────────────────────────────────────────────────────────

// Marshal wraps a message in its envelope and serializes it.
func Marshal(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Payload: payload})
}

// Unmarshal parses an envelope and returns its typed payload. An unknown
// tag is a protocol error.
func Unmarshal(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", domain.ErrProtocol, err)
	}
	msg, err := newPayload(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: malformed %s payload: %v", domain.ErrProtocol, env.Type, err)
		}
	}
	return deref(msg), nil
}

func newPayload(t Type) (Message, error) {
	switch t {
	case TypeInit:
		return &Init{}, nil
	case TypeUserMessage:
		return &UserMessage{}, nil
	case TypeAnswer:
		return &Answer{}, nil
	case TypeInstruction:
		return &Instruction{}, nil
	case TypePause:
		return &Pause{}, nil
	case TypeResume:
		return &Resume{}, nil
	case TypeCancel:
		return &Cancel{}, nil
	case TypeBridgeResponse:
		return &BridgeResponse{}, nil
	case TypeTextDelta:
		return &TextDelta{}, nil
	case TypeToolCallStart:
		return &ToolCallStart{}, nil
	case TypeToolCallResult:
		return &ToolCallResult{}, nil
	case TypeQuestion:
		return &Question{}, nil
	case TypeProgress:
		return &Progress{}, nil
	case TypeTurnComplete:
		return &TurnComplete{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeAuditLog:
		return &AuditLog{}, nil
	case TypeBridgeRequest:
		return &BridgeRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %q", domain.ErrProtocol, t)
	}
}

// deref returns the value form so callers can type-switch on concrete
// payload types rather than pointers.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Init:
		return *v
	case *UserMessage:
		return *v
	case *Answer:
		return *v
	case *Instruction:
		return *v
	case *Pause:
		return *v
	case *Resume:
		return *v
	case *Cancel:
		return *v
	case *BridgeResponse:
		return *v
	case *TextDelta:
		return *v
	case *ToolCallStart:
		return *v
	case *ToolCallResult:
		return *v
	case *Question:
		return *v
	case *Progress:
		return *v
	case *TurnComplete:
		return *v
	case *Error:
		return *v
	case *AuditLog:
		return *v
	case *BridgeRequest:
		return *v
	}
	return m
}
