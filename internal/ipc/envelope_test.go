package ipc

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/policy"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	pct := 42.5
	msgs := []Message{
		Init{
			SessionID:    uuid.NewString(),
			SessionKind:  domain.KindWorker,
			Model:        "claude-sonnet-4-6",
			SystemPrompt: "You are a worker.",
			PathPolicies: []policy.PathPolicy{
				{Path: "/work", Access: policy.ReadOnly, Recursive: true},
			},
			DisabledTools:   []string{"shell_run"},
			ParentSessionID: uuid.NewString(),
			Task:            "summarize the docs",
		},
		UserMessage{Content: "hi"},
		Answer{QuestionID: "q-1", AnswerText: "yes"},
		Instruction{InstructionID: "i-1", Content: "focus on tests"},
		Pause{},
		Resume{},
		Cancel{Reason: "user request"},
		BridgeResponse{RequestID: "req-1", Result: BridgeResult{Kind: ResultWorkerSpawned, SessionKey: "worker:abcd1234"}},
		TextDelta{Content: "he"},
		ToolCallStart{ToolCall: domain.ToolCall{ID: "tu_1", Name: "fs_read", Input: json.RawMessage(`{"path":"/work/a.txt"}`)}},
		ToolCallResult{Result: domain.ToolResult{ToolCallID: "tu_1", Content: "data", IsError: false}},
		Question{QuestionID: "q-1", Question: "which branch?", Context: "deploying", Blocking: true},
		Progress{Summary: "halfway", Percent: &pct},
		TurnComplete{Message: domain.NewAssistantMessage(uuid.New(), "done"), TokenInput: 10, TokenOutput: 20},
		Error{Message: "boom"},
		AuditLog{Level: "info", Category: "tool", Event: "tool_call_start", Summary: "fs_read"},
		BridgeRequest{RequestID: "req-2", Action: BridgeAction{Kind: ActionSpawnWorker, Task: "X"}},
	}

	for _, m := range msgs {
		t.Run(string(m.MessageType()), func(t *testing.T) {
			data, err := Marshal(m)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, m.MessageType(), got.MessageType())

			// Compare via JSON: timestamps survive serialization with
			// their wire precision, not their in-memory one.
			wantJSON, _ := json.Marshal(m)
			gotJSON, _ := json.Marshal(got)
			assert.JSONEq(t, string(wantJSON), string(gotJSON))
		})
	}
}

func TestUnmarshalUnknownTypeIsProtocolError(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"teleport","payload":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestUnmarshalMalformedJSONIsProtocolError(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	got, err := Unmarshal([]byte(`{"type":"text_delta","payload":{"content":"hi","color":"blue"}}`))
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Content: "hi"}, got)
}
