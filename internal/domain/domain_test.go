package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMessageConstructors(t *testing.T) {
	sid := uuid.New()
	msg := NewUserMessage(sid, "hi")
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, sid, msg.SessionID)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	assert.Equal(t, RoleAssistant, NewAssistantMessage(sid, "x").Role)
	assert.Equal(t, RoleSystem, NewSystemMessage(sid, "x").Role)
}

func TestSubagentStateTerminal(t *testing.T) {
	terminal := []SubagentState{SubagentCompleted, SubagentFailed, SubagentCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	live := []SubagentState{SubagentRunning, SubagentWaitingForAnswer, SubagentPaused}
	for _, s := range live {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestSessionIsWorker(t *testing.T) {
	assert.False(t, (&Session{Kind: KindMain}).IsWorker())
	assert.True(t, (&Session{Kind: KindWorker}).IsWorker())
}
