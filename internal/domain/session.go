package domain

import (
	"time"

	"github.com/google/uuid"
)

// MainSessionKey is the stable key of the default orchestrator session.
// It always exists and cannot be deleted or renamed.
const MainSessionKey = "main"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionIdle      SessionStatus = "idle"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// SessionKind discriminates orchestrator sessions from worker sessions.
type SessionKind string

const (
	// KindMain sessions talk to the user and manage workers.
	KindMain SessionKind = "main"
	// KindWorker sessions run a single delegated task with action tools.
	KindWorker SessionKind = "worker"
)

// Session is the persistent conversation state behind a key.
// Worker sessions additionally carry their parent id, a display label, and
// the task they were spawned for.
type Session struct {
	ID          uuid.UUID     `json:"id"`
	Key         string        `json:"key"`
	Model       string        `json:"model"`
	Status      SessionStatus `json:"status"`
	Kind        SessionKind   `json:"kind"`
	TokenInput  int64         `json:"token_input"`
	TokenOutput int64         `json:"token_output"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// Worker-only fields. Zero values for main sessions.
	ParentID uuid.UUID `json:"parent_id,omitempty"`
	Label    string    `json:"label,omitempty"`
	Task     string    `json:"task,omitempty"`
}

// IsWorker reports whether the session was spawned by an orchestrator.
func (s *Session) IsWorker() bool { return s.Kind == KindWorker }

// SubagentState is the lifecycle state of a worker session.
type SubagentState string

const (
	SubagentRunning          SubagentState = "running"
	SubagentWaitingForAnswer SubagentState = "waiting_for_answer"
	SubagentPaused           SubagentState = "paused"
	SubagentCompleted        SubagentState = "completed"
	SubagentFailed           SubagentState = "failed"
	SubagentCancelled        SubagentState = "cancelled"
)

// Terminal reports whether the state is final.
func (s SubagentState) Terminal() bool {
	switch s {
	case SubagentCompleted, SubagentFailed, SubagentCancelled:
		return true
	}
	return false
}

// SubagentInfo describes a running or finished worker session.
type SubagentInfo struct {
	SessionID       uuid.UUID     `json:"session_id"`
	SessionKey      string        `json:"session_key"`
	ParentSessionID uuid.UUID     `json:"parent_session_id"`
	Label           string        `json:"label"`
	Task            string        `json:"task"`
	State           SubagentState `json:"state"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	TokenInput      int64         `json:"token_input"`
	TokenOutput     int64         `json:"token_output"`
}

// PendingQuestion is a worker question awaiting an orchestrator answer.
// It lives until answered or until the worker is cancelled.
type PendingQuestion struct {
	QuestionID       string    `json:"question_id"`
	WorkerSessionID  uuid.UUID `json:"worker_session_id"`
	WorkerSessionKey string    `json:"worker_session_key"`
	Question         string    `json:"question"`
	Context          string    `json:"context"`
	Blocking         bool      `json:"blocking"`
	AskedAt          time.Time `json:"asked_at"`
}
