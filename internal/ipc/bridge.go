package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/batchismo/batchismo/internal/domain"
)

// ActionKind tags a bridge action.
type ActionKind string

const (
	// Worker-management actions (orchestrator sessions).
	ActionSpawnWorker    ActionKind = "spawn_worker"
	ActionWorkerStatus   ActionKind = "worker_status"
	ActionWorkerPause    ActionKind = "worker_pause"
	ActionWorkerResume   ActionKind = "worker_resume"
	ActionWorkerInstruct ActionKind = "worker_instruct"
	ActionWorkerCancel   ActionKind = "worker_cancel"
	ActionAnswerWorker   ActionKind = "answer_worker"

	// Managed-process actions (worker sessions). Processes live in the
	// gateway so they can outlast the per-turn agent.
	ActionExecRun    ActionKind = "exec_run"
	ActionExecOutput ActionKind = "exec_output"
	ActionExecWrite  ActionKind = "exec_write"
	ActionExecKill   ActionKind = "exec_kill"
	ActionExecList   ActionKind = "exec_list"
)

// BridgeAction is the request half of a bridge exchange. Exactly the fields
// for the tagged kind are set.
type BridgeAction struct {
	Kind ActionKind `json:"kind"`

	// spawn_worker
	Task  string `json:"task,omitempty"`
	Label string `json:"label,omitempty"`

	// worker_pause / worker_resume / worker_instruct / worker_cancel
	SessionKey  string `json:"session_key,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// answer_worker
	QuestionID string `json:"question_id,omitempty"`
	AnswerText string `json:"answer,omitempty"`

	// exec_run / exec_output / exec_write / exec_kill
	Command    string `json:"command,omitempty"`
	Workdir    string `json:"workdir,omitempty"`
	Background bool   `json:"background,omitempty"`
	ProcessID  string `json:"process_id,omitempty"`
	Data       string `json:"data,omitempty"`
}

// ResultKind tags a bridge result.
type ResultKind string

const (
	ResultWorkerSpawned    ResultKind = "worker_spawned"
	ResultWorkerList       ResultKind = "worker_list"
	ResultWorkerPaused     ResultKind = "worker_paused"
	ResultWorkerResumed    ResultKind = "worker_resumed"
	ResultWorkerInstructed ResultKind = "worker_instructed"
	ResultWorkerCancelled  ResultKind = "worker_cancelled"
	ResultAnswerDelivered  ResultKind = "answer_delivered"
	ResultProcessStarted   ResultKind = "process_started"
	ResultProcessOutput    ResultKind = "process_output"
	ResultProcessWritten   ResultKind = "process_written"
	ResultProcessKilled    ResultKind = "process_killed"
	ResultProcessList      ResultKind = "process_list"
	ResultError            ResultKind = "error"
)

// ProcessInfo describes one gateway-managed process.
type ProcessInfo struct {
	ProcessID string `json:"process_id"`
	Command   string `json:"command"`
	IsRunning bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	StartedAt string `json:"started_at"`
}

// BridgeResult is the response half of a bridge exchange.
type BridgeResult struct {
	Kind ResultKind `json:"kind"`

	// worker_spawned
	SessionKey string `json:"session_key,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	// worker_list
	Subagents []domain.SubagentInfo `json:"subagents,omitempty"`
	Questions []domain.PendingQuestion `json:"questions,omitempty"`

	// process_started / process_output
	ProcessID string `json:"process_id,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	IsRunning bool   `json:"is_running,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`

	// process_list
	Processes []ProcessInfo `json:"processes,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Errorf builds an error bridge result.
func Errorf(format string, args ...any) BridgeResult {
	return BridgeResult{Kind: ResultError, Message: fmt.Sprintf(format, args...)}
}

// Err converts an error result into a Go error, or nil for success kinds.
func (r BridgeResult) Err() error {
	if r.Kind == ResultError {
		return fmt.Errorf("%s", r.Message)
	}
	return nil
}

// EncodeJSON renders the result as compact JSON for tool output.
func (r BridgeResult) EncodeJSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"kind":"error","message":"unencodable bridge result"}`
	}
	return string(data)
}
