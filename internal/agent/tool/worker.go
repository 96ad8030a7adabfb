package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/batchismo/batchismo/internal/ipc"
)

// Orchestrator-side worker management tools. All of them reach the gateway
// through the bridge; the orchestrator itself never touches files or
// processes directly.

// SpawnWorker delegates a task to a new worker session.
type SpawnWorker struct {
	bridge Bridge
}

func NewSpawnWorker(bridge Bridge) *SpawnWorker { return &SpawnWorker{bridge} }

func (t *SpawnWorker) Name() string { return "spawn_worker" }
func (t *SpawnWorker) Description() string {
	return "Spawn a background worker to handle a task concurrently. Returns immediately with a session key; the worker announces results when done. Workers cannot spawn further workers."
}
func (t *SpawnWorker) Capabilities() []Capability { return []Capability{CapBridge} }
func (t *SpawnWorker) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string", "description": "The task for the worker to complete. Be specific and detailed."},
			"label": map[string]any{"type": "string", "description": "Short label for this worker (shown in UI). Defaults to the first 40 characters of the task."},
		},
		"required": []any{"task"},
	}
}

func (t *SpawnWorker) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:  ipc.ActionSpawnWorker,
		Task:  str(input, "task"),
		Label: str(input, "label"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", fmt.Errorf("failed to spawn worker: %v", err)
	}
	out, _ := json.Marshal(map[string]any{
		"status":      "spawned",
		"session_key": result.SessionKey,
		"session_id":  result.SessionID,
		"message":     "Worker spawned and running in the background. You'll be notified when it completes.",
	})
	return string(out), nil
}

// WorkerStatus reports the state of all workers of this session.
type WorkerStatus struct {
	bridge Bridge
}

func NewWorkerStatus(bridge Bridge) *WorkerStatus { return &WorkerStatus{bridge} }

func (t *WorkerStatus) Name() string { return "worker_status" }
func (t *WorkerStatus) Description() string {
	return "Get the status of all spawned workers, including any questions waiting for an answer."
}
func (t *WorkerStatus) Capabilities() []Capability { return []Capability{CapBridge} }
func (t *WorkerStatus) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *WorkerStatus) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{Kind: ipc.ActionWorkerStatus})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	if len(result.Subagents) == 0 {
		return "(no workers)", nil
	}
	var b strings.Builder
	for _, s := range result.Subagents {
		fmt.Fprintf(&b, "%s  [%s]  %s — %s\n", s.SessionKey, s.State, s.Label, s.Task)
		if s.Summary != "" {
			fmt.Fprintf(&b, "    summary: %s\n", s.Summary)
		}
	}
	for _, q := range result.Questions {
		fmt.Fprintf(&b, "pending question %s from %s: %s\n", q.QuestionID, q.WorkerSessionKey, q.Question)
	}
	return b.String(), nil
}

// workerLifecycleTool factors the pause/resume/instruct/cancel tools, which
// differ only in action kind and parameters.
type workerLifecycleTool struct {
	bridge      Bridge
	name        string
	description string
	kind        ipc.ActionKind
	withReason  bool
	withText    bool
	success     string
}

func (t *workerLifecycleTool) Name() string               { return t.name }
func (t *workerLifecycleTool) Description() string        { return t.description }
func (t *workerLifecycleTool) Capabilities() []Capability { return []Capability{CapBridge} }

func (t *workerLifecycleTool) InputSchema() map[string]any {
	props := map[string]any{
		"session_key": map[string]any{"type": "string", "description": "The worker's session key"},
	}
	required := []any{"session_key"}
	if t.withReason {
		props["reason"] = map[string]any{"type": "string", "description": "Why the worker is being cancelled"}
	}
	if t.withText {
		props["instruction"] = map[string]any{"type": "string", "description": "The instruction to deliver"}
		required = append(required, "instruction")
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func (t *workerLifecycleTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:        t.kind,
		SessionKey:  str(input, "session_key"),
		Reason:      str(input, "reason"),
		Instruction: str(input, "instruction"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return t.success, nil
}

func NewWorkerPause(bridge Bridge) Executor {
	return &workerLifecycleTool{
		bridge: bridge, name: "worker_pause", kind: ipc.ActionWorkerPause,
		description: "Pause a running worker. It suspends at the next step until resumed or cancelled.",
		success:     "Worker paused.",
	}
}

func NewWorkerResume(bridge Bridge) Executor {
	return &workerLifecycleTool{
		bridge: bridge, name: "worker_resume", kind: ipc.ActionWorkerResume,
		description: "Resume a paused worker.",
		success:     "Worker resumed.",
	}
}

func NewWorkerInstruct(bridge Bridge) Executor {
	return &workerLifecycleTool{
		bridge: bridge, name: "worker_instruct", kind: ipc.ActionWorkerInstruct,
		description: "Send a new instruction to a running worker. It is injected before the worker's next model call.",
		withText:    true,
		success:     "Instruction delivered.",
	}
}

func NewWorkerCancel(bridge Bridge) Executor {
	return &workerLifecycleTool{
		bridge: bridge, name: "worker_cancel", kind: ipc.ActionWorkerCancel,
		description: "Cancel a running worker. The in-flight tool finishes, then the worker stops.",
		withReason:  true,
		success:     "Worker cancelled.",
	}
}

// AnswerWorker resolves a worker's pending question.
type AnswerWorker struct {
	bridge Bridge
}

func NewAnswerWorker(bridge Bridge) *AnswerWorker { return &AnswerWorker{bridge} }

func (t *AnswerWorker) Name() string { return "answer_worker" }
func (t *AnswerWorker) Description() string {
	return "Answer a question a worker asked via ask_orchestrator. The worker resumes with the answer."
}
func (t *AnswerWorker) Capabilities() []Capability { return []Capability{CapBridge} }
func (t *AnswerWorker) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question_id": map[string]any{"type": "string", "description": "The id of the pending question"},
			"answer":      map[string]any{"type": "string", "description": "The answer to deliver"},
		},
		"required": []any{"question_id", "answer"},
	}
}

func (t *AnswerWorker) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:       ipc.ActionAnswerWorker,
		QuestionID: str(input, "question_id"),
		AnswerText: str(input, "answer"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return "Answer delivered.", nil
}

// AskOrchestrator is the worker-side half of the Q&A round-trip.
type AskOrchestrator struct {
	bridge Bridge
}

func NewAskOrchestrator(bridge Bridge) *AskOrchestrator { return &AskOrchestrator{bridge} }

func (t *AskOrchestrator) Name() string { return "ask_orchestrator" }
func (t *AskOrchestrator) Description() string {
	return "Ask your orchestrator a question. Use when you need clarification or a decision you cannot make yourself."
}
func (t *AskOrchestrator) Capabilities() []Capability { return []Capability{CapBridge} }
func (t *AskOrchestrator) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string", "description": "The question to ask"},
			"context":  map[string]any{"type": "string", "description": "What you are doing and why you need this"},
			"blocking": map[string]any{"type": "boolean", "description": "Wait for the answer before continuing (default true)"},
		},
		"required": []any{"question", "context"},
	}
}

func (t *AskOrchestrator) Execute(ctx context.Context, input map[string]any) (string, error) {
	answer, err := t.bridge.Ask(ctx, str(input, "question"), str(input, "context"), boolean(input, "blocking", true))
	if err != nil {
		return "", fmt.Errorf("failed to ask orchestrator: %v", err)
	}
	return answer, nil
}
