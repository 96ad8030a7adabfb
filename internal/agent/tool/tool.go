// Package tool implements the agent's tool registries and executors.
//
// Two registries exist: the orchestrator registry carries only
// worker-management tools, the worker registry carries action tools.
// Workers cannot spawn workers. Every dispatch validates input against the
// tool's schema, applies path policy at the filesystem boundary, and bounds
// output size; failures become error tool results, never panics.
package tool

import (
	"context"
	"fmt"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/policy"
)

// MaxOutputBytes bounds a single tool result. Longer output is truncated
// with a marker suffix.
const MaxOutputBytes = 256 << 10

// Capability classifies what a tool touches.
type Capability string

const (
	CapFilesystemRead  Capability = "filesystem_read"
	CapFilesystemWrite Capability = "filesystem_write"
	CapNetwork         Capability = "network"
	CapProcess         Capability = "process"
	CapBridge          Capability = "bridge"
)

// Executor is the interface every tool implements.
type Executor interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Capabilities() []Capability
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// Bridge lets tool code obtain services from the async gateway. The
// implementation blocks the calling goroutine until the gateway responds.
type Bridge interface {
	// Request performs a correlated bridge exchange.
	Request(ctx context.Context, action ipc.BridgeAction) (ipc.BridgeResult, error)
	// Ask routes a question to the orchestrator and waits for the answer
	// when blocking is set.
	Ask(ctx context.Context, question, questionContext string, blocking bool) (string, error)
}

// Registry holds the tools offered to one agent process.
type Registry struct {
	tools    map[string]Executor
	order    []string
	disabled map[string]bool
}

// NewRegistry creates an empty registry with the given disabled set.
func NewRegistry(disabled map[string]bool) *Registry {
	if disabled == nil {
		disabled = map[string]bool{}
	}
	return &Registry{tools: make(map[string]Executor), disabled: disabled}
}

// Register adds a tool. Disabled tools are not offered to the model but
// remain known so invocation attempts get a clear refusal.
func (r *Registry) Register(t Executor) {
	name := t.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Executor, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the model-facing tool definitions, in registration
// order, excluding disabled tools.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		if r.disabled[name] {
			continue
		}
		t := r.tools[name]
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

// Definition is the provider-facing description of one tool.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Execute dispatches a tool call and always returns a result: unknown
// tools, disabled tools, schema violations, and executor failures all
// surface as error tool results so the model can react.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	t, ok := r.tools[call.Name]
	if !ok {
		return errResult(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if r.disabled[call.Name] {
		return errResult(call.ID, fmt.Sprintf("tool %s is disabled by configuration", call.Name))
	}

	input, err := decodeInput(call.Input)
	if err != nil {
		return errResult(call.ID, fmt.Sprintf("invalid input: %v", err))
	}
	if err := validateInput(t.InputSchema(), input); err != nil {
		return errResult(call.ID, fmt.Sprintf("invalid input: %v", err))
	}

	output, err := t.Execute(ctx, input)
	if err != nil {
		return errResult(call.ID, err.Error())
	}
	return domain.ToolResult{ToolCallID: call.ID, Content: truncate(output), IsError: false}
}

func errResult(callID, msg string) domain.ToolResult {
	return domain.ToolResult{ToolCallID: callID, Content: truncate(msg), IsError: true}
}

// truncate bounds tool output at MaxOutputBytes, cutting on a rune
// boundary and appending a marker.
func truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	cut := MaxOutputBytes
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return fmt.Sprintf("%s\n\n[Truncated: output was %d bytes, showing first %d]", s[:cut], len(s), cut)
}

// deniedErr builds the canonical policy-denial error for a path.
func deniedErr(path string) error {
	return fmt.Errorf("%w: path not permitted: %s", domain.ErrPermissionDenied, policy.StripExtendedPrefix(path))
}

// NewWorkerRegistry builds the action-tool registry for worker turns.
// Policies are the immutable snapshot taken at Init.
func NewWorkerRegistry(policies []policy.PathPolicy, bridge Bridge, disabled map[string]bool) *Registry {
	r := NewRegistry(disabled)
	r.Register(NewFsRead(policies))
	r.Register(NewFsWrite(policies))
	r.Register(NewFsList(policies))
	r.Register(NewFsMove(policies))
	r.Register(NewFsSearch(policies))
	r.Register(NewFsStat(policies))
	r.Register(NewWebFetch())
	r.Register(NewShellRun())
	r.Register(NewExecRun(bridge))
	r.Register(NewExecOutput(bridge))
	r.Register(NewExecWrite(bridge))
	r.Register(NewExecKill(bridge))
	r.Register(NewExecList(bridge))
	r.Register(NewAskOrchestrator(bridge))
	return r
}

// NewOrchestratorRegistry builds the worker-management registry for
// orchestrator turns. No action tools: the orchestrator delegates.
func NewOrchestratorRegistry(bridge Bridge, disabled map[string]bool) *Registry {
	r := NewRegistry(disabled)
	r.Register(NewSpawnWorker(bridge))
	r.Register(NewWorkerStatus(bridge))
	r.Register(NewWorkerPause(bridge))
	r.Register(NewWorkerResume(bridge))
	r.Register(NewWorkerInstruct(bridge))
	r.Register(NewWorkerCancel(bridge))
	r.Register(NewAnswerWorker(bridge))
	return r
}
