package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/batchismo/batchismo/internal/ipc"
)

// The exec_* tools manage processes that live in the gateway, so they can
// outlast the per-turn agent. All of them go through the bridge.

// ExecRun starts a process, foreground or background.
type ExecRun struct {
	bridge Bridge
}

func NewExecRun(bridge Bridge) *ExecRun { return &ExecRun{bridge} }

func (t *ExecRun) Name() string { return "exec_run" }
func (t *ExecRun) Description() string {
	return "Start a process via the gateway. With background=false runs to completion and returns output; with background=true returns immediately with a process_id for monitoring."
}
func (t *ExecRun) Capabilities() []Capability { return []Capability{CapProcess, CapBridge} }
func (t *ExecRun) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "The command to run"},
			"workdir":    map[string]any{"type": "string", "description": "Working directory (optional)"},
			"background": map[string]any{"type": "boolean", "description": "Run in the background (default false)"},
		},
		"required": []any{"command"},
	}
}

func (t *ExecRun) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:       ipc.ActionExecRun,
		Command:    str(input, "command"),
		Workdir:    str(input, "workdir"),
		Background: boolean(input, "background", false),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	switch result.Kind {
	case ipc.ResultProcessStarted:
		return fmt.Sprintf("Process started in background with process_id %s", result.ProcessID), nil
	case ipc.ResultProcessOutput:
		return formatProcessOutput(result), nil
	}
	return result.EncodeJSON(), nil
}

func formatProcessOutput(r ipc.BridgeResult) string {
	var b strings.Builder
	if r.Stdout != "" {
		b.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(r.Stderr)
	}
	if r.IsRunning {
		fmt.Fprintf(&b, "\n[still running]")
	} else if r.ExitCode != nil {
		fmt.Fprintf(&b, "\n[exit code %d]", *r.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// ExecOutput reads buffered output from a background process.
type ExecOutput struct {
	bridge Bridge
}

func NewExecOutput(bridge Bridge) *ExecOutput { return &ExecOutput{bridge} }

func (t *ExecOutput) Name() string { return "exec_output" }
func (t *ExecOutput) Description() string {
	return "Get accumulated output from a background process started with exec_run."
}
func (t *ExecOutput) Capabilities() []Capability { return []Capability{CapProcess, CapBridge} }
func (t *ExecOutput) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"process_id": map[string]any{"type": "string", "description": "The process to inspect"},
		},
		"required": []any{"process_id"},
	}
}

func (t *ExecOutput) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:      ipc.ActionExecOutput,
		ProcessID: str(input, "process_id"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return formatProcessOutput(result), nil
}

// ExecWrite writes to stdin of a background process.
type ExecWrite struct {
	bridge Bridge
}

func NewExecWrite(bridge Bridge) *ExecWrite { return &ExecWrite{bridge} }

func (t *ExecWrite) Name() string { return "exec_write" }
func (t *ExecWrite) Description() string {
	return "Write data to the stdin of a running background process."
}
func (t *ExecWrite) Capabilities() []Capability { return []Capability{CapProcess, CapBridge} }
func (t *ExecWrite) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"process_id": map[string]any{"type": "string", "description": "The process to write to"},
			"data":       map[string]any{"type": "string", "description": "Data to write to stdin"},
		},
		"required": []any{"process_id", "data"},
	}
}

func (t *ExecWrite) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:      ipc.ActionExecWrite,
		ProcessID: str(input, "process_id"),
		Data:      str(input, "data"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return "Written.", nil
}

// ExecKill terminates a background process.
type ExecKill struct {
	bridge Bridge
}

func NewExecKill(bridge Bridge) *ExecKill { return &ExecKill{bridge} }

func (t *ExecKill) Name() string        { return "exec_kill" }
func (t *ExecKill) Description() string { return "Kill a running background process." }
func (t *ExecKill) Capabilities() []Capability {
	return []Capability{CapProcess, CapBridge}
}
func (t *ExecKill) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"process_id": map[string]any{"type": "string", "description": "The process to kill"},
		},
		"required": []any{"process_id"},
	}
}

func (t *ExecKill) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{
		Kind:      ipc.ActionExecKill,
		ProcessID: str(input, "process_id"),
	})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	return "Killed.", nil
}

// ExecList lists gateway-managed processes.
type ExecList struct {
	bridge Bridge
}

func NewExecList(bridge Bridge) *ExecList { return &ExecList{bridge} }

func (t *ExecList) Name() string        { return "exec_list" }
func (t *ExecList) Description() string { return "List all managed background processes." }
func (t *ExecList) Capabilities() []Capability {
	return []Capability{CapProcess, CapBridge}
}
func (t *ExecList) InputSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *ExecList) Execute(ctx context.Context, input map[string]any) (string, error) {
	result, err := t.bridge.Request(ctx, ipc.BridgeAction{Kind: ipc.ActionExecList})
	if err != nil {
		return "", err
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	if len(result.Processes) == 0 {
		return "(no managed processes)", nil
	}
	var b strings.Builder
	for _, p := range result.Processes {
		state := "running"
		if !p.IsRunning {
			state = "exited"
			if p.ExitCode != nil {
				state = fmt.Sprintf("exited (%d)", *p.ExitCode)
			}
		}
		fmt.Fprintf(&b, "%s  %s  %s  started %s\n", p.ProcessID, state, p.Command, p.StartedAt)
	}
	return b.String(), nil
}
