package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// shellRunTimeout bounds a single synchronous command. Long-running work
// belongs in exec_run with background=true.
const shellRunTimeout = 60 * time.Second

// ShellRun executes a quick shell command inside the agent process and
// returns its combined output. The subprocess dies with the agent, so a
// cancelled turn cannot leak it.
type ShellRun struct{}

func NewShellRun() *ShellRun { return &ShellRun{} }

func (t *ShellRun) Name() string { return "shell_run" }
func (t *ShellRun) Description() string {
	return "Execute a quick shell command and return its output. Synchronous with a 60-second timeout; use exec_run for long-running processes."
}
func (t *ShellRun) Capabilities() []Capability { return []Capability{CapProcess} }
func (t *ShellRun) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run"},
			"workdir": map[string]any{"type": "string", "description": "Working directory (optional)"},
		},
		"required": []any{"command"},
	}
}

func (t *ShellRun) Execute(ctx context.Context, input map[string]any) (string, error) {
	command := strings.TrimSpace(str(input, "command"))
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, shellRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir := str(input, "workdir"); dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", shellRunTimeout)
	}
	if err != nil {
		if len(output) > 0 {
			return "", fmt.Errorf("command failed (%v):\n%s", err, output)
		}
		return "", fmt.Errorf("command failed: %v", err)
	}
	if len(output) == 0 {
		return "(no output)", nil
	}
	return string(output), nil
}
