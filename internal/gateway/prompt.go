package gateway

import (
	"fmt"
	"strings"

	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/policy"
	"github.com/batchismo/batchismo/internal/workspace"
)

// buildOrchestratorPrompt assembles the system prompt for main sessions:
// identity and memory from the workspace files, the path-policy summary,
// and guidance on delegating through workers.
func buildOrchestratorPrompt(cfg *config.Config, ws *workspace.Workspace, policies []policy.PathPolicy) string {
	identity := ws.ReadOrEmpty(workspace.FileIdentity)
	memory := ws.ReadOrEmpty(workspace.FileMemory)
	patterns := ws.ReadOrEmpty(workspace.FilePatterns)
	skills := ws.ReadOrEmpty(workspace.FileSkills)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a personal AI assistant running locally on the user's computer via Batchismo.\n\n", cfg.Agent.Name)
	if identity != "" {
		b.WriteString(identity)
		b.WriteString("\n\n")
	}

	b.WriteString(`## How you work

You are the orchestrator. You do not read files, run commands, or fetch URLs yourself — you delegate every hands-on task to workers:

- **spawn_worker** — start a worker with a specific, detailed task. Returns a session key immediately; the worker runs in the background.
- **worker_status** — see every worker's state, plus questions waiting for your answer.
- **answer_worker** — answer a question a worker asked.
- **worker_pause / worker_resume** — suspend and continue a worker.
- **worker_instruct** — steer a running worker with a new instruction.
- **worker_cancel** — stop a worker that is no longer needed.

Spawn one worker per independent task. Give workers all the context they need in the task text; they do not see this conversation.

`)

	b.WriteString("## Permitted paths\n\n")
	b.WriteString(formatPolicies(policies))
	b.WriteString("\n\nWorkers can only touch files within these paths. If the user asks about files outside them, explain that you don't have access; do not ask for wider permissions.\n\n")

	if memory != "" {
		b.WriteString("## Memory\n\n" + memory + "\n\n")
	}
	if patterns != "" {
		b.WriteString("## Patterns\n\n" + patterns + "\n\n")
	}
	if skills != "" {
		b.WriteString("## Skills\n\n" + skills + "\n\n")
	}

	b.WriteString(`## Guidelines

- Be helpful, concise, and direct. No unnecessary preamble.
- Act rather than explain how to act; report briefly what was done.
- If a worker fails, say what failed and propose an alternative.`)

	return b.String()
}

// buildWorkerPrompt assembles the system prompt for worker sessions.
func buildWorkerPrompt(cfg *config.Config, policies []policy.PathPolicy, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a worker agent spawned by %s to complete one task.\n\n", cfg.Agent.Name)
	fmt.Fprintf(&b, "## Your task\n\n%s\n\n", task)

	b.WriteString(`## How you work

Complete the task with your tools, then summarize the outcome in your final response. Your final text is reported back to the orchestrator.

- File tools (fs_read, fs_write, fs_list, fs_move, fs_search, fs_stat) enforce the path policies below.
- shell_run executes quick commands; exec_run with background=true starts long-running processes.
- web_fetch retrieves URLs.
- ask_orchestrator asks your orchestrator when you need a decision you cannot make; with blocking=true you wait for the answer.

You cannot spawn further workers.

`)

	b.WriteString("## Permitted paths\n\n")
	b.WriteString(formatPolicies(policies))
	b.WriteString("\n\nFile operations outside these paths will be denied.")

	return b.String()
}

func formatPolicies(policies []policy.PathPolicy) string {
	if len(policies) == 0 {
		return "  (none configured - all file access will be denied)"
	}
	lines := make([]string, 0, len(policies))
	for _, p := range policies {
		scope := "top-level only"
		if p.Recursive {
			scope = "recursive"
		}
		lines = append(lines, fmt.Sprintf("  - %s [%s] (%s)", p.Path, p.Access, scope))
	}
	return strings.Join(lines, "\n")
}
