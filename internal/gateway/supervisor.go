package gateway

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AgentProcess is a running agent child as seen by the turn runner.
type AgentProcess interface {
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
	// Pid identifies the process for logging.
	Pid() int
}

// AgentLauncher starts one agent process for a turn. The default launcher
// re-executes the host binary with the agent subcommand; tests substitute
// an in-process fake.
type AgentLauncher interface {
	Launch(sessionID uuid.UUID, socketPath, apiKey string) (AgentProcess, error)
}

// Supervisor owns running agent children. Orphans are killed when the
// supervisor shuts down.
type Supervisor struct {
	launcher AgentLauncher
	logger   *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]AgentProcess
}

// NewSupervisor creates a supervisor over the given launcher.
func NewSupervisor(launcher AgentLauncher, logger *zap.Logger) *Supervisor {
	return &Supervisor{launcher: launcher, logger: logger, running: make(map[uuid.UUID]AgentProcess)}
}

// Start launches the agent child for a session turn.
func (s *Supervisor) Start(sessionID uuid.UUID, socketPath, apiKey string) (AgentProcess, error) {
	proc, err := s.launcher.Launch(sessionID, socketPath, apiKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.running[sessionID] = proc
	s.mu.Unlock()
	s.logger.Info("agent spawned", zap.String("session", sessionID.String()), zap.Int("pid", proc.Pid()))
	return proc, nil
}

// Release forgets a finished child.
func (s *Supervisor) Release(sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.running, sessionID)
	s.mu.Unlock()
}

// Shutdown kills any children still running.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]AgentProcess, 0, len(s.running))
	for id, proc := range s.running {
		procs = append(procs, proc)
		delete(s.running, id)
	}
	s.mu.Unlock()
	for _, proc := range procs {
		_ = proc.Kill()
	}
}

// ─── Default exec launcher ──────────────────────────────────────────────────

// ExecLauncher spawns the agent binary co-located with the host
// executable: the host re-executed with the hidden agent subcommand.
type ExecLauncher struct {
	logger *zap.Logger
}

// NewExecLauncher builds the production launcher.
func NewExecLauncher(logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }

// Launch starts the child pointed at the per-session socket. The API key
// travels in the environment, never on the command line.
func (l *ExecLauncher) Launch(sessionID uuid.UUID, socketPath, apiKey string) (AgentProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate host executable: %w", err)
	}

	cmd := exec.Command(self, "agent", "--socket", socketPath)
	cmd.Env = append(os.Environ(), "ANTHROPIC_API_KEY="+apiKey)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", self, err)
	}

	// The agent logs JSON to stderr; forward each line into the gateway
	// log stream for one place to look.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			l.logger.Debug("agent stderr",
				zap.String("session", sessionID.String()),
				zap.String("line", scanner.Text()))
		}
	}()

	return &execProcess{cmd: cmd}, nil
}
