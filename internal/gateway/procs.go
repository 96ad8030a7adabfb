package gateway

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batchismo/batchismo/internal/ipc"
)

const (
	// procBufferMax caps captured output per stream per process.
	procBufferMax = 1 << 20

	// procCleanupAfter is how long finished processes linger before the
	// sweep removes them.
	procCleanupAfter = 30 * time.Minute

	// procForegroundTimeout bounds foreground exec_run calls.
	procForegroundTimeout = 60 * time.Second
)

// managedProc is one process owned by the gateway. Processes outlive the
// per-turn agent so background builds and servers keep running between
// turns.
type managedProc struct {
	id        string
	command   string
	startedAt time.Time

	mu         sync.Mutex
	stdin      io.WriteCloser
	stdout     []byte
	stderr     []byte
	running    bool
	exitCode   *int
	finishedAt time.Time

	cmd *exec.Cmd
}

func (p *managedProc) appendOutput(dst *[]byte, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(*dst) < procBufferMax {
		take := len(data)
		if room := procBufferMax - len(*dst); take > room {
			take = room
		}
		*dst = append(*dst, data[:take]...)
	}
}

// ProcessTable spawns and tracks gateway-managed processes.
type ProcessTable struct {
	mu     sync.Mutex
	procs  map[string]*managedProc
	nextID int
	logger *zap.Logger
}

// NewProcessTable creates an empty table.
func NewProcessTable(logger *zap.Logger) *ProcessTable {
	return &ProcessTable{procs: make(map[string]*managedProc), logger: logger}
}

func (t *ProcessTable) genID() string {
	t.nextID++
	return fmt.Sprintf("proc-%04d", t.nextID)
}

// Spawn starts a background process and returns its id immediately.
func (t *ProcessTable) Spawn(command, workdir string) (string, error) {
	// Sweep processes finished longer than procCleanupAfter ago.
	t.Cleanup()

	cmd := exec.Command("sh", "-c", command)
	if workdir != "" {
		cmd.Dir = workdir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn %q: %w", command, err)
	}

	t.mu.Lock()
	id := t.genID()
	proc := &managedProc{
		id:        id,
		command:   command,
		startedAt: time.Now().UTC(),
		stdin:     stdin,
		running:   true,
		cmd:       cmd,
	}
	t.procs[id] = proc
	t.mu.Unlock()

	go pipeInto(proc, &proc.stdout, stdout)
	go pipeInto(proc, &proc.stderr, stderr)
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.running = false
		proc.finishedAt = time.Now().UTC()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		proc.exitCode = &code
		proc.mu.Unlock()
		t.logger.Info("managed process exited", zap.String("process", id), zap.Int("code", code))
	}()

	t.logger.Info("managed process spawned", zap.String("process", id), zap.String("command", command))
	return id, nil
}

func pipeInto(proc *managedProc, dst *[]byte, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			proc.appendOutput(dst, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// RunForeground spawns a process, waits for it (bounded), and returns its
// output. The entry is removed from the table when it finishes.
func (t *ProcessTable) RunForeground(ctx context.Context, command, workdir string) (stdout, stderr string, exitCode *int, err error) {
	id, err := t.Spawn(command, workdir)
	if err != nil {
		return "", "", nil, err
	}
	defer t.remove(id)

	deadline := time.Now().Add(procForegroundTimeout)
	for {
		out, errOut, running, code, err := t.Output(id)
		if err != nil {
			return "", "", nil, err
		}
		if !running {
			return out, errOut, code, nil
		}
		if time.Now().After(deadline) {
			_ = t.Kill(id)
			return out, errOut, nil, fmt.Errorf("command timed out after %s", procForegroundTimeout)
		}
		select {
		case <-ctx.Done():
			_ = t.Kill(id)
			return out, errOut, nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Output returns the buffered output and status of a process.
func (t *ProcessTable) Output(id string) (stdout, stderr string, running bool, exitCode *int, err error) {
	proc, err := t.get(id)
	if err != nil {
		return "", "", false, nil, err
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return string(proc.stdout), string(proc.stderr), proc.running, proc.exitCode, nil
}

// WriteStdin writes data to a running process's stdin.
func (t *ProcessTable) WriteStdin(id, data string) error {
	proc, err := t.get(id)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if !proc.running || proc.stdin == nil {
		return fmt.Errorf("process %s is not running", id)
	}
	_, err = io.WriteString(proc.stdin, data)
	return err
}

// Kill terminates a running process.
func (t *ProcessTable) Kill(id string) error {
	proc, err := t.get(id)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if !proc.running {
		return nil
	}
	return proc.cmd.Process.Kill()
}

// List describes all tracked processes.
func (t *ProcessTable) List() []ipc.ProcessInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ipc.ProcessInfo, 0, len(t.procs))
	for _, proc := range t.procs {
		proc.mu.Lock()
		out = append(out, ipc.ProcessInfo{
			ProcessID: proc.id,
			Command:   proc.command,
			IsRunning: proc.running,
			ExitCode:  proc.exitCode,
			StartedAt: proc.startedAt.Format(time.RFC3339),
		})
		proc.mu.Unlock()
	}
	return out
}

// Cleanup removes finished processes older than the retention window and
// returns how many were dropped.
func (t *ProcessTable) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, proc := range t.procs {
		proc.mu.Lock()
		expired := !proc.running && !proc.finishedAt.IsZero() && time.Since(proc.finishedAt) > procCleanupAfter
		proc.mu.Unlock()
		if expired {
			delete(t.procs, id)
			removed++
		}
	}
	return removed
}

// KillAll terminates every running process; used during gateway teardown.
func (t *ProcessTable) KillAll() {
	t.mu.Lock()
	procs := make([]*managedProc, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Unlock()
	for _, proc := range procs {
		proc.mu.Lock()
		running := proc.running
		proc.mu.Unlock()
		if running {
			_ = proc.cmd.Process.Kill()
		}
	}
}

func (t *ProcessTable) get(id string) (*managedProc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	proc, ok := t.procs[id]
	if !ok {
		return nil, fmt.Errorf("no process with id %s", id)
	}
	return proc, nil
}

func (t *ProcessTable) remove(id string) {
	t.mu.Lock()
	delete(t.procs, id)
	t.mu.Unlock()
}
