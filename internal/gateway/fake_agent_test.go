package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/ipc"
)

// fakeAgentScript drives one turn from the agent side of the socket.
// It receives the decoded Init and user message plus the live connection.
type fakeAgentScript func(init ipc.Init, user string, conn *ipc.Conn)

// fakeLauncher runs scripted agents in-process instead of spawning the
// host binary, so turns exercise the real socket, framing, and pump.
type fakeLauncher struct {
	mu      sync.Mutex
	scripts map[string]fakeAgentScript // by session kind: "main" | "worker"
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{scripts: make(map[string]fakeAgentScript)}
}

func (l *fakeLauncher) script(kind string, s fakeAgentScript) {
	l.mu.Lock()
	l.scripts[kind] = s
	l.mu.Unlock()
}

type fakeProcess struct {
	done chan struct{}
	kill func()
	once sync.Once
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.once.Do(p.kill)
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (l *fakeLauncher) Launch(sessionID uuid.UUID, socketPath, apiKey string) (AgentProcess, error) {
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcess{done: done, kill: cancel}

	go func() {
		defer close(done)
		conn, err := ipc.Dial(ctx, socketPath, 5*time.Second)
		if err != nil {
			return
		}
		defer conn.Close()

		first, err := conn.Recv()
		if err != nil {
			return
		}
		init, ok := first.(ipc.Init)
		if !ok {
			return
		}
		user := init.Task
		if init.SessionKind != "worker" {
			second, err := conn.Recv()
			if err != nil {
				return
			}
			um, ok := second.(ipc.UserMessage)
			if !ok {
				return
			}
			user = um.Content
		}

		l.mu.Lock()
		script := l.scripts[string(init.SessionKind)]
		l.mu.Unlock()
		if script != nil {
			script(init, user, conn)
		}
	}()

	return proc, nil
}

// awaitRecv reads frames until one matches, with a timeout. Used by
// scripts that must wait for gateway frames (answers, cancels).
func awaitRecv(conn *ipc.Conn, match func(ipc.Message) bool, timeout time.Duration) (ipc.Message, bool) {
	deadline := time.Now().Add(timeout)
	type recv struct {
		msg ipc.Message
		err error
	}
	ch := make(chan recv, 16)
	go func() {
		for {
			m, err := conn.Recv()
			ch <- recv{m, err}
			if err != nil {
				return
			}
		}
	}()
	for time.Now().Before(deadline) {
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, false
			}
			if match(r.msg) {
				return r.msg, true
			}
		case <-time.After(time.Until(deadline)):
			return nil, false
		}
	}
	return nil, false
}
