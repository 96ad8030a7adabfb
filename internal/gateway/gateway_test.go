package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/bus"
	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/logging"
	"github.com/batchismo/batchismo/internal/policy"
)

func newGateway(t *testing.T, launcher AgentLauncher) *Gateway {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg := config.Default()
	g, err := New(t.TempDir(), cfg, launcher, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// collectUntil drains bus events until pred returns true or the timeout
// elapses, returning everything seen.
func collectUntil(t *testing.T, sub *bus.Subscriber, timeout time.Duration, pred func(bus.Event) bool) []bus.Event {
	t.Helper()
	var events []bus.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
			if pred(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; saw %d events", len(events))
		}
	}
}

func isTerminal(ev bus.Event) bool {
	switch ev.Message.(type) {
	case ipc.TurnComplete, ipc.Error:
		return true
	}
	return false
}

func TestPlainTextTurnEndToEnd(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		conn.Send(ipc.TextDelta{Content: "he"})
		conn.Send(ipc.TextDelta{Content: "llo"})
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), "hello")
		conn.Send(ipc.TurnComplete{Message: msg, TokenInput: 12, TokenOutput: 4})
	})

	g := newGateway(t, launcher)
	sub := g.Subscribe()

	require.NoError(t, g.SendMessage(context.Background(), "main", "hi"))
	events := collectUntil(t, sub, 5*time.Second, isTerminal)

	// Deltas arrive in production order, before the terminal frame.
	var deltas []string
	for _, ev := range events {
		if d, ok := ev.Message.(ipc.TextDelta); ok {
			deltas = append(deltas, d.Content)
		}
	}
	assert.Equal(t, []string{"he", "llo"}, deltas)

	tc, ok := events[len(events)-1].Message.(ipc.TurnComplete)
	require.True(t, ok, "expected TurnComplete, got %T", events[len(events)-1].Message)
	assert.Equal(t, "hello", tc.Message.Content)

	// The turn goroutine finalizes the store shortly after the frame.
	require.Eventually(t, func() bool {
		sess, err := g.GetSession(context.Background(), "main")
		return err == nil && sess.TokenInput == 12 && sess.TokenOutput == 4
	}, 3*time.Second, 20*time.Millisecond)

	history, err := g.GetHistory(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, "hello", history[1].Content)
}

func TestAgentExitWithoutTerminalFrameSurfacesError(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		conn.Send(ipc.TextDelta{Content: "partial"})
		conn.Close() // dies before TurnComplete
	})

	g := newGateway(t, launcher)
	sub := g.Subscribe()
	require.NoError(t, g.SendMessage(context.Background(), "main", "hi"))

	events := collectUntil(t, sub, 5*time.Second, isTerminal)
	errFrame, ok := events[len(events)-1].Message.(ipc.Error)
	require.True(t, ok)
	assert.Contains(t, errFrame.Message, "agent exited")

	// No partial assistant message was committed.
	require.Eventually(t, func() bool {
		history, err := g.GetHistory(context.Background(), "main")
		return err == nil && len(history) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCancelDuringTurn(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		conn.Send(ipc.TextDelta{Content: "working"})
		// Simulate a long-running tool: wait for Cancel, then finalize
		// with the error frame like the real loop does.
		if _, ok := awaitRecv(conn, func(m ipc.Message) bool {
			_, isCancel := m.(ipc.Cancel)
			return isCancel
		}, 5*time.Second); ok {
			conn.Send(ipc.Error{Message: "cancelled"})
		}
	})

	g := newGateway(t, launcher)
	sub := g.Subscribe()
	require.NoError(t, g.SendMessage(context.Background(), "main", "run something slow"))

	// Wait until the turn is live, then cancel it.
	require.Eventually(t, func() bool {
		_, ok := g.sessions.HandleByKey("main")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, g.CancelTurn("main", "cancelled"))

	start := time.Now()
	events := collectUntil(t, sub, 5*time.Second, isTerminal)
	errFrame, ok := events[len(events)-1].Message.(ipc.Error)
	require.True(t, ok)
	assert.Equal(t, "cancelled", errFrame.Message)
	assert.Less(t, time.Since(start), cancelGrace+2*time.Second)

	// No assistant message for the cancelled turn.
	require.Eventually(t, func() bool {
		history, err := g.GetHistory(context.Background(), "main")
		return err == nil && len(history) == 1 && history[0].Role == domain.RoleUser
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBusySessionQueuesFIFO(t *testing.T) {
	launcher := newFakeLauncher()
	seen := make(chan string, 8)
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		seen <- user
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), "ack "+user)
		conn.Send(ipc.TurnComplete{Message: msg, TokenInput: 1, TokenOutput: 1})
	})

	g := newGateway(t, launcher)
	ctx := context.Background()
	require.NoError(t, g.SendMessage(ctx, "main", "first"))
	require.NoError(t, g.SendMessage(ctx, "main", "second"))
	require.NoError(t, g.SendMessage(ctx, "main", "third"))

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case u := <-seen:
			order = append(order, u)
		case <-time.After(10 * time.Second):
			t.Fatalf("turn %d never ran; got %v", i, order)
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestWorkerQuestionRoundTrip(t *testing.T) {
	launcher := newFakeLauncher()

	// Orchestrator: spawn a worker over the bridge, then finalize.
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		conn.Send(ipc.BridgeRequest{RequestID: "req-1", Action: ipc.BridgeAction{Kind: ipc.ActionSpawnWorker, Task: "X", Label: "xer"}})
		resp, ok := awaitRecv(conn, func(m ipc.Message) bool {
			_, isResp := m.(ipc.BridgeResponse)
			return isResp
		}, 5*time.Second)
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), "spawned")
		if ok {
			r := resp.(ipc.BridgeResponse).Result
			msg.Content = "spawned " + r.SessionKey
		}
		conn.Send(ipc.TurnComplete{Message: msg, TokenInput: 1, TokenOutput: 1})
	})

	// Worker: ask a blocking question, wait for the answer, finalize.
	launcher.script("worker", func(init ipc.Init, user string, conn *ipc.Conn) {
		conn.Send(ipc.Question{QuestionID: "q-1", Question: "Y?", Context: "deciding", Blocking: true})
		ans, ok := awaitRecv(conn, func(m ipc.Message) bool {
			_, isAns := m.(ipc.Answer)
			return isAns
		}, 10*time.Second)
		content := "no answer"
		if ok {
			content = "answered: " + ans.(ipc.Answer).AnswerText
		}
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), content)
		conn.Send(ipc.TurnComplete{Message: msg, TokenInput: 2, TokenOutput: 2})
	})

	g := newGateway(t, launcher)
	sub := g.Subscribe()
	ctx := context.Background()
	require.NoError(t, g.SendMessage(ctx, "main", "delegate X"))

	// The worker's question reaches the bus; answer it like the shell
	// (or the orchestrator's answer_worker) would.
	collectUntil(t, sub, 10*time.Second, func(ev bus.Event) bool {
		_, isQ := ev.Message.(ipc.Question)
		return isQ
	})
	require.Eventually(t, func() bool {
		return len(g.PendingQuestions()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	q := g.PendingQuestions()[0]
	assert.Equal(t, "Y?", q.Question)
	assert.True(t, q.Blocking)

	require.NoError(t, g.AnswerWorker(ctx, q.QuestionID, "Z"))

	// Worker finalizes with the delivered answer and ends Completed.
	require.Eventually(t, func() bool {
		subs, err := g.ListSubagents(ctx)
		if err != nil || len(subs) != 1 {
			return false
		}
		return subs[0].State == domain.SubagentCompleted
	}, 10*time.Second, 20*time.Millisecond)

	subs, err := g.ListSubagents(ctx)
	require.NoError(t, err)
	assert.Contains(t, subs[0].Summary, "answered: Z")
	assert.Equal(t, "xer", subs[0].Label)
	assert.Empty(t, g.PendingQuestions())
}

func TestSpawnWorkerRespectsConcurrencyCeiling(t *testing.T) {
	launcher := newFakeLauncher()
	release := make(chan struct{})
	launcher.script("worker", func(init ipc.Init, user string, conn *ipc.Conn) {
		<-release
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), "done")
		conn.Send(ipc.TurnComplete{Message: msg})
	})

	g := newGateway(t, launcher)
	defer close(release)
	cfg := g.GetConfig()
	cfg.Sandbox.MaxConcurrentSubagents = 1
	require.NoError(t, g.UpdateConfig(cfg))

	main, err := g.store.GetOrCreateMain(context.Background(), "m")
	require.NoError(t, err)
	parentHandle := &turnHandle{sessionID: main.ID, sessionKey: main.Key, kind: domain.KindMain}

	first := g.dispatchBridgeAction(main, parentHandle, ipc.BridgeAction{Kind: ipc.ActionSpawnWorker, Task: "one"})
	require.Equal(t, ipc.ResultWorkerSpawned, first.Kind)

	require.Eventually(t, func() bool {
		return g.sessions.LiveWorkerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	second := g.dispatchBridgeAction(main, parentHandle, ipc.BridgeAction{Kind: ipc.ActionSpawnWorker, Task: "two"})
	assert.Equal(t, ipc.ResultError, second.Kind)
	assert.Contains(t, second.Message, "worker limit")
}

func TestWorkersCannotSpawnWorkers(t *testing.T) {
	g := newGateway(t, newFakeLauncher())
	worker := &domain.Session{ID: uuid.New(), Key: "worker:abcd1234", Kind: domain.KindWorker}
	result := g.dispatchBridgeAction(worker, &turnHandle{}, ipc.BridgeAction{Kind: ipc.ActionSpawnWorker, Task: "x"})
	assert.Equal(t, ipc.ResultError, result.Kind)
	assert.Contains(t, result.Message, "cannot spawn")
}

func TestCommandSurfaceSessionOps(t *testing.T) {
	g := newGateway(t, newFakeLauncher())
	ctx := context.Background()

	_, err := g.CreateSession(ctx, "research")
	require.NoError(t, err)
	_, err = g.CreateSession(ctx, "research")
	assert.ErrorIs(t, err, domain.ErrConflictingKey)

	sess, err := g.SwitchSession(ctx, "research")
	require.NoError(t, err)
	assert.Equal(t, "research", sess.Key)
	assert.Equal(t, "research", g.ActiveSessionKey())

	assert.ErrorIs(t, g.DeleteSession(ctx, "main"), domain.ErrInvalidInput)
	require.NoError(t, g.DeleteSession(ctx, "research"))
	assert.Equal(t, "main", g.ActiveSessionKey())

	_, err = g.GetSession(ctx, "research")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCommandSurfacePolicies(t *testing.T) {
	g := newGateway(t, newFakeLauncher())
	ctx := context.Background()

	rule, err := g.AddPolicy(ctx, policy.PathPolicy{Path: "/work", Access: policy.ReadOnly, Recursive: true})
	require.NoError(t, err)

	rules, err := g.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	_, err = g.AddPolicy(ctx, policy.PathPolicy{Path: "/work", Access: policy.AccessLevel("everything"), Recursive: true})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, g.DeletePolicy(ctx, rule.ID))
	rules, err = g.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestToggleTool(t *testing.T) {
	g := newGateway(t, newFakeLauncher())

	require.NoError(t, g.ToggleTool("shell_run", false))
	found := false
	for _, info := range g.ListTools() {
		if info.Name == "shell_run" {
			found = true
			assert.False(t, info.Enabled)
		}
	}
	require.True(t, found)

	require.NoError(t, g.ToggleTool("shell_run", true))
	for _, info := range g.ListTools() {
		if info.Name == "shell_run" {
			assert.True(t, info.Enabled)
		}
	}
}

func TestAuditTrailForTurn(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.script("main", func(init ipc.Init, user string, conn *ipc.Conn) {
		msg := domain.NewAssistantMessage(uuid.MustParse(init.SessionID), "ok")
		conn.Send(ipc.TurnComplete{Message: msg, TokenInput: 1, TokenOutput: 1})
	})
	g := newGateway(t, launcher)
	sub := g.Subscribe()
	ctx := context.Background()

	require.NoError(t, g.SendMessage(ctx, "main", "hi"))
	collectUntil(t, sub, 5*time.Second, isTerminal)

	require.Eventually(t, func() bool {
		entries, err := g.QueryAuditLog(ctx, domain.AuditFilter{Category: domain.AuditAgent})
		if err != nil {
			return false
		}
		events := map[string]bool{}
		for _, e := range entries {
			events[e.Event] = true
		}
		return events["agent_spawn"] && events["turn_complete"]
	}, 3*time.Second, 20*time.Millisecond)
}
