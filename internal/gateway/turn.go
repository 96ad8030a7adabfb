package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batchismo/batchismo/internal/bus"
	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/policy"
)

const (
	// turnDeadline bounds a whole turn; expiry cancels and then kills.
	turnDeadline = 10 * time.Minute

	// cancelGrace is how long a cancelled agent gets to emit its terminal
	// frame before the process is killed.
	cancelGrace = 2 * time.Second

	// connectTimeout bounds the wait for the spawned child to dial in.
	connectTimeout = 15 * time.Second
)

// runTurn executes one full turn against a fresh agent process: bind the
// per-session socket, spawn the child, feed it Init and the user message,
// pump its frames into the bus and store, service bridge requests, honor
// lifecycle commands, and reap the child.
func (g *Gateway) runTurn(sess *domain.Session, userContent string, policySnapshot []policy.PathPolicy) {
	ctx := g.ctx
	sid := sess.ID.String()
	logger := g.logger.With(zap.String("session", sid), zap.String("key", sess.Key))

	fail := func(msg string) {
		g.events.Publish(bus.Event{SessionID: sess.ID, SessionKey: sess.Key, Message: ipc.Error{Message: msg}})
		g.audit(domain.AuditError, domain.AuditAgent, "agent_error", msg, sid, "")
		if sess.IsWorker() {
			g.finishWorker(sess, domain.SubagentFailed, msg)
		}
	}

	// History and the user message are read/persisted before the child
	// starts; the policy snapshot is immutable for the rest of the turn.
	history, err := g.store.ListMessages(ctx, sess.ID)
	if err != nil {
		fail(fmt.Sprintf("failed to load history: %v", err))
		return
	}
	if _, err := g.store.AppendUserMessage(ctx, sess.ID, userContent); err != nil {
		fail(fmt.Sprintf("failed to persist user message: %v", err))
		return
	}

	if policySnapshot == nil {
		policySnapshot, err = g.store.ListPolicies(ctx)
		if err != nil {
			fail(fmt.Sprintf("failed to load path policies: %v", err))
			return
		}
	}

	cfg := g.config()
	apiKey := cfg.APIKeys.AnthropicKey()
	if apiKey == "" {
		fail("no Anthropic API key configured; set api_keys.anthropic or ANTHROPIC_API_KEY")
		return
	}

	var systemPrompt string
	if sess.IsWorker() {
		systemPrompt = buildWorkerPrompt(cfg, policySnapshot, sess.Task)
	} else {
		systemPrompt = buildOrchestratorPrompt(cfg, g.ws, policySnapshot)
	}

	disabled := cfg.Agent.DisabledTools
	if sess.IsWorker() {
		// Belt and suspenders: the worker registry has no spawn tool,
		// and the disabled list bars it anyway.
		disabled = append(append([]string{}, disabled...), "spawn_worker")
	}

	// Per-session channel; the server accepts exactly one client.
	server, err := ipc.Listen(ipc.SocketPath(g.ipcDir(), sess.ID))
	if err != nil {
		fail(fmt.Sprintf("failed to bind session socket: %v", err))
		return
	}
	defer server.Close()

	proc, err := g.supervisor.Start(sess.ID, server.Path(), apiKey)
	if err != nil {
		fail(fmt.Sprintf("failed to spawn agent: %v", err))
		return
	}
	defer g.supervisor.Release(sess.ID)
	g.audit(domain.AuditInfo, domain.AuditAgent, "agent_spawn",
		fmt.Sprintf("Agent spawned (pid %d, model %s)", proc.Pid(), cfg.Agent.Model), sid, "")

	acceptCtx, cancelAccept := context.WithTimeout(ctx, connectTimeout)
	conn, err := server.AcceptOne(acceptCtx)
	cancelAccept()
	if err != nil {
		_ = proc.Kill()
		fail(fmt.Sprintf("agent did not connect: %v", err))
		return
	}
	defer conn.Close()
	g.audit(domain.AuditDebug, domain.AuditIPC, "agent_connected", "Agent connected to session socket", sid, "")

	if err := conn.Send(ipc.Init{
		SessionID:       sid,
		SessionKind:     sess.Kind,
		Model:           cfg.Agent.Model,
		SystemPrompt:    systemPrompt,
		History:         history,
		PathPolicies:    policySnapshot,
		DisabledTools:   disabled,
		ParentSessionID: parentIDString(sess),
		Task:            sess.Task,
	}); err != nil {
		_ = proc.Kill()
		fail(fmt.Sprintf("failed to send init: %v", err))
		return
	}
	// Workers receive their task inside Init; UserMessage frames are for
	// main sessions only.
	if !sess.IsWorker() {
		if err := conn.Send(ipc.UserMessage{Content: userContent}); err != nil {
			_ = proc.Kill()
			fail(fmt.Sprintf("failed to send user message: %v", err))
			return
		}
	}

	// The handle lets lifecycle commands reach this turn. Cancel sends
	// the frame, then kills after the grace period if the agent has not
	// finalized.
	var cancelOnce sync.Once
	var wasCancelled, deadlineExpired atomic.Bool
	terminalSeen := make(chan struct{})
	handle := &turnHandle{
		sessionID:  sess.ID,
		sessionKey: sess.Key,
		kind:       sess.Kind,
		policies:   policySnapshot,
		send:       conn.Send,
	}
	handle.cancel = func(reason string) {
		cancelOnce.Do(func() {
			wasCancelled.Store(true)
			logger.Info("cancelling turn", zap.String("reason", reason))
			_ = conn.Send(ipc.Cancel{Reason: reason})
			go func() {
				select {
				case <-terminalSeen:
				case <-time.After(cancelGrace):
					logger.Warn("cancel grace expired; killing agent")
					_ = proc.Kill()
				}
			}()
		})
	}
	handle.armDeadline(turnDeadline, func() {
		deadlineExpired.Store(true)
		handle.cancel("timeout")
	})
	defer handle.stopDeadline()
	g.sessions.Register(handle)
	defer g.sessions.Unregister(sess.ID)

	// Pump agent frames until the terminal one.
	terminal := g.pumpFrames(sess, conn, handle, logger)
	close(terminalSeen)

	// Reap the child; late exits get killed.
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()
	select {
	case err := <-exited:
		if err != nil {
			logger.Info("agent exited with error", zap.Error(err))
		}
	case <-time.After(cancelGrace + time.Second):
		_ = proc.Kill()
		<-exited
	}

	g.settleTurn(sess, terminal, deadlineExpired.Load(), wasCancelled.Load())
}

// pumpFrames forwards agent frames to the bus and store until a terminal
// frame, connection loss, or protocol violation. Ordering is preserved:
// one reader, published in arrival order.
func (g *Gateway) pumpFrames(sess *domain.Session, conn *ipc.Conn, handle *turnHandle, logger *zap.Logger) ipc.Message {
	sid := sess.ID.String()
	publish := func(m ipc.Message) {
		g.events.Publish(bus.Event{SessionID: sess.ID, SessionKey: sess.Key, Message: m})
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			if errors.Is(err, domain.ErrProtocol) {
				logger.Error("protocol violation", zap.Error(err))
				g.audit(domain.AuditError, domain.AuditIPC, "protocol_error", err.Error(), sid, "")
				terminal := ipc.Error{Message: err.Error()}
				publish(terminal)
				return terminal
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn("agent read failed", zap.Error(err))
			}
			g.audit(domain.AuditError, domain.AuditIPC, "agent_disconnected",
				"Agent disconnected before finalizing the turn", sid, "")
			terminal := ipc.Error{Message: "agent exited: connection closed before turn completion"}
			publish(terminal)
			return terminal
		}

		switch m := msg.(type) {
		case ipc.TextDelta, ipc.Progress:
			publish(msg)

		case ipc.ToolCallStart:
			g.audit(domain.AuditInfo, domain.AuditTool, "tool_call_start",
				"Tool call: "+m.ToolCall.Name, sid, string(m.ToolCall.Input))
			g.observeToolCall(sid, m.ToolCall)
			publish(msg)

		case ipc.ToolCallResult:
			status := "success"
			if m.Result.IsError {
				status = "error"
			}
			g.audit(domain.AuditInfo, domain.AuditTool, "tool_call_result",
				fmt.Sprintf("Tool result (%s): %d chars", status, len(m.Result.Content)), sid, "")
			publish(msg)

		case ipc.AuditLog:
			g.audit(domain.AuditLevel(m.Level), domain.AuditCategory(m.Category), m.Event, m.Summary, sid, m.DetailJSON)

		case ipc.Question:
			g.registerQuestion(sess, m)
			publish(msg)

		case ipc.BridgeRequest:
			// Handled off the pump so a slow action (foreground exec)
			// cannot stall lifecycle traffic. Responses go through the
			// shared, locked encoder.
			go g.serviceBridgeRequest(sess, handle, m, conn.Send)

		case ipc.TurnComplete:
			if err := g.store.FinalizeTurn(g.ctx, sess.ID, &m.Message, m.TokenInput, m.TokenOutput); err != nil {
				logger.Error("finalize failed", zap.Error(err))
				terminal := ipc.Error{Message: fmt.Sprintf("failed to persist turn: %v", err)}
				publish(terminal)
				return terminal
			}
			g.audit(domain.AuditInfo, domain.AuditAgent, "turn_complete",
				fmt.Sprintf("Turn complete (in: %d, out: %d)", m.TokenInput, m.TokenOutput), sid, "")
			publish(m)
			return m

		case ipc.Error:
			g.audit(domain.AuditError, domain.AuditAgent, "agent_error", m.Message, sid, "")
			publish(m)
			return m

		default:
			err := fmt.Errorf("%w: unexpected frame %s from agent", domain.ErrProtocol, msg.MessageType())
			logger.Error("protocol violation", zap.Error(err))
			terminal := ipc.Error{Message: err.Error()}
			publish(terminal)
			return terminal
		}
	}
}

// settleTurn updates session and subagent state after the terminal frame.
// The session returns to idle either way and accepts the next message.
func (g *Gateway) settleTurn(sess *domain.Session, terminal ipc.Message, deadlineExpired, wasCancelled bool) {
	ctx := context.Background()
	switch m := terminal.(type) {
	case ipc.TurnComplete:
		if sess.IsWorker() {
			g.finishWorker(sess, domain.SubagentCompleted, summaryOf(m.Message.Content))
		}
	case ipc.Error:
		_ = g.store.SetSessionStatus(ctx, sess.ID, domain.SessionIdle)
		if sess.IsWorker() {
			state := domain.SubagentFailed
			if wasCancelled && !deadlineExpired {
				state = domain.SubagentCancelled
			}
			g.finishWorker(sess, state, m.Message)
		}
	}
	g.dropQuestionsFor(sess.ID)
}

// finishWorker records a worker's terminal state and announces it.
func (g *Gateway) finishWorker(sess *domain.Session, state domain.SubagentState, summary string) {
	if err := g.store.UpdateSubagentState(context.Background(), sess.ID, state, summary); err != nil {
		g.logger.Warn("subagent state update failed", zap.Error(err))
	}
	g.audit(domain.AuditInfo, domain.AuditAgent, "worker_"+string(state),
		fmt.Sprintf("[Worker %s — %s] %s", sess.Label, state, summaryOf(summary)), sess.ID.String(), "")
}

// registerQuestion records a pending worker question and flips the worker
// to waiting state when it blocks.
func (g *Gateway) registerQuestion(sess *domain.Session, q ipc.Question) {
	g.qMu.Lock()
	g.questions[q.QuestionID] = domain.PendingQuestion{
		QuestionID:       q.QuestionID,
		WorkerSessionID:  sess.ID,
		WorkerSessionKey: sess.Key,
		Question:         q.Question,
		Context:          q.Context,
		Blocking:         q.Blocking,
		AskedAt:          time.Now().UTC(),
	}
	g.qMu.Unlock()

	if sess.IsWorker() && q.Blocking {
		_ = g.store.UpdateSubagentState(context.Background(), sess.ID, domain.SubagentWaitingForAnswer, "")
	}
	g.audit(domain.AuditInfo, domain.AuditAgent, "worker_question",
		fmt.Sprintf("Worker %s asked: %s", sess.Key, q.Question), sess.ID.String(), "")
}

func (g *Gateway) dropQuestionsFor(sessionID uuid.UUID) {
	g.qMu.Lock()
	defer g.qMu.Unlock()
	for id, q := range g.questions {
		if q.WorkerSessionID == sessionID {
			delete(g.questions, id)
		}
	}
}

func (g *Gateway) observeToolCall(sid string, call domain.ToolCall) {
	_ = g.store.RecordObservation(context.Background(), domain.ObsToolUse, call.Name, "", sid)
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &input); err == nil && input.Path != "" {
		_ = g.store.RecordObservation(context.Background(), domain.ObsPathAccess, input.Path, call.Name, sid)
	}
}

func (g *Gateway) ipcDir() string { return config.IPCPath(g.root) }

func summaryOf(text string) string {
	const max = 200
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

func parentIDString(sess *domain.Session) string {
	if !sess.IsWorker() {
		return ""
	}
	return sess.ParentID.String()
}
