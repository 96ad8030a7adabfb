package gateway

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/policy"
)

// serviceBridgeRequest resolves one bridge action from an agent and sends
// the correlated response back over the turn's connection.
func (g *Gateway) serviceBridgeRequest(sess *domain.Session, handle *turnHandle, req ipc.BridgeRequest, send func(ipc.Message) error) {
	result := g.dispatchBridgeAction(sess, handle, req.Action)
	if err := send(ipc.BridgeResponse{RequestID: req.RequestID, Result: result}); err != nil {
		g.logger.Warn("bridge response send failed",
			zap.String("session", sess.ID.String()),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

func (g *Gateway) dispatchBridgeAction(sess *domain.Session, handle *turnHandle, action ipc.BridgeAction) ipc.BridgeResult {
	switch action.Kind {
	case ipc.ActionSpawnWorker:
		if sess.IsWorker() {
			return ipc.Errorf("workers cannot spawn workers")
		}
		return g.handleSpawnWorker(sess, handle, action)

	case ipc.ActionWorkerStatus:
		return g.handleWorkerStatus(sess)

	case ipc.ActionWorkerPause, ipc.ActionWorkerResume, ipc.ActionWorkerInstruct, ipc.ActionWorkerCancel:
		return g.handleWorkerLifecycle(g.ctx, action)

	case ipc.ActionAnswerWorker:
		return g.handleAnswerWorker(action)

	case ipc.ActionExecRun:
		if action.Background {
			id, err := g.procs.Spawn(action.Command, action.Workdir)
			if err != nil {
				return ipc.Errorf("%v", err)
			}
			return ipc.BridgeResult{Kind: ipc.ResultProcessStarted, ProcessID: id}
		}
		stdout, stderr, code, err := g.procs.RunForeground(g.ctx, action.Command, action.Workdir)
		if err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.BridgeResult{Kind: ipc.ResultProcessOutput, Stdout: stdout, Stderr: stderr, ExitCode: code}

	case ipc.ActionExecOutput:
		stdout, stderr, running, code, err := g.procs.Output(action.ProcessID)
		if err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.BridgeResult{
			Kind: ipc.ResultProcessOutput, ProcessID: action.ProcessID,
			Stdout: stdout, Stderr: stderr, IsRunning: running, ExitCode: code,
		}

	case ipc.ActionExecWrite:
		if err := g.procs.WriteStdin(action.ProcessID, action.Data); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.BridgeResult{Kind: ipc.ResultProcessWritten}

	case ipc.ActionExecKill:
		if err := g.procs.Kill(action.ProcessID); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.BridgeResult{Kind: ipc.ResultProcessKilled}

	case ipc.ActionExecList:
		return ipc.BridgeResult{Kind: ipc.ResultProcessList, Processes: g.procs.List()}

	default:
		return ipc.Errorf("unknown bridge action %q", action.Kind)
	}
}

// handleSpawnWorker creates the worker session and starts its turn in the
// background. The worker inherits the parent's policy snapshot — never a
// wider one.
func (g *Gateway) handleSpawnWorker(parent *domain.Session, parentHandle *turnHandle, action ipc.BridgeAction) ipc.BridgeResult {
	if action.Task == "" {
		return ipc.Errorf("spawn_worker requires a task")
	}

	max := g.config().Sandbox.MaxConcurrentSubagents
	if max > 0 && g.sessions.LiveWorkerCount() >= max {
		return ipc.Errorf("worker limit reached (%d concurrent); wait for one to finish or cancel one", max)
	}

	label := action.Label
	if label == "" {
		label = summaryLabel(action.Task)
	}

	worker, err := g.store.CreateWorkerSession(g.ctx, parent.ID, g.config().Agent.Model, label, action.Task)
	if err != nil {
		return ipc.Errorf("create worker session: %v", err)
	}

	// The parent's Init-time snapshot bounds the worker: policy edits made
	// mid-turn must not widen a child spawned from this turn.
	policies := parentHandle.policies
	if policies == nil {
		// An empty parent snapshot stays empty; nil would make the worker
		// load the live rule set at Init.
		policies = []policy.PathPolicy{}
	}

	g.audit(domain.AuditInfo, domain.AuditAgent, "worker_spawned",
		fmt.Sprintf("Worker %s spawned: %s", worker.Key, label), worker.ID.String(), "")

	if !g.sessions.Begin(worker.ID, action.Task) {
		return ipc.Errorf("worker session unexpectedly busy")
	}
	g.startTurn(worker, action.Task, policies)

	return ipc.BridgeResult{
		Kind:       ipc.ResultWorkerSpawned,
		SessionKey: worker.Key,
		SessionID:  worker.ID.String(),
	}
}

func (g *Gateway) handleWorkerStatus(sess *domain.Session) ipc.BridgeResult {
	subagents, err := g.store.ListSubagents(g.ctx, sess.ID)
	if err != nil {
		return ipc.Errorf("list workers: %v", err)
	}
	return ipc.BridgeResult{
		Kind:      ipc.ResultWorkerList,
		Subagents: subagents,
		Questions: g.PendingQuestions(),
	}
}

// handleWorkerLifecycle routes pause/resume/instruct/cancel to the live
// worker turn resolved by session key.
func (g *Gateway) handleWorkerLifecycle(ctx context.Context, action ipc.BridgeAction) ipc.BridgeResult {
	handle, ok := g.sessions.HandleByKey(action.SessionKey)
	if !ok || handle.kind != domain.KindWorker {
		return ipc.Errorf("no running worker with session key %q", action.SessionKey)
	}

	switch action.Kind {
	case ipc.ActionWorkerPause:
		if err := handle.send(ipc.Pause{}); err != nil {
			return ipc.Errorf("pause failed: %v", err)
		}
		handle.pauseDeadline()
		_ = g.store.UpdateSubagentState(ctx, handle.sessionID, domain.SubagentPaused, "")
		g.audit(domain.AuditInfo, domain.AuditAgent, "worker_paused", "Worker paused: "+action.SessionKey, handle.sessionID.String(), "")
		return ipc.BridgeResult{Kind: ipc.ResultWorkerPaused}

	case ipc.ActionWorkerResume:
		if err := handle.send(ipc.Resume{}); err != nil {
			return ipc.Errorf("resume failed: %v", err)
		}
		handle.resumeDeadline()
		_ = g.store.UpdateSubagentState(ctx, handle.sessionID, domain.SubagentRunning, "")
		g.audit(domain.AuditInfo, domain.AuditAgent, "worker_resumed", "Worker resumed: "+action.SessionKey, handle.sessionID.String(), "")
		return ipc.BridgeResult{Kind: ipc.ResultWorkerResumed}

	case ipc.ActionWorkerInstruct:
		if action.Instruction == "" {
			return ipc.Errorf("worker_instruct requires an instruction")
		}
		if err := handle.send(ipc.Instruction{InstructionID: newInstructionID(), Content: action.Instruction}); err != nil {
			return ipc.Errorf("instruct failed: %v", err)
		}
		g.audit(domain.AuditInfo, domain.AuditAgent, "worker_instructed", "Worker instructed: "+action.SessionKey, handle.sessionID.String(), "")
		return ipc.BridgeResult{Kind: ipc.ResultWorkerInstructed}

	case ipc.ActionWorkerCancel:
		reason := action.Reason
		if reason == "" {
			reason = "cancelled"
		}
		handle.cancel(reason)
		g.audit(domain.AuditInfo, domain.AuditAgent, "worker_cancel_requested",
			fmt.Sprintf("Worker cancel requested: %s (%s)", action.SessionKey, reason), handle.sessionID.String(), "")
		return ipc.BridgeResult{Kind: ipc.ResultWorkerCancelled}
	}
	return ipc.Errorf("unsupported lifecycle action %q", action.Kind)
}

// handleAnswerWorker routes an answer back to the asking worker.
func (g *Gateway) handleAnswerWorker(action ipc.BridgeAction) ipc.BridgeResult {
	g.qMu.Lock()
	q, ok := g.questions[action.QuestionID]
	if ok {
		delete(g.questions, action.QuestionID)
	}
	g.qMu.Unlock()
	if !ok {
		return ipc.Errorf("no pending question with id %q", action.QuestionID)
	}

	handle, live := g.sessions.Handle(q.WorkerSessionID)
	if !live {
		return ipc.Errorf("worker %s is no longer running", q.WorkerSessionKey)
	}
	if err := handle.send(ipc.Answer{QuestionID: action.QuestionID, AnswerText: action.AnswerText}); err != nil {
		return ipc.Errorf("deliver answer: %v", err)
	}
	_ = g.store.UpdateSubagentState(context.Background(), q.WorkerSessionID, domain.SubagentRunning, "")
	g.audit(domain.AuditInfo, domain.AuditAgent, "worker_answered",
		"Answer delivered to "+q.WorkerSessionKey, q.WorkerSessionID.String(), "")
	return ipc.BridgeResult{Kind: ipc.ResultAnswerDelivered}
}

func summaryLabel(task string) string {
	runes := []rune(task)
	if len(runes) <= 40 {
		return task
	}
	return string(runes[:40])
}

func newInstructionID() string { return ulid.Make().String() }
