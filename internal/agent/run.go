// Package agent implements the per-turn child process: it connects to the
// gateway's per-session socket, receives Init and the user message, runs
// the model/tool loop, and exits after its terminal frame.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/batchismo/batchismo/internal/agent/tool"
	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/provider"
)

// outboxLimit bounds frames queued toward the gateway before the drop
// policy kicks in.
const outboxLimit = 512

// dialTimeout bounds how long the child waits for the gateway socket.
const dialTimeout = 10 * time.Second

// Run is the agent process entry point. It returns the process exit code.
func Run(socketPath string, logger *zap.Logger) int {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		logger.Error("ANTHROPIC_API_KEY not set")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := ipc.Dial(ctx, socketPath, dialTimeout)
	if err != nil {
		logger.Error("connect to gateway failed", zap.Error(err))
		return 1
	}
	defer conn.Close()

	if err := runTurn(ctx, cancel, conn, apiKey, logger); err != nil {
		logger.Error("turn failed", zap.Error(err))
		return 1
	}
	return 0
}

func runTurn(ctx context.Context, cancel context.CancelFunc, conn *ipc.Conn, apiKey string, logger *zap.Logger) error {
	// Frame 1: Init.
	first, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("receive init: %w", err)
	}
	init, ok := first.(ipc.Init)
	if !ok {
		return fmt.Errorf("%w: expected init, got %s", domain.ErrProtocol, first.MessageType())
	}
	sessionID, err := uuid.Parse(init.SessionID)
	if err != nil {
		return fmt.Errorf("%w: bad session id %q", domain.ErrProtocol, init.SessionID)
	}
	init.Model = provider.NormalizeModel(init.Model)

	logger = logger.With(zap.String("session", init.SessionID), zap.String("kind", string(init.SessionKind)))
	logger.Info("initialized",
		zap.String("model", init.Model),
		zap.Int("history", len(init.History)),
		zap.Int("policies", len(init.PathPolicies)))

	// Workers carry their task in Init; main sessions get a UserMessage
	// frame next.
	var userContent string
	if init.SessionKind == domain.KindWorker {
		userContent = init.Task
	} else {
		second, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("receive user message: %w", err)
		}
		switch m := second.(type) {
		case ipc.UserMessage:
			userContent = m.Content
		case ipc.Cancel:
			logger.Info("cancelled before user message")
			return nil
		default:
			return fmt.Errorf("%w: expected user_message, got %s", domain.ErrProtocol, second.MessageType())
		}
	}

	// Outbound frames flow through the bounded outbox so a slow gateway
	// sheds text deltas instead of stalling the loop.
	outbox := ipc.NewOutbox(outboxLimit, func(dropped int) {
		logger.Warn("outbound frame dropped", zap.Int("total", dropped))
	})
	var pumps errgroup.Group
	pumps.Go(func() error { return outbox.Pump(conn) })

	life := newLifecycle()
	bridge := NewBridge(outbox.Enqueue)

	// Inbound lifecycle and bridge frames are routed off the main loop.
	go readInbound(conn, bridge, life, cancel, logger)

	disabled := make(map[string]bool, len(init.DisabledTools))
	for _, name := range init.DisabledTools {
		disabled[name] = true
	}

	var registry *tool.Registry
	if init.SessionKind == domain.KindWorker {
		registry = tool.NewWorkerRegistry(init.PathPolicies, bridge, disabled)
	} else {
		registry = tool.NewOrchestratorRegistry(bridge, disabled)
	}

	client := provider.NewClient(apiKey)
	loop := NewLoop(client, registry, life, outbox.Enqueue, logger, sessionID)
	loop.Run(ctx, init, userContent)

	// Drain the outbox so the terminal frame reaches the gateway, then
	// exit; the gateway reaps the process.
	outbox.Close()
	flushed := make(chan error, 1)
	go func() { flushed <- pumps.Wait() }()
	select {
	case err := <-flushed:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out flushing outbound frames")
	}
}

// readInbound routes frames from the gateway: bridge responses and answers
// to their waiters, lifecycle frames to the loop's state. A read failure
// or close counts as supervisory cancellation.
func readInbound(conn *ipc.Conn, bridge *Bridge, life *lifecycle, cancel context.CancelFunc, logger *zap.Logger) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("gateway read failed", zap.Error(err))
			}
			life.cancel("gateway connection lost")
			bridge.CancelAll("gateway connection lost")
			cancel()
			return
		}

		switch m := msg.(type) {
		case ipc.BridgeResponse:
			if !bridge.Deliver(m) {
				logger.Warn("unmatched bridge response", zap.String("request_id", m.RequestID))
			}
		case ipc.Answer:
			if !bridge.DeliverAnswer(m) {
				logger.Warn("unmatched answer", zap.String("question_id", m.QuestionID))
			}
		case ipc.Pause:
			logger.Info("paused by gateway")
			life.pause()
		case ipc.Resume:
			logger.Info("resumed by gateway")
			life.resume()
		case ipc.Cancel:
			logger.Info("cancelled by gateway", zap.String("reason", m.Reason))
			life.cancel(m.Reason)
			bridge.CancelAll(m.Reason)
			cancel()
		case ipc.Instruction:
			life.instruct(m.Content)
		default:
			logger.Warn("unexpected inbound frame", zap.String("type", string(msg.MessageType())))
		}
	}
}
