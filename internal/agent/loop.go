package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batchismo/batchismo/internal/agent/tool"
	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/provider"
)

const (
	// maxIterations bounds model calls per turn. After the cap the turn
	// finalizes with an iteration-limit notice.
	maxIterations = 10

	// maxTokens is the per-call output budget.
	maxTokens = 4096

	// errRepeatThreshold is the stuck-tool circuit breaker: after this
	// many consecutive identical tool errors, a strategy-change hint is
	// appended to the result the model sees.
	errRepeatThreshold = 3
)

// ModelClient is the slice of the provider the loop needs; tests script it.
type ModelClient interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.Response, error)
	ChatStream(ctx context.Context, req *provider.ChatRequest, onText func(string)) (*provider.Response, error)
}

// Loop runs one conversational turn: stream the first model response,
// execute tool calls in order, feed results back, and finalize with
// exactly one TurnComplete or Error frame.
type Loop struct {
	client    ModelClient
	registry  *tool.Registry
	life      *lifecycle
	emit      func(ipc.Message) bool
	logger    *zap.Logger
	sessionID uuid.UUID
}

// NewLoop wires a turn loop. emit queues frames toward the gateway.
func NewLoop(client ModelClient, registry *tool.Registry, life *lifecycle, emit func(ipc.Message) bool, logger *zap.Logger, sessionID uuid.UUID) *Loop {
	return &Loop{client: client, registry: registry, life: life, emit: emit, logger: logger, sessionID: sessionID}
}

// Run executes the turn and emits its terminal frame.
func (l *Loop) Run(ctx context.Context, init ipc.Init, userContent string) {
	messages := historyToParams(init.History)
	messages = append(messages, provider.TextContent("user", userContent))

	defs := toolDefs(l.registry)

	var (
		accumText   string
		allCalls    []domain.ToolCall
		allResults  []domain.ToolResult
		totalInput  int64
		totalOutput int64
	)
	errorCounts := map[string]int{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if l.finishIfCancelled() {
			return
		}
		if !l.life.waitIfPaused() {
			l.finishCancelled()
			return
		}

		// Orchestrator instructions arrive between steps and ride into
		// the next model call as a user-visible system note.
		for _, instr := range l.life.drainInstructions() {
			messages = append(messages, provider.TextContent("user",
				"[System note] New instruction from your orchestrator: "+instr))
		}

		req := &provider.ChatRequest{
			Model:     init.Model,
			MaxTokens: maxTokens,
			System:    init.SystemPrompt,
			Messages:  messages,
			Tools:     defs,
		}

		var resp *provider.Response
		var err error
		if iteration == 0 {
			resp, err = l.client.ChatStream(ctx, req, func(chunk string) {
				l.emit(ipc.TextDelta{Content: chunk})
			})
		} else {
			resp, err = l.client.Chat(ctx, req)
		}
		if err != nil {
			if cancelled, reason := l.life.isCancelled(); cancelled {
				l.emit(ipc.Error{Message: reason})
				return
			}
			l.logger.Error("model call failed", zap.Int("iteration", iteration+1), zap.Error(err))
			l.emit(ipc.Error{Message: err.Error()})
			return
		}

		totalInput += resp.Usage.InputTokens
		totalOutput += resp.Usage.OutputTokens

		text := resp.Text()
		if iteration > 0 && text != "" {
			// Later iterations are non-streaming; surface their text as
			// one synthetic delta so subscribers still see it live.
			l.emit(ipc.TextDelta{Content: text})
		}
		if text != "" {
			if accumText != "" {
				accumText += "\n"
			}
			accumText += text
		}

		if !resp.WantsToolUse() {
			l.logger.Info("turn complete",
				zap.Int("iterations", iteration+1),
				zap.Int64("token_input", totalInput),
				zap.Int64("token_output", totalOutput))
			l.finish(accumText, allCalls, allResults, totalInput, totalOutput)
			return
		}

		// Tool use: execute the blocks in order, then hand results back
		// to the model.
		assistantBlocks := resp.Content
		var resultBlocks []provider.ContentBlock
		cancelledMidTools := false

		for _, use := range resp.ToolUses() {
			if cancelled, _ := l.life.isCancelled(); cancelled {
				cancelledMidTools = true
				break
			}

			call := domain.ToolCall{ID: use.ID, Name: use.Name, Input: use.Input}
			l.emit(ipc.ToolCallStart{ToolCall: call})

			result := l.registry.Execute(ctx, call)
			result = l.applyCircuitBreaker(errorCounts, call.Name, result)

			l.emit(ipc.ToolCallResult{Result: result})
			allCalls = append(allCalls, call)
			allResults = append(allResults, result)
			resultBlocks = append(resultBlocks, provider.ContentBlock{
				Type:      "tool_result",
				ToolUseID: result.ToolCallID,
				Content:   result.Content,
				IsError:   result.IsError,
			})
		}

		if cancelledMidTools {
			l.finishCancelled()
			return
		}

		messages = append(messages,
			provider.BlocksContent("assistant", assistantBlocks),
			provider.BlocksContent("user", resultBlocks),
		)
	}

	l.logger.Warn("iteration cap reached", zap.Int("cap", maxIterations))
	notice := fmt.Sprintf("[Iteration limit reached: the turn was finalized after %d tool iterations. The task may be incomplete.]", maxIterations)
	if accumText != "" {
		accumText += "\n\n"
	}
	l.finish(accumText+notice, allCalls, allResults, totalInput, totalOutput)
}

// applyCircuitBreaker tracks consecutive identical tool errors and, past
// the threshold, appends a hint telling the model to change strategy.
func (l *Loop) applyCircuitBreaker(counts map[string]int, toolName string, result domain.ToolResult) domain.ToolResult {
	if !result.IsError {
		// A success clears the tool's error streaks.
		for sig := range counts {
			if len(sig) > len(toolName) && sig[:len(toolName)+1] == toolName+":" {
				delete(counts, sig)
			}
		}
		return result
	}

	prefix := result.Content
	if len(prefix) > 120 {
		prefix = prefix[:120]
	}
	sig := toolName + ":" + prefix
	counts[sig]++
	if counts[sig] >= errRepeatThreshold {
		result.Content += fmt.Sprintf(
			"\n\n[System] This exact error has now occurred %d times in a row. Retrying the same call is unlikely to succeed — try a meaningfully different approach, use a different tool, or surface the problem in your response.",
			counts[sig])
	}
	return result
}

func (l *Loop) finishIfCancelled() bool {
	cancelled, _ := l.life.isCancelled()
	if cancelled {
		l.finishCancelled()
	}
	return cancelled
}

func (l *Loop) finishCancelled() {
	_, reason := l.life.isCancelled()
	if reason == "" {
		reason = "cancelled"
	}
	l.emit(ipc.Error{Message: reason})
}

func (l *Loop) finish(text string, calls []domain.ToolCall, results []domain.ToolResult, tokenIn, tokenOut int64) {
	msg := domain.NewAssistantMessage(l.sessionID, text)
	msg.ToolCalls = calls
	msg.ToolResults = results
	msg.TokenInput = &tokenIn
	msg.TokenOutput = &tokenOut
	l.emit(ipc.TurnComplete{Message: msg, TokenInput: tokenIn, TokenOutput: tokenOut})
}

// historyToParams converts stored history into provider messages. System
// messages never re-enter the conversation; assistant tool interactions
// are persisted flattened, so plain text is all that returns to the model.
func historyToParams(history []domain.Message) []provider.MessageParam {
	var out []provider.MessageParam
	for _, m := range history {
		if m.Role == domain.RoleSystem || m.Content == "" {
			continue
		}
		out = append(out, provider.TextContent(string(m.Role), m.Content))
	}
	return out
}

func toolDefs(r *tool.Registry) []provider.ToolDef {
	defs := r.Definitions()
	out := make([]provider.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
