package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
)

// bridgeTimeout guards non-blocking bridge requests against gateway loss.
// Blocking questions wait indefinitely; only turn cancellation frees them.
const bridgeTimeout = 30 * time.Second

// Bridge lets synchronous tool code request services from the async
// gateway. Each request carries a fresh correlation id; the caller blocks
// on a channel keyed to that id until the matching response arrives over
// the IPC link.
type Bridge struct {
	send func(ipc.Message) bool

	mu       sync.Mutex
	pending  map[string]chan ipc.BridgeResult
	answers  map[string]chan string
	cancelEr error
	timeout  time.Duration
}

// NewBridge creates a bridge that emits frames through send (the outbox).
func NewBridge(send func(ipc.Message) bool) *Bridge {
	return &Bridge{
		send:    send,
		pending: make(map[string]chan ipc.BridgeResult),
		answers: make(map[string]chan string),
		timeout: bridgeTimeout,
	}
}

// Request performs one correlated exchange with the gateway.
func (b *Bridge) Request(ctx context.Context, action ipc.BridgeAction) (ipc.BridgeResult, error) {
	id := ulid.Make().String()
	ch := make(chan ipc.BridgeResult, 1)

	b.mu.Lock()
	if b.cancelEr != nil {
		err := b.cancelEr
		b.mu.Unlock()
		return ipc.BridgeResult{}, err
	}
	b.pending[id] = ch
	b.mu.Unlock()
	defer b.forget(id)

	if !b.send(ipc.BridgeRequest{RequestID: id, Action: action}) {
		return ipc.BridgeResult{}, fmt.Errorf("bridge send failed: outbox closed")
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case result, ok := <-ch:
		if !ok {
			return ipc.BridgeResult{}, fmt.Errorf("%w: bridge request %s", domain.ErrCancelled, action.Kind)
		}
		return result, nil
	case <-ctx.Done():
		return ipc.BridgeResult{}, fmt.Errorf("%w: bridge request %s", domain.ErrCancelled, action.Kind)
	case <-timer.C:
		return ipc.BridgeResult{}, fmt.Errorf("%w: bridge request %s after %s", domain.ErrTimeout, action.Kind, b.timeout)
	}
}

// Ask sends a Question frame and, when blocking, waits for the Answer.
// A non-blocking question returns immediately after the frame is queued.
func (b *Bridge) Ask(ctx context.Context, question, questionContext string, blocking bool) (string, error) {
	id := ulid.Make().String()

	var ch chan string
	if blocking {
		ch = make(chan string, 1)
		b.mu.Lock()
		if b.cancelEr != nil {
			err := b.cancelEr
			b.mu.Unlock()
			return "", err
		}
		b.answers[id] = ch
		b.mu.Unlock()
		defer b.forgetAnswer(id)
	}

	ok := b.send(ipc.Question{
		QuestionID: id,
		Question:   question,
		Context:    questionContext,
		Blocking:   blocking,
	})
	if !ok {
		return "", fmt.Errorf("question send failed: outbox closed")
	}
	if !blocking {
		return "Question sent to the orchestrator. Continuing without waiting for a reply.", nil
	}

	// Blocking questions have no deadline: the worker suspends until the
	// orchestrator answers or the turn is cancelled.
	select {
	case answer, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("%w: question abandoned", domain.ErrCancelled)
		}
		return answer, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: question abandoned", domain.ErrCancelled)
	}
}

// Deliver routes a BridgeResponse to its waiting caller. Unmatched
// responses are dropped.
func (b *Bridge) Deliver(resp ipc.BridgeResponse) bool {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	delete(b.pending, resp.RequestID)
	b.mu.Unlock()
	if ok {
		ch <- resp.Result
	}
	return ok
}

// DeliverAnswer routes an Answer frame to its blocked Ask caller.
func (b *Bridge) DeliverAnswer(ans ipc.Answer) bool {
	b.mu.Lock()
	ch, ok := b.answers[ans.QuestionID]
	delete(b.answers, ans.QuestionID)
	b.mu.Unlock()
	if ok {
		ch <- ans.AnswerText
	}
	return ok
}

// CancelAll fails every pending wait and all future requests.
func (b *Bridge) CancelAll(reason string) {
	err := fmt.Errorf("%w: %s", domain.ErrCancelled, reason)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelEr = err
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	for id, ch := range b.answers {
		close(ch)
		delete(b.answers, id)
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) forgetAnswer(id string) {
	b.mu.Lock()
	delete(b.answers, id)
	b.mu.Unlock()
}
