package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
)

// frameSink records frames the bridge sends outward.
type frameSink struct {
	mu     sync.Mutex
	frames []ipc.Message
	ok     bool
}

func newFrameSink() *frameSink { return &frameSink{ok: true} }

func (s *frameSink) send(m ipc.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		s.frames = append(s.frames, m)
	}
	return s.ok
}

func (s *frameSink) lastRequest(t *testing.T) ipc.BridgeRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	req, ok := s.frames[len(s.frames)-1].(ipc.BridgeRequest)
	require.True(t, ok)
	return req
}

func (s *frameSink) lastQuestion(t *testing.T) ipc.Question {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	q, ok := s.frames[len(s.frames)-1].(ipc.Question)
	require.True(t, ok)
	return q
}

func TestBridgeRequestResponseCorrelation(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	done := make(chan ipc.BridgeResult, 1)
	go func() {
		result, err := b.Request(context.Background(), ipc.BridgeAction{Kind: ipc.ActionSpawnWorker, Task: "X"})
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the request frame, then answer it by id.
	var req ipc.BridgeRequest
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		if len(sink.frames) == 0 {
			return false
		}
		req = sink.frames[0].(ipc.BridgeRequest)
		return true
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, req.RequestID)

	// A response with the wrong id is ignored.
	assert.False(t, b.Deliver(ipc.BridgeResponse{RequestID: "nope", Result: ipc.Errorf("wrong")}))

	require.True(t, b.Deliver(ipc.BridgeResponse{
		RequestID: req.RequestID,
		Result:    ipc.BridgeResult{Kind: ipc.ResultWorkerSpawned, SessionKey: "worker:1234abcd"},
	}))

	select {
	case result := <-done:
		assert.Equal(t, ipc.ResultWorkerSpawned, result.Kind)
		assert.Equal(t, "worker:1234abcd", result.SessionKey)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestBridgeRequestTimeout(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)
	b.timeout = 20 * time.Millisecond

	_, err := b.Request(context.Background(), ipc.BridgeAction{Kind: ipc.ActionExecList})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestBridgeRequestCancelledByContext(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.Request(ctx, ipc.BridgeAction{Kind: ipc.ActionExecList})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestBridgeCancelAllFailsPendingAndFuture(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), ipc.BridgeAction{Kind: ipc.ActionExecList})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.frames) == 1
	}, time.Second, 5*time.Millisecond)

	b.CancelAll("turn cancelled")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request not cancelled")
	}

	_, err := b.Request(context.Background(), ipc.BridgeAction{Kind: ipc.ActionExecList})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestAskNonBlockingReturnsImmediately(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	answer, err := b.Ask(context.Background(), "which branch?", "deploying", false)
	require.NoError(t, err)
	assert.Contains(t, answer, "without waiting")

	q := sink.lastQuestion(t)
	assert.False(t, q.Blocking)
	assert.Equal(t, "which branch?", q.Question)
}

func TestAskBlockingWaitsForAnswer(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	done := make(chan string, 1)
	go func() {
		answer, err := b.Ask(context.Background(), "Y?", "ctx", true)
		require.NoError(t, err)
		done <- answer
	}()

	var q ipc.Question
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		if len(sink.frames) == 0 {
			return false
		}
		q = sink.frames[0].(ipc.Question)
		return true
	}, time.Second, 5*time.Millisecond)
	assert.True(t, q.Blocking)

	// Not resolved yet.
	select {
	case <-done:
		t.Fatal("blocking ask returned before answer")
	case <-time.After(30 * time.Millisecond):
	}

	require.True(t, b.DeliverAnswer(ipc.Answer{QuestionID: q.QuestionID, AnswerText: "Z"}))
	select {
	case answer := <-done:
		assert.Equal(t, "Z", answer)
	case <-time.After(time.Second):
		t.Fatal("answer not delivered")
	}
}

func TestAskBlockingCancelled(t *testing.T) {
	sink := newFrameSink()
	b := NewBridge(sink.send)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), "Y?", "ctx", true)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.frames) == 1
	}, time.Second, 5*time.Millisecond)

	b.CancelAll("turn cancelled")
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("blocking ask not cancelled")
	}
}
