package agent

import (
	"sync"
)

// lifecycle tracks the inbound control frames a turn must honor between
// steps: pause/resume, cancellation, and queued instructions.
type lifecycle struct {
	mu           sync.Mutex
	cond         *sync.Cond
	paused       bool
	cancelled    bool
	cancelReason string
	instructions []string
}

func newLifecycle() *lifecycle {
	l := &lifecycle{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lifecycle) pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *lifecycle) resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *lifecycle) cancel(reason string) {
	l.mu.Lock()
	if !l.cancelled {
		l.cancelled = true
		if reason == "" {
			reason = "cancelled"
		}
		l.cancelReason = reason
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *lifecycle) instruct(content string) {
	l.mu.Lock()
	l.instructions = append(l.instructions, content)
	l.mu.Unlock()
}

// isCancelled reports cancellation and its reason.
func (l *lifecycle) isCancelled() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled, l.cancelReason
}

// waitIfPaused blocks while paused. Returns false when the turn was
// cancelled (whether before or during the pause).
func (l *lifecycle) waitIfPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.paused && !l.cancelled {
		l.cond.Wait()
	}
	return !l.cancelled
}

// drainInstructions returns and clears the queued instructions.
func (l *lifecycle) drainInstructions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.instructions
	l.instructions = nil
	return out
}
