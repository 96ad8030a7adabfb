package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/policy"
)

// turnHandle is the gateway's grip on one live turn: a way to push frames
// to the agent and a way to cancel it. Lifecycle commands accept session
// ids and resolve through the manager; nothing holds agent back-pointers.
type turnHandle struct {
	sessionID  uuid.UUID
	sessionKey string
	kind       domain.SessionKind

	// policies is the turn's immutable Init-time snapshot; workers
	// spawned from this turn inherit it rather than the live rule set.
	policies []policy.PathPolicy

	send   func(ipc.Message) error
	cancel func(reason string)

	// Deadline bookkeeping: paused workers stop the clock.
	mu        sync.Mutex
	paused    bool
	remaining time.Duration
	started   time.Time
	timer     *time.Timer
}

// pauseDeadline freezes the remaining turn budget.
func (h *turnHandle) pauseDeadline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.timer == nil {
		h.paused = true
		return
	}
	h.paused = true
	h.timer.Stop()
	elapsed := time.Since(h.started)
	if elapsed < h.remaining {
		h.remaining -= elapsed
	} else {
		h.remaining = 0
	}
}

// resumeDeadline restarts the clock with whatever budget was left.
func (h *turnHandle) resumeDeadline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	if h.timer != nil {
		h.started = time.Now()
		h.timer.Reset(h.remaining)
	}
}

func (h *turnHandle) armDeadline(d time.Duration, onExpire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remaining = d
	h.started = time.Now()
	h.timer = time.AfterFunc(d, onExpire)
	if h.paused {
		h.timer.Stop()
	}
}

func (h *turnHandle) stopDeadline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
}

// SessionManager enforces the single-writer-per-session rule: at most one
// live turn per session, with further user messages queued FIFO.
type SessionManager struct {
	mu      sync.Mutex
	busy    map[uuid.UUID]bool
	queues  map[uuid.UUID][]string
	handles map[uuid.UUID]*turnHandle
	byKey   map[string]uuid.UUID
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		busy:    make(map[uuid.UUID]bool),
		queues:  make(map[uuid.UUID][]string),
		handles: make(map[uuid.UUID]*turnHandle),
		byKey:   make(map[string]uuid.UUID),
	}
}

// Begin claims the session for a turn. When the session is already busy
// the content is queued and Begin returns false.
func (m *SessionManager) Begin(sessionID uuid.UUID, content string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[sessionID] {
		m.queues[sessionID] = append(m.queues[sessionID], content)
		return false
	}
	m.busy[sessionID] = true
	return true
}

// Finish releases the session and returns the next queued message, if any.
func (m *SessionManager) Finish(sessionID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[sessionID]
	if len(queue) > 0 {
		next := queue[0]
		m.queues[sessionID] = queue[1:]
		return next, true // session stays busy for the queued turn
	}
	delete(m.busy, sessionID)
	return "", false
}

// Register exposes a live turn's handle for lifecycle commands.
func (m *SessionManager) Register(h *turnHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.sessionID] = h
	m.byKey[h.sessionKey] = h.sessionID
}

// Unregister drops a finished turn's handle.
func (m *SessionManager) Unregister(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[sessionID]; ok {
		delete(m.byKey, h.sessionKey)
		delete(m.handles, sessionID)
	}
}

// Handle resolves a live turn by session id.
func (m *SessionManager) Handle(sessionID uuid.UUID) (*turnHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// HandleByKey resolves a live turn by session key.
func (m *SessionManager) HandleByKey(key string) (*turnHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	h, ok := m.handles[id]
	return h, ok
}

// Handles snapshots all live turn handles.
func (m *SessionManager) Handles() []*turnHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*turnHandle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// LiveWorkerCount counts running worker turns, for the spawn ceiling.
func (m *SessionManager) LiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.kind == domain.KindWorker {
			n++
		}
	}
	return n
}
