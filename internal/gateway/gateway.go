// Package gateway implements the long-lived runtime coordinator: the typed
// command surface consumed by the shell, session management with one live
// turn per session, the process supervisor for per-turn agents, and the
// event fan-out to external subscribers.
//
// Initialization order is Store → EventBus → IPC namespace → Supervisor →
// SessionManager → command surface; teardown reverses it with a bounded
// grace period.
package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/batchismo/batchismo/internal/bus"
	"github.com/batchismo/batchismo/internal/config"
	"github.com/batchismo/batchismo/internal/domain"
	"github.com/batchismo/batchismo/internal/ipc"
	"github.com/batchismo/batchismo/internal/policy"
	"github.com/batchismo/batchismo/internal/store"
	"github.com/batchismo/batchismo/internal/workspace"
)

// drainTimeout bounds how long Close waits for in-flight turns.
const drainTimeout = 5 * time.Second

// ToolInfo describes one registered tool for the settings surface.
type ToolInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Gateway is the single per-data-root runtime instance.
type Gateway struct {
	root   string
	logger *zap.Logger

	store      *store.Store
	events     *bus.Bus
	ws         *workspace.Workspace
	procs      *ProcessTable
	supervisor *Supervisor
	sessions   *SessionManager

	cfgMu sync.RWMutex
	cfg   *config.Config

	activeMu  sync.Mutex
	activeKey string

	qMu       sync.Mutex
	questions map[string]domain.PendingQuestion

	turns     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	closeOnce sync.Once
}

// New opens the gateway over a data root. The launcher may be nil, in
// which case agents are spawned by re-executing the host binary.
func New(root string, cfg *config.Config, launcher AgentLauncher, logger *zap.Logger) (*Gateway, error) {
	st, err := store.Open(config.StorePath(root))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// The bus comes right after the store; its drop hook audits through g,
	// which is assigned below.
	var g *Gateway
	events := bus.New(func(sessionKey string, dropped int) {
		g.audit(domain.AuditWarn, domain.AuditEvents, "event_dropped",
			fmt.Sprintf("Subscriber overflow on %s (%d dropped)", sessionKey, dropped), "", "")
	})

	ws, err := workspace.New(config.WorkspacePath(root), logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := ws.EnsureDefaults(cfg.Agent.Name); err != nil {
		st.Close()
		return nil, err
	}
	if err := os.MkdirAll(config.IPCPath(root), 0o700); err != nil {
		st.Close()
		return nil, fmt.Errorf("create ipc dir: %w", err)
	}

	if launcher == nil {
		launcher = NewExecLauncher(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g = &Gateway{
		root:       root,
		logger:     logger,
		store:      st,
		events:     events,
		ws:         ws,
		procs:      NewProcessTable(logger),
		supervisor: NewSupervisor(launcher, logger),
		sessions:   NewSessionManager(),
		cfg:        cfg,
		activeKey:  domain.MainSessionKey,
		questions:  make(map[string]domain.PendingQuestion),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Seed policies from config the first time; the store is authoritative
	// afterwards.
	if rules, err := st.ListPolicies(ctx); err == nil && len(rules) == 0 {
		for _, rule := range cfg.Paths {
			if _, err := st.PutPolicy(ctx, rule); err != nil {
				logger.Warn("seed policy failed", zap.String("path", rule.Path), zap.Error(err))
			}
		}
	}

	// Surface out-of-band workspace edits as audit events.
	stop, err := ws.Watch(func(name string) {
		g.audit(domain.AuditInfo, domain.AuditConfig, "workspace_edit",
			"Workspace file changed on disk: "+name, "", "")
	})
	if err != nil {
		logger.Warn("workspace watch unavailable", zap.Error(err))
	} else {
		g.stopWatch = stop
	}

	if _, err := ws.SweepHistory(); err != nil {
		logger.Warn("history sweep failed", zap.Error(err))
	}

	return g, nil
}

// Close drains in-flight turns with a bounded grace period, then tears
// everything down in reverse initialization order.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.cancel()
		for _, h := range g.sessions.Handles() {
			h.cancel("gateway shutting down")
		}

		done := make(chan struct{})
		go func() {
			g.turns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			g.logger.Warn("turn drain timed out; killing agents")
		}

		g.supervisor.Shutdown()
		g.procs.KillAll()
		if g.stopWatch != nil {
			g.stopWatch()
		}
		g.events.Close()
		if err := g.store.Close(); err != nil {
			g.logger.Warn("store close failed", zap.Error(err))
		}
	})
	return nil
}

// Subscribe attaches an event-bus subscriber.
func (g *Gateway) Subscribe() *bus.Subscriber { return g.events.Subscribe() }

// ─── Command surface ────────────────────────────────────────────────────────

// SendMessage routes a user message to the session behind key, starting a
// turn (or queueing when the session is busy). Returns immediately; events
// arrive on the bus.
func (g *Gateway) SendMessage(ctx context.Context, key, content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	if err := g.ctx.Err(); err != nil {
		return fmt.Errorf("%w: gateway is shutting down", domain.ErrCancelled)
	}

	sess, err := g.getOrCreateSession(ctx, key)
	if err != nil {
		return err
	}

	g.audit(domain.AuditInfo, domain.AuditGateway, "user_message",
		fmt.Sprintf("User message received (%d chars)", len(content)), sess.ID.String(), "")

	if !g.sessions.Begin(sess.ID, content) {
		g.logger.Info("session busy; message queued", zap.String("key", key))
		return nil
	}
	g.startTurn(sess, content, nil)
	return nil
}

// startTurn launches the turn goroutine for a claimed session.
func (g *Gateway) startTurn(sess *domain.Session, content string, policySnapshot []policy.PathPolicy) {
	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		g.runTurn(sess, content, policySnapshot)

		// FIFO-drain any messages queued while this turn ran.
		if next, ok := g.sessions.Finish(sess.ID); ok {
			fresh, err := g.store.GetSession(g.ctx, sess.ID)
			if err != nil || fresh == nil {
				g.sessions.Finish(sess.ID)
				return
			}
			g.startTurn(fresh, next, nil)
		}
	}()
}

// ListSessions returns all main sessions.
func (g *Gateway) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return g.store.ListSessions(ctx)
}

// CreateSession creates a named session.
func (g *Gateway) CreateSession(ctx context.Context, key string) (*domain.Session, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty session key", domain.ErrInvalidInput)
	}
	return g.store.CreateSession(ctx, key, g.config().Agent.Model)
}

// SwitchSession makes key the active session, creating it if needed.
func (g *Gateway) SwitchSession(ctx context.Context, key string) (*domain.Session, error) {
	sess, err := g.getOrCreateSession(ctx, key)
	if err != nil {
		return nil, err
	}
	g.activeMu.Lock()
	g.activeKey = key
	g.activeMu.Unlock()
	return sess, nil
}

// ActiveSessionKey returns the currently active session key.
func (g *Gateway) ActiveSessionKey() string {
	g.activeMu.Lock()
	defer g.activeMu.Unlock()
	return g.activeKey
}

// GetSession resolves a session by key.
func (g *Gateway) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	sess, err := g.store.GetSessionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session %q", domain.ErrInvalidInput, key)
	}
	return sess, nil
}

// GetHistory returns a session's ordered messages.
func (g *Gateway) GetHistory(ctx context.Context, key string) ([]domain.Message, error) {
	sess, err := g.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	return g.store.ListMessages(ctx, sess.ID)
}

// DeleteSession removes a session. The main session is protected.
func (g *Gateway) DeleteSession(ctx context.Context, key string) error {
	if key == domain.MainSessionKey {
		return fmt.Errorf("%w: cannot delete the main session", domain.ErrInvalidInput)
	}
	sess, err := g.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if err := g.store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	g.activeMu.Lock()
	if g.activeKey == key {
		g.activeKey = domain.MainSessionKey
	}
	g.activeMu.Unlock()
	return nil
}

// ListPolicies returns the stored path-policy rules.
func (g *Gateway) ListPolicies(ctx context.Context) ([]policy.PathPolicy, error) {
	return g.store.ListPolicies(ctx)
}

// AddPolicy stores a rule. Affects subsequent turns only.
func (g *Gateway) AddPolicy(ctx context.Context, rule policy.PathPolicy) (policy.PathPolicy, error) {
	stored, err := g.store.PutPolicy(ctx, rule)
	if err != nil {
		return stored, err
	}
	g.audit(domain.AuditInfo, domain.AuditPolicy, "policy_added",
		fmt.Sprintf("Path policy added: %s [%s]", rule.Path, rule.Access), "", "")
	return stored, nil
}

// DeletePolicy removes a rule by id.
func (g *Gateway) DeletePolicy(ctx context.Context, id int64) error {
	if err := g.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	g.audit(domain.AuditInfo, domain.AuditPolicy, "policy_deleted",
		fmt.Sprintf("Path policy %d deleted", id), "", "")
	return nil
}

// ListTools describes the worker tools and their enabled state.
func (g *Gateway) ListTools() []ToolInfo {
	disabled := g.config().DisabledToolSet()
	known := []struct{ name, display, desc string }{
		{"fs_read", "Read File", "Read the contents of a file on disk."},
		{"fs_write", "Write File", "Write or create files on disk."},
		{"fs_list", "List Directory", "List the contents of a directory."},
		{"fs_move", "Move File", "Move or rename a file."},
		{"fs_search", "Find Files", "Find files matching a glob pattern."},
		{"fs_stat", "File Info", "Get metadata for a file or directory."},
		{"web_fetch", "Fetch URL", "Fetch content from a web URL."},
		{"shell_run", "Run Command", "Execute a shell command and return output."},
		{"exec_run", "Start Process", "Start a process (foreground or background)."},
		{"exec_output", "Process Output", "Get output from a background process."},
		{"exec_write", "Process Stdin", "Write to stdin of a background process."},
		{"exec_kill", "Kill Process", "Kill a running background process."},
		{"exec_list", "List Processes", "List all managed processes."},
		{"ask_orchestrator", "Ask Orchestrator", "Let workers ask their orchestrator questions."},
	}
	out := make([]ToolInfo, 0, len(known))
	for _, k := range known {
		out = append(out, ToolInfo{
			Name: k.name, DisplayName: k.display, Description: k.desc,
			Enabled: !disabled[k.name],
		})
	}
	return out
}

// ToggleTool enables or disables a tool, persisting the config.
func (g *Gateway) ToggleTool(name string, enabled bool) error {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	tools := g.cfg.Agent.DisabledTools[:0:0]
	for _, t := range g.cfg.Agent.DisabledTools {
		if t != name {
			tools = append(tools, t)
		}
	}
	if !enabled {
		tools = append(tools, name)
	}
	g.cfg.Agent.DisabledTools = tools
	return config.Save(g.root, g.cfg)
}

// GetConfig returns a copy of the live configuration.
func (g *Gateway) GetConfig() config.Config { return *g.config() }

// UpdateConfig replaces the configuration and persists it. Policy rules in
// the config are additive seeds; the store remains authoritative.
func (g *Gateway) UpdateConfig(cfg config.Config) error {
	if err := config.Save(g.root, &cfg); err != nil {
		return err
	}
	g.cfgMu.Lock()
	g.cfg = &cfg
	g.cfgMu.Unlock()
	g.audit(domain.AuditInfo, domain.AuditConfig, "config_updated", "Configuration updated", "", "")
	return nil
}

// ListSubagents lists worker records across all parents.
func (g *Gateway) ListSubagents(ctx context.Context) ([]domain.SubagentInfo, error) {
	return g.store.ListSubagents(ctx, uuid.Nil)
}

// PendingQuestions snapshots unanswered worker questions.
func (g *Gateway) PendingQuestions() []domain.PendingQuestion {
	g.qMu.Lock()
	defer g.qMu.Unlock()
	out := make([]domain.PendingQuestion, 0, len(g.questions))
	for _, q := range g.questions {
		out = append(out, q)
	}
	return out
}

// PauseWorker suspends a running worker by session key.
func (g *Gateway) PauseWorker(ctx context.Context, key string) error {
	return g.workerLifecycle(ctx, key, ipc.BridgeAction{Kind: ipc.ActionWorkerPause, SessionKey: key})
}

// ResumeWorker continues a paused worker.
func (g *Gateway) ResumeWorker(ctx context.Context, key string) error {
	return g.workerLifecycle(ctx, key, ipc.BridgeAction{Kind: ipc.ActionWorkerResume, SessionKey: key})
}

// InstructWorker injects an instruction into a running worker.
func (g *Gateway) InstructWorker(ctx context.Context, key, instruction string) error {
	return g.workerLifecycle(ctx, key, ipc.BridgeAction{Kind: ipc.ActionWorkerInstruct, SessionKey: key, Instruction: instruction})
}

// CancelWorker cancels a running worker.
func (g *Gateway) CancelWorker(ctx context.Context, key, reason string) error {
	return g.workerLifecycle(ctx, key, ipc.BridgeAction{Kind: ipc.ActionWorkerCancel, SessionKey: key, Reason: reason})
}

// CancelTurn cancels the live turn of any session (main or worker). The
// agent gets the grace period to finalize before it is killed.
func (g *Gateway) CancelTurn(key, reason string) error {
	handle, ok := g.sessions.HandleByKey(key)
	if !ok {
		return fmt.Errorf("%w: no running turn for session %q", domain.ErrInvalidInput, key)
	}
	if reason == "" {
		reason = "cancelled"
	}
	handle.cancel(reason)
	return nil
}

// AnswerWorker resolves a pending worker question.
func (g *Gateway) AnswerWorker(ctx context.Context, questionID, answer string) error {
	result := g.handleAnswerWorker(ipc.BridgeAction{Kind: ipc.ActionAnswerWorker, QuestionID: questionID, AnswerText: answer})
	return result.Err()
}

func (g *Gateway) workerLifecycle(ctx context.Context, key string, action ipc.BridgeAction) error {
	result := g.handleWorkerLifecycle(ctx, action)
	return result.Err()
}

// ListWorkspaceFiles lists the workspace markdown files.
func (g *Gateway) ListWorkspaceFiles() ([]workspace.FileInfo, error) { return g.ws.List() }

// ReadWorkspaceFile reads one workspace file.
func (g *Gateway) ReadWorkspaceFile(name string) (string, error) { return g.ws.Read(name) }

// WriteWorkspaceFile writes one workspace file, snapshotting the prior
// version into history.
func (g *Gateway) WriteWorkspaceFile(name, content string) error {
	if err := g.ws.Write(name, content); err != nil {
		return err
	}
	g.audit(domain.AuditInfo, domain.AuditConfig, "memory_update", "Memory file updated: "+name, "", "")
	return nil
}

// QueryAuditLog exposes the audit log to the viewer surface.
func (g *Gateway) QueryAuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return g.store.QueryAuditLog(ctx, filter)
}

// GetUsageStats returns aggregate token usage.
func (g *Gateway) GetUsageStats(ctx context.Context) (*store.UsageStats, error) {
	return g.store.GetUsageStats(ctx)
}

// ─── Internal helpers ───────────────────────────────────────────────────────

func (g *Gateway) config() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

func (g *Gateway) getOrCreateSession(ctx context.Context, key string) (*domain.Session, error) {
	if key == domain.MainSessionKey {
		return g.store.GetOrCreateMain(ctx, g.config().Agent.Model)
	}
	sess, err := g.store.GetSessionByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return g.store.CreateSession(ctx, key, g.config().Agent.Model)
}

// audit persists an audit entry and broadcasts it. Best-effort: logging
// must never fail a turn.
func (g *Gateway) audit(level domain.AuditLevel, category domain.AuditCategory, event, summary, sessionID, detailJSON string) {
	entry := domain.AuditEntry{
		Level: level, Category: category, Event: event,
		Summary: summary, SessionID: sessionID, DetailJSON: detailJSON,
	}
	if err := g.store.InsertAuditLog(context.Background(), entry); err != nil {
		g.logger.Warn("audit write failed", zap.Error(err))
	}
	g.events.Publish(bus.Event{
		SessionKey: sessionID,
		Message: ipc.AuditLog{
			Level: string(level), Category: string(category),
			Event: event, Summary: summary, DetailJSON: detailJSON,
		},
	})
}
