// Package agent implements the session/turn engine: per-conversation state,
// the submission queue, the turn loop driving the model and tools, and the
// conversation manager.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/codexd/internal/config"
	"github.com/haasonsaas/codexd/internal/history"
	"github.com/haasonsaas/codexd/internal/hooks"
	"github.com/haasonsaas/codexd/internal/mcp"
	"github.com/haasonsaas/codexd/internal/notify"
	"github.com/haasonsaas/codexd/internal/observability"
	"github.com/haasonsaas/codexd/internal/provider"
	"github.com/haasonsaas/codexd/internal/rollout"
	"github.com/haasonsaas/codexd/internal/sandbox"
	"github.com/haasonsaas/codexd/internal/tools"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// ModelClient is the provider surface the turn engine consumes.
type ModelClient interface {
	Stream(ctx context.Context, req *provider.Request) (<-chan provider.ResponseEvent, error)
	RateLimits() *protocol.RateLimitSnapshot
}

// ErrSessionClosed is returned by Submit and NextEvent after shutdown.
var ErrSessionClosed = errors.New("session closed")

const (
	eventBufferSize      = 256
	submissionBufferSize = 64
)

// turnDefaults is the per-turn context applied when a UserInput does not
// override it.
type turnDefaults struct {
	cwd      string
	approval protocol.ApprovalPolicy
	sandbox  protocol.SandboxPolicy
	model    string
	effort   string
	summary  string
}

// queuedTurn is a user submission waiting for the active turn to finish.
type queuedTurn struct {
	subID  string
	items  []protocol.InputItem
	tc     turnDefaults
	schema []byte
}

type turnOutcome struct {
	outcome string // complete | aborted | errored
}

// Session owns one conversation: its transcript, services, pending
// approvals, and the submission/event streams. At most one turn is active at
// a time.
type Session struct {
	id  protocol.ConversationID
	cfg config.Config

	model      ModelClient
	registry   *tools.Registry
	hookRunner *hooks.Runner
	recorder   *rollout.Recorder
	mcpManager *mcp.ConnectionManager
	notifier   *notify.Notifier
	historyLog *history.Appender
	metrics    *observability.Metrics
	logger     *slog.Logger

	events      chan protocol.Event
	submissions chan protocol.Submission

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu               sync.Mutex
	transcript       []protocol.ResponseItem
	approvedCommands map[string]struct{}
	pendingApprovals map[string]chan protocol.ReviewDecision
	defaults         turnDefaults
	usage            protocol.TokenUsage
	rateLimits       *protocol.RateLimitSnapshot
	currentSubID     string
	turnCancel       context.CancelFunc
	queued           []queuedTurn
	shutdownPending  bool
	closed           bool

	turnDone chan turnOutcome
	wg       sync.WaitGroup
}

// SpawnOptions configure a new session.
type SpawnOptions struct {
	Config config.Config

	// InitialHistory seeds the transcript for resumed or forked sessions.
	InitialHistory []protocol.ResponseItem

	// Model overrides the provider client; nil builds one from the config.
	Model ModelClient
}

// Spawn constructs a session, starts its services, and emits the
// SessionConfigured event as the first event of the stream.
func Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := protocol.ConversationID(uuid.NewString())
	rootCtx, rootCancel := context.WithCancel(context.Background())

	model := opts.Model
	if model == nil {
		model = provider.NewClient(cfg.BaseURL, cfg.APIKey)
	}

	var mcpManager *mcp.ConnectionManager
	if len(cfg.McpServers) > 0 {
		mcpManager = mcp.NewConnectionManager(ctx, mcpServerConfigs(cfg.McpServers))
	}

	var hookRunner *hooks.Runner
	if !cfg.Hooks.Empty() {
		hookRunner = hooks.NewRunner(cfg.Hooks)
	}

	runner := sandbox.Select(os.Getenv("CODEXD_LINUX_SANDBOX_EXE"))

	s := &Session{
		id:         id,
		cfg:        cfg,
		model:      model,
		registry:   tools.NewRegistry(hookRunner, runner, mcpManager, cfg.EnableWebSearch),
		hookRunner: hookRunner,
		mcpManager: mcpManager,
		notifier:   notify.New(cfg.Notify),
		historyLog: history.NewAppender(cfg.Home, cfg.History),
		metrics:    observability.NewMetrics(),
		logger:     slog.Default().With("component", "session", "conversation_id", string(id)),

		events:      make(chan protocol.Event, eventBufferSize),
		submissions: make(chan protocol.Submission, submissionBufferSize),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,

		transcript:       append([]protocol.ResponseItem(nil), opts.InitialHistory...),
		approvedCommands: make(map[string]struct{}),
		pendingApprovals: make(map[string]chan protocol.ReviewDecision),
		defaults: turnDefaults{
			cwd:      cfg.Cwd,
			approval: cfg.ApprovalPolicy,
			sandbox:  cfg.SandboxPolicy,
			model:    cfg.Model,
			effort:   cfg.Effort,
			summary:  "auto",
		},
		turnDone: make(chan turnOutcome, 1),
	}

	recorder, err := rollout.New(cfg.Home, rollout.SessionMeta{
		ConversationID:   id,
		Cwd:              cfg.Cwd,
		Originator:       originator(),
		InstructionsHash: instructionsHash(cfg.Instructions),
		Model:            cfg.Model,
	})
	if err != nil {
		// Persistence is best-effort; a session without a rollout still runs.
		s.logger.Error("failed to create rollout", "error", err)
	} else {
		s.recorder = recorder
		recorder.AddItems(opts.InitialHistory)
	}

	rolloutPath := ""
	if s.recorder != nil {
		rolloutPath = s.recorder.Path
	}
	s.events <- protocol.Event{
		ID: protocol.InitialSubmitID,
		Msg: protocol.EventMsg{
			Type: protocol.EventSessionConfigured,
			SessionConfigured: &protocol.SessionConfiguredEvent{
				SessionID:   id,
				Model:       cfg.Model,
				RolloutPath: rolloutPath,
			},
		},
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func mcpServerConfigs(servers map[string]config.McpServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(servers))
	for name, server := range servers {
		out = append(out, mcp.ServerConfig{
			Name:           name,
			Command:        server.Command,
			Args:           server.Args,
			Env:            server.Env,
			StartupTimeout: msToDuration(server.StartupTimeoutMs),
		})
	}
	return out
}

func originator() string {
	if v := os.Getenv(provider.OriginatorOverrideEnv); v != "" {
		return v
	}
	return "codexd"
}

// ID returns the conversation id.
func (s *Session) ID() protocol.ConversationID { return s.id }

// RolloutPath returns the session's rollout file, or "" when persistence is
// unavailable.
func (s *Session) RolloutPath() string {
	if s.recorder == nil {
		return ""
	}
	return s.recorder.Path
}

// Submit enqueues an op under a fresh submission id and returns that id.
// Interrupt bypasses the queue.
func (s *Session) Submit(op protocol.Op) (string, error) {
	subID := uuid.NewString()
	return subID, s.SubmitWithID(subID, op)
}

// SubmitWithID enqueues an op under the caller's submission id.
func (s *Session) SubmitWithID(subID string, op protocol.Op) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if op.Type == protocol.OpInterrupt {
		cancel := s.turnCancel
		s.queued = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	s.mu.Unlock()

	select {
	case s.submissions <- protocol.Submission{ID: subID, Op: op}:
		return nil
	case <-s.rootCtx.Done():
		return ErrSessionClosed
	}
}

// NextEvent returns the next outbound event, blocking until one is
// available. It returns ErrSessionClosed once the stream ends.
func (s *Session) NextEvent(ctx context.Context) (protocol.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return protocol.Event{}, ErrSessionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

// History returns a snapshot of the transcript.
func (s *Session) History() []protocol.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ResponseItem(nil), s.transcript...)
}

// run is the submission loop: it serializes all state mutation and enforces
// the one-turn-at-a-time rule.
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case sub := <-s.submissions:
			if s.handle(sub) {
				return
			}
		case outcome := <-s.turnDone:
			if s.finishTurn(outcome) {
				return
			}
		}
	}
}

// handle processes one submission; it returns true when the loop must exit.
func (s *Session) handle(sub protocol.Submission) bool {
	switch sub.Op.Type {
	case protocol.OpUserInput:
		if sub.Op.UserInput == nil {
			s.sendError(sub.ID, "user_input payload missing")
			return false
		}
		s.mu.Lock()
		tc := s.defaults
		s.mu.Unlock()
		s.startOrQueue(queuedTurn{subID: sub.ID, items: sub.Op.UserInput.Items, tc: tc})

	case protocol.OpUserTurn:
		turn := sub.Op.UserTurn
		if turn == nil {
			s.sendError(sub.ID, "user_turn payload missing")
			return false
		}
		tc := turnDefaults{
			cwd:      turn.Cwd,
			approval: turn.ApprovalPolicy,
			sandbox:  turn.SandboxPolicy,
			model:    turn.Model,
			effort:   turn.Effort,
			summary:  turn.Summary,
		}
		s.fillDefaults(&tc)
		s.startOrQueue(queuedTurn{subID: sub.ID, items: turn.Items, tc: tc, schema: turn.FinalOutputJSONSchema})

	case protocol.OpExecApproval, protocol.OpPatchApproval:
		approval := sub.Op.ExecApproval
		if sub.Op.Type == protocol.OpPatchApproval {
			approval = sub.Op.PatchApproval
		}
		if approval == nil {
			s.sendError(sub.ID, "approval payload missing")
			return false
		}
		s.resolveApproval(approval.CallID, approval.Decision)

	case protocol.OpInterrupt:
		// Normally intercepted in SubmitWithID; honor it here too.
		s.mu.Lock()
		cancel := s.turnCancel
		s.queued = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case protocol.OpGetHistory:
		s.sendEvent(sub.ID, protocol.EventMsg{
			Type: protocol.EventConversationHistory,
			ConversationHistory: &protocol.ConversationHistoryEvent{
				ConversationID: s.id,
				Entries:        s.History(),
			},
		})

	case protocol.OpOverrideTurnContext:
		s.applyOverride(sub.Op.OverrideTurnContext)

	case protocol.OpAddToHistory:
		if sub.Op.AddToHistory == nil {
			return false
		}
		if err := s.historyLog.Append(s.id, sub.Op.AddToHistory.Text); err != nil {
			s.logger.Warn("failed to append history", "error", err)
		}

	case protocol.OpCompact:
		s.compact(sub.ID)

	case protocol.OpShutdown:
		s.mu.Lock()
		active := s.turnCancel != nil
		s.shutdownPending = true
		s.mu.Unlock()
		if !active {
			s.teardown()
			return true
		}

	default:
		s.sendError(sub.ID, fmt.Sprintf("unknown op type %q", sub.Op.Type))
	}
	return false
}

func (s *Session) fillDefaults(tc *turnDefaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc.cwd == "" {
		tc.cwd = s.defaults.cwd
	}
	if tc.approval == "" {
		tc.approval = s.defaults.approval
	}
	if tc.sandbox.Mode == "" {
		tc.sandbox = s.defaults.sandbox
	}
	if tc.model == "" {
		tc.model = s.defaults.model
	}
	if tc.effort == "" {
		tc.effort = s.defaults.effort
	}
	if tc.summary == "" {
		tc.summary = s.defaults.summary
	}
}

func (s *Session) applyOverride(o *protocol.OverrideTurnContextOp) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Cwd != nil {
		s.defaults.cwd = *o.Cwd
	}
	if o.ApprovalPolicy != nil {
		s.defaults.approval = *o.ApprovalPolicy
	}
	if o.SandboxPolicy != nil {
		s.defaults.sandbox = *o.SandboxPolicy
	}
	if o.Model != nil {
		s.defaults.model = *o.Model
	}
	if o.Effort != nil {
		s.defaults.effort = *o.Effort
	}
	if o.Summary != nil {
		s.defaults.summary = *o.Summary
	}
}

// startOrQueue starts a turn now or queues it behind the active one.
func (s *Session) startOrQueue(turn queuedTurn) {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.queued = append(s.queued, turn)
		s.mu.Unlock()
		return
	}
	turnCtx, cancel := context.WithCancel(s.rootCtx)
	s.turnCancel = cancel
	s.currentSubID = turn.subID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome := s.runTurn(turnCtx, turn)
		s.turnDone <- turnOutcome{outcome: outcome}
	}()
}

// finishTurn clears turn state, denies leftover approvals, and starts the
// next queued turn. It returns true when the loop must exit for shutdown.
func (s *Session) finishTurn(turnOutcome) bool {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.currentSubID = ""
	for callID, ch := range s.pendingApprovals {
		// A pending approval must not outlive its turn.
		select {
		case ch <- protocol.ReviewAbort:
		default:
		}
		delete(s.pendingApprovals, callID)
	}
	shutdown := s.shutdownPending
	var next *queuedTurn
	if !shutdown && len(s.queued) > 0 {
		head := s.queued[0]
		s.queued = s.queued[1:]
		next = &head
	}
	s.mu.Unlock()

	if shutdown {
		s.teardown()
		return true
	}
	if next != nil {
		s.startOrQueue(*next)
	}
	return false
}

func (s *Session) teardown() {
	if s.recorder != nil {
		if err := s.recorder.Shutdown(context.Background()); err != nil {
			s.logger.Warn("rollout shutdown failed", "error", err)
		}
	}
	if s.mcpManager != nil {
		s.mcpManager.Close()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rootCancel()
	close(s.events)
}

// Close shuts the session down without waiting for a Shutdown op. Used by
// the conversation manager when removing a session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.SubmitWithID(uuid.NewString(), protocol.Op{Type: protocol.OpInterrupt})
	_ = s.SubmitWithID(uuid.NewString(), protocol.Op{Type: protocol.OpShutdown})
	s.wg.Wait()
}

// resolveApproval completes a pending approval; unknown call ids are logged
// and dropped so out-of-order or duplicate resolutions stay harmless.
func (s *Session) resolveApproval(callID string, decision protocol.ReviewDecision) {
	s.mu.Lock()
	ch, ok := s.pendingApprovals[callID]
	if ok {
		delete(s.pendingApprovals, callID)
	}
	cancel := s.turnCancel
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("approval for unknown call", "call_id", callID)
		return
	}
	select {
	case ch <- decision:
	default:
	}
	if decision == protocol.ReviewAbort && cancel != nil {
		cancel()
	}
}

// compact truncates the transcript to the suffix starting at the most
// recent user message and reports the result.
func (s *Session) compact(subID string) {
	s.mu.Lock()
	cut := 0
	for i := len(s.transcript) - 1; i >= 0; i-- {
		item := s.transcript[i]
		if item.Type == protocol.ItemMessage && item.Message.Role == "user" {
			cut = i
			break
		}
	}
	s.transcript = append([]protocol.ResponseItem(nil), s.transcript[cut:]...)
	entries := append([]protocol.ResponseItem(nil), s.transcript...)
	s.mu.Unlock()

	s.sendEvent(subID, protocol.EventMsg{
		Type: protocol.EventConversationHistory,
		ConversationHistory: &protocol.ConversationHistoryEvent{
			ConversationID: s.id,
			Entries:        entries,
		},
	})
}

// sendEvent emits one event on the outbound stream.
func (s *Session) sendEvent(subID string, msg protocol.EventMsg) {
	select {
	case s.events <- protocol.Event{ID: subID, Msg: msg}:
	case <-s.rootCtx.Done():
	}
}

func (s *Session) sendError(subID, message string) {
	s.metrics.Errors.WithLabelValues("session").Inc()
	s.sendEvent(subID, protocol.EventMsg{
		Type:  protocol.EventError,
		Error: &protocol.ErrorEvent{Message: message},
	})
}

// appendItems records items in the transcript and the rollout, in order.
func (s *Session) appendItems(items ...protocol.ResponseItem) {
	s.mu.Lock()
	s.transcript = append(s.transcript, items...)
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.AddItems(items)
	}
}

func commandKey(command []string) string {
	return strings.Join(command, "\x00")
}

// IsCommandApprovedForSession implements tools.Host.
func (s *Session) IsCommandApprovedForSession(command []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.approvedCommands[commandKey(command)]
	return ok
}

// RememberSessionApproval implements tools.Host.
func (s *Session) RememberSessionApproval(command []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvedCommands[commandKey(command)] = struct{}{}
}

// SendEvent implements tools.Host for the active turn.
func (s *Session) SendEvent(_ context.Context, msg protocol.EventMsg) {
	s.mu.Lock()
	subID := s.currentSubID
	s.mu.Unlock()
	s.sendEvent(subID, msg)
}

// RequestExecApproval implements tools.Host: it parks the turn until the
// user answers or the turn is interrupted.
func (s *Session) RequestExecApproval(ctx context.Context, ev protocol.ExecApprovalRequestEvent) protocol.ReviewDecision {
	return s.awaitApproval(ctx, ev.CallID, protocol.EventMsg{
		Type:                protocol.EventExecApprovalRequest,
		ExecApprovalRequest: &ev,
	})
}

// RequestPatchApproval implements tools.Host.
func (s *Session) RequestPatchApproval(ctx context.Context, ev protocol.PatchApprovalRequestEvent) protocol.ReviewDecision {
	return s.awaitApproval(ctx, ev.CallID, protocol.EventMsg{
		Type:                 protocol.EventPatchApprovalRequest,
		PatchApprovalRequest: &ev,
	})
}

func (s *Session) awaitApproval(ctx context.Context, callID string, request protocol.EventMsg) protocol.ReviewDecision {
	ch := make(chan protocol.ReviewDecision, 1)
	s.mu.Lock()
	s.pendingApprovals[callID] = ch
	subID := s.currentSubID
	s.mu.Unlock()

	s.sendEvent(subID, request)

	select {
	case decision := <-ch:
		return decision
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingApprovals, callID)
		s.mu.Unlock()
		return protocol.ReviewAbort
	}
}
