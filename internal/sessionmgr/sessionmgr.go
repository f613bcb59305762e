// Package sessionmgr implements the single-active-session state machine
// that drives the Agent subprocess, merges browser input into its input
// stream, fans output out to every connected browser, and arbitrates
// tool-permission requests across the network boundary.
//
// The permission round-trip is grounded on the "CreatePermissionCallback"
// pattern from the example pack's xiaoyuanzhu-com session type: a
// per-request entry in a map guarded by its own mutex, holding a buffered
// response channel, broadcast as a request to every connected client, then
// a select between that channel and a session-lifetime "done" signal. The
// donor's "always allow" tool-remembering and message-cache/replay
// machinery is deliberately not carried over — the base contract has no
// replay-on-reconnect requirement and no always-allow semantics.
package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirenon/agent-gateway/internal/agentproc"
	"github.com/kirenon/agent-gateway/internal/store"
)

// State is one of the Session Manager's five states.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateWaitingPermission State = "waiting_permission"
	StateDone              State = "done"
	StateError             State = "error"
)

// ErrInvalidState is returned by StartSession when a session is already
// active.
var ErrInvalidState = errors.New("sessionmgr: invalid state for this operation")

// ErrNoActiveSession is returned by SendMessage when there is no running
// session to receive it.
var ErrNoActiveSession = errors.New("sessionmgr: no active session")

// Subscriber is anything that can receive a serialized event. The
// WebSocket-specific send logic (framing, write deadlines) lives entirely
// with the caller's implementation; the Session Manager only knows it can
// Send bytes and that failures are the caller's problem to clean up.
type Subscriber interface {
	Send(message []byte) error
}

type pendingPermission struct {
	toolName string
	ch       chan permissionResult
	timer    *time.Timer
}

type permissionResult struct {
	allow   bool
	message string
}

// activeSession holds everything scoped to one run of the Agent. A fresh
// one is created by StartSession and discarded on finalize; fields are
// never reused across sessions, which sidesteps races between a session
// ending and the next one starting.
type activeSession struct {
	id      string
	process *agentproc.Process
	// cancel is the session's abort handle: the context it cancels is the
	// one the subprocess was started under, scoped to the session's own
	// lifetime rather than to any one subscriber's request. Triggered by
	// Interrupt and by finalize.
	cancel  context.CancelFunc
	inputCh chan string
	doneCh  chan struct{}

	finalizeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]*pendingPermission

	// toolNamesMu guards toolNames, which remembers the tool name behind
	// each in-flight tool_use_id so a later tool_result (which the wire
	// protocol carries with no name of its own) can be reported as a
	// named tool_end event.
	toolNamesMu sync.Mutex
	toolNames   map[string]string
}

// Manager is the process-local singleton Session Manager.
type Manager struct {
	mu    sync.Mutex
	state State

	current      *activeSession
	totalCostUSD float64
	turnCount    int

	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}

	store       *store.Store
	wrapperPath string
	wrapperArgs []string

	permissionTimeout time.Duration
	idleSuspendWait   time.Duration
	idleTimer         *time.Timer
}

// Config configures a new Manager.
type Config struct {
	Store       *store.Store
	WrapperPath string
	// WrapperArgs are passed to WrapperPath on every launch. Production
	// wrapper programs typically take none; tests use this to exec a shell
	// script in place of a real wrapper.
	WrapperArgs       []string
	PermissionTimeout time.Duration
	IdleSuspendWait   time.Duration
}

// New returns an idle Manager.
func New(cfg Config) *Manager {
	return &Manager{
		state:             StateIdle,
		subscribers:       make(map[Subscriber]struct{}),
		store:             cfg.Store,
		wrapperPath:       cfg.WrapperPath,
		wrapperArgs:       cfg.WrapperArgs,
		permissionTimeout: cfg.PermissionTimeout,
		idleSuspendWait:   cfg.IdleSuspendWait,
	}
}

// GetState returns the current state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddSubscriber registers sub and immediately sends it the current state
// (and cost, if non-zero) so late joiners synchronize without replay.
func (m *Manager) AddSubscriber(sub Subscriber) {
	m.subMu.Lock()
	m.subscribers[sub] = struct{}{}
	m.subMu.Unlock()

	m.mu.Lock()
	state := m.state
	cost := m.totalCostUSD
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()

	_ = sub.Send(sessionStateEvent(state))
	if cost > 0 {
		_ = sub.Send(costEvent(cost))
	}
}

// RemoveSubscriber removes sub from the set. If the set becomes empty
// while a session is active, an idle-suspend timer is armed.
func (m *Manager) RemoveSubscriber(sub Subscriber) {
	m.subMu.Lock()
	delete(m.subscribers, sub)
	empty := len(m.subscribers) == 0
	m.subMu.Unlock()

	if empty {
		m.armIdleSuspend()
	}
}

// Broadcast serializes event and attempts delivery to every open
// subscriber. Individual send failures are swallowed; the connection will
// be cleaned up by its own close handler.
func (m *Manager) Broadcast(event []byte) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subscribers {
		if err := sub.Send(event); err != nil {
			slog.Debug("sessionmgr: broadcast to subscriber failed, leaving cleanup to its close handler", "error", err)
		}
	}
}

func (m *Manager) subscriberCount() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers)
}

// armIdleSuspend starts (or restarts) the timer that interrupts the
// active session if no subscriber reconnects before it fires. This is not
// part of the base state machine; it is a supplemental safeguard against
// leaving the Agent running unattended and unbounded.
func (m *Manager) armIdleSuspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning && m.state != StateWaitingPermission {
		return
	}
	if m.idleSuspendWait <= 0 {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.idleSuspendWait, func() {
		if m.subscriberCount() == 0 {
			slog.Info("sessionmgr: interrupting session after idle-suspend wait with no subscribers")
			m.Interrupt()
		}
	})
}

// StartSession transitions idle|done|error -> running, persists a new
// session record, and launches the Agent subprocess via the wrapper
// program with accessToken available through the environment. ctx governs
// only the call to StartSession itself (a cheap pre-flight cancellation
// check); the subprocess is launched under its own session-scoped context
// so that the caller's request context going away later - e.g. the
// initiating WebSocket connection closing - has no effect on the session.
func (m *Manager) StartSession(ctx context.Context, accessToken string) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateDone, StateError:
	default:
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sessionID := uuid.NewString()
	if err := m.store.CreateSession(sessionID, time.Now()); err != nil {
		return fmt.Errorf("sessionmgr: persist session record: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	env := append(os.Environ(), "AGENT_OAUTH_TOKEN="+accessToken)
	process, err := agentproc.Start(sessCtx, agentproc.Config{WrapperPath: m.wrapperPath, Args: m.wrapperArgs, Env: env})
	if err != nil {
		cancel()
		_ = m.store.FinalizeSession(sessionID, time.Now(), "error")
		return fmt.Errorf("sessionmgr: start agent process: %w", err)
	}

	sess := &activeSession{
		id:        sessionID,
		process:   process,
		cancel:    cancel,
		inputCh:   make(chan string, 64),
		doneCh:    make(chan struct{}),
		pending:   make(map[string]*pendingPermission),
		toolNames: make(map[string]string),
	}

	m.mu.Lock()
	m.current = sess
	m.state = StateRunning
	m.totalCostUSD = 0
	m.turnCount = 0
	m.mu.Unlock()

	go m.pumpInput(sess)
	go m.runOutputLoop(sess)

	m.Broadcast(sessionStateEvent(StateRunning))
	return nil
}

// SendMessage enqueues a user-turn record for the active session.
func (m *Manager) SendMessage(content string) error {
	m.mu.Lock()
	state := m.state
	sess := m.current
	m.mu.Unlock()

	if sess == nil || (state != StateRunning && state != StateWaitingPermission) {
		return ErrNoActiveSession
	}

	select {
	case sess.inputCh <- content:
		return nil
	case <-sess.doneCh:
		return ErrNoActiveSession
	}
}

// HandlePermissionResponse resolves a pending permission with allow/deny.
// A response with no matching pending permission is silently discarded
// (the client may be racing a timeout).
func (m *Manager) HandlePermissionResponse(id string, allow bool) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return
	}

	m.resolvePending(sess, id, permissionResult{allow: allow})
}

// Interrupt best-effort cancels the current Agent subprocess, via both the
// cooperative wrapper message and the session's abort handle, so that a
// wrapper that ignores the former is still torn down. Idempotent; never
// fails. Any permission left pending is resolved with an immediate deny:
// resolvePending's own waiting_permission -> running transition is
// harmless here, since cancelling the abort handle also ends the output
// loop and drives finalize, which moves the session on to done or error.
func (m *Manager) Interrupt() {
	m.mu.Lock()
	sess := m.current
	state := m.state
	m.mu.Unlock()
	if sess == nil {
		return
	}

	if state == StateWaitingPermission {
		sess.pendingMu.Lock()
		ids := make([]string, 0, len(sess.pending))
		for id := range sess.pending {
			ids = append(ids, id)
		}
		sess.pendingMu.Unlock()

		for _, id := range ids {
			m.resolvePending(sess, id, permissionResult{allow: false, message: "interrupted"})
		}
	}

	_ = sess.process.Interrupt()
	if sess.cancel != nil {
		sess.cancel()
	}
}

// resolvePending deletes and resolves the pending permission for id, if
// present. When that was the last pending permission for sess and sess is
// still the active session, it also completes the
// waiting_permission -> running transition and broadcasts the new state -
// this fires whether the permission was resolved by response, timeout, or
// interrupt, since all three reach this function. Reports whether a
// pending permission was found.
func (m *Manager) resolvePending(sess *activeSession, id string, result permissionResult) bool {
	sess.pendingMu.Lock()
	pp, ok := sess.pending[id]
	if ok {
		delete(sess.pending, id)
	}
	remaining := len(sess.pending)
	sess.pendingMu.Unlock()
	if !ok {
		return false
	}

	if pp.timer != nil {
		pp.timer.Stop()
	}
	select {
	case pp.ch <- result:
	default:
	}

	if remaining == 0 {
		m.mu.Lock()
		transitioned := m.current == sess && m.state == StateWaitingPermission
		if transitioned {
			m.state = StateRunning
		}
		m.mu.Unlock()
		if transitioned {
			m.Broadcast(sessionStateEvent(StateRunning))
		}
	}
	return true
}

// requestPermission implements the permission round-trip: register a
// pending entry, transition to waiting_permission, broadcast the request,
// then block until a response arrives, the deadline elapses, or the
// session ends.
func (m *Manager) requestPermission(sess *activeSession, toolUseID, toolName string, input any, description string) (bool, string) {
	ch := make(chan permissionResult, 1)
	pp := &pendingPermission{toolName: toolName, ch: ch}

	sess.pendingMu.Lock()
	sess.pending[toolUseID] = pp
	sess.pendingMu.Unlock()

	m.mu.Lock()
	m.state = StateWaitingPermission
	m.mu.Unlock()

	m.Broadcast(permissionRequestEvent(toolUseID, toolName, input, description))
	m.Broadcast(sessionStateEvent(StateWaitingPermission))

	timer := time.AfterFunc(m.permissionTimeout, func() {
		m.resolvePending(sess, toolUseID, permissionResult{allow: false, message: "permission request timed out"})
	})
	sess.pendingMu.Lock()
	pp.timer = timer
	sess.pendingMu.Unlock()

	select {
	case res := <-ch:
		return res.allow, res.message
	case <-sess.doneCh:
		return false, "session ended"
	}
}

func (m *Manager) rememberToolName(sess *activeSession, toolUseID, toolName string) {
	sess.toolNamesMu.Lock()
	sess.toolNames[toolUseID] = toolName
	sess.toolNamesMu.Unlock()
}

// recallToolName looks up and forgets the tool name behind toolUseID. A
// tool_result with no matching tool_use (shouldn't happen, but the wire
// protocol doesn't guarantee it) reports an empty tool name rather than
// dropping the event.
func (m *Manager) recallToolName(sess *activeSession, toolUseID string) string {
	sess.toolNamesMu.Lock()
	defer sess.toolNamesMu.Unlock()
	name := sess.toolNames[toolUseID]
	delete(sess.toolNames, toolUseID)
	return name
}

func (m *Manager) pumpInput(sess *activeSession) {
	for {
		select {
		case content := <-sess.inputCh:
			if err := sess.process.SendUserTurn(content); err != nil {
				slog.Warn("sessionmgr: failed to send user turn to agent", "error", err)
			}
		case <-sess.doneCh:
			return
		}
	}
}

func (m *Manager) runOutputLoop(sess *activeSession) {
	for rec := range sess.process.Output() {
		m.handleOutputRecord(sess, rec)
	}
	err := sess.process.Wait()
	m.finalize(sess, err)
}

func (m *Manager) handleOutputRecord(sess *activeSession, rec agentproc.OutputRecord) {
	switch rec.Type {
	case "assistant":
		for _, block := range rec.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					m.Broadcast(textEvent(block.Text))
				}
			case "tool_use":
				m.rememberToolName(sess, block.ToolUseID, block.ToolName)
				m.Broadcast(toolStartEvent(block.ToolName, block.ToolUseID, block.Input))
			}
		}

	case "user":
		for _, block := range rec.Content {
			if block.Type != "tool_result" {
				continue
			}
			tool := m.recallToolName(sess, block.ToolUseID)
			m.Broadcast(toolEndEvent(tool, block.ToolUseID, block.Output, block.IsError))
		}

	case "result":
		m.mu.Lock()
		m.totalCostUSD += rec.CostUSD
		m.turnCount++
		total := m.totalCostUSD
		turnCount := m.turnCount
		m.mu.Unlock()

		if err := m.store.UpdateSessionTurn(sess.id, turnCount, total); err != nil {
			slog.Warn("sessionmgr: failed to persist turn update", "error", err)
		}
		m.Broadcast(costEvent(total))

	case "tool_progress":
		// Ignored by the Session Manager per the Agent I/O bridge contract.

	case "permission_request":
		allow, message := m.requestPermission(sess, rec.ToolUseID, rec.ToolName, rec.Input, rec.Description)
		decision := agentproc.PermissionDecision{Behavior: "deny", Message: message}
		if allow {
			decision.Behavior = "allow"
		}
		if err := sess.process.SendPermissionDecision(rec.ToolUseID, decision); err != nil {
			slog.Warn("sessionmgr: failed to send permission decision to agent", "error", err)
		}

	default:
		slog.Debug("sessionmgr: ignoring unrecognized agent output record", "type", rec.Type)
	}
}

// finalize runs exactly once per session: resolves every still-pending
// permission with deny, persists the terminal session record, and
// transitions to done or error.
func (m *Manager) finalize(sess *activeSession, runErr error) {
	sess.finalizeOnce.Do(func() {
		sess.cancel()
		close(sess.doneCh)

		sess.pendingMu.Lock()
		for id, pp := range sess.pending {
			if pp.timer != nil {
				pp.timer.Stop()
			}
			select {
			case pp.ch <- permissionResult{allow: false, message: "session ended"}:
			default:
			}
			delete(sess.pending, id)
		}
		sess.pendingMu.Unlock()

		status := "stopped"
		newState := StateDone
		if runErr != nil {
			status = "error"
			newState = StateError
		}

		if err := m.store.FinalizeSession(sess.id, time.Now(), status); err != nil {
			slog.Warn("sessionmgr: failed to persist session finalization", "error", err)
		}

		m.mu.Lock()
		m.state = newState
		if m.current == sess {
			m.current = nil
		}
		if m.idleTimer != nil {
			m.idleTimer.Stop()
			m.idleTimer = nil
		}
		m.mu.Unlock()

		if runErr != nil {
			m.Broadcast(errorEvent(runErr.Error()))
		}
		m.Broadcast(sessionStateEvent(newState))
	})
}

func sessionStateEvent(state State) []byte {
	b, _ := json.Marshal(map[string]any{"type": "session_state", "state": string(state)})
	return b
}

func textEvent(content string) []byte {
	b, _ := json.Marshal(map[string]any{"type": "text", "content": content})
	return b
}

func toolStartEvent(tool, toolUseID string, input any) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "tool_start",
		"tool":      tool,
		"toolUseId": toolUseID,
		"input":     input,
	})
	return b
}

func toolEndEvent(tool, toolUseID string, output any, isError bool) []byte {
	payload := map[string]any{
		"type":      "tool_end",
		"tool":      tool,
		"toolUseId": toolUseID,
		"output":    output,
	}
	if isError {
		payload["isError"] = true
	}
	b, _ := json.Marshal(payload)
	return b
}

func costEvent(totalUsd float64) []byte {
	b, _ := json.Marshal(map[string]any{"type": "cost", "totalUsd": totalUsd})
	return b
}

func permissionRequestEvent(id, tool string, input any, description string) []byte {
	payload := map[string]any{"type": "permission_request", "id": id, "tool": tool, "input": input}
	if description != "" {
		payload["description"] = description
	}
	b, _ := json.Marshal(payload)
	return b
}

func errorEvent(message string) []byte {
	b, _ := json.Marshal(map[string]any{"type": "error", "message": message})
	return b
}
