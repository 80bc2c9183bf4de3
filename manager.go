package turnsy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the lifecycle and concurrent execution of tool calls for one
// conversation. All ToolCall mutation is funneled through its operations;
// callers only ever see snapshots. Every approved call is dispatched as its
// own goroutine as soon as it is approved, so unrelated calls never block
// one another.
type Manager struct {
	registry *Registry
	opts     managerOptions
	logger   *slog.Logger

	mu        sync.Mutex
	calls     map[string]*callState
	order     []string
	trusted   map[string]struct{}
	listeners []Listener
	sem       chan struct{}
	running   sync.WaitGroup
	done      chan struct{}
}

// callState is the Manager-private mutable record behind a ToolCall.
// settled is closed exactly once, when the call reaches a terminal state.
type callState struct {
	call    ToolCall
	settled chan struct{}
}

// NewManager creates a Manager for a single conversation. The registry
// supplies tool schemas and executors; the Manager owns dispatch, gating,
// and settlement.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	o := managerOptions{
		approval:      DefaultApprovalConfig(),
		recoverPanics: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	var sem chan struct{}
	if o.maxConcurrency > 0 {
		sem = make(chan struct{}, o.maxConcurrency)
	}
	trusted := make(map[string]struct{}, len(o.approval.TrustedToolNames))
	for name := range o.approval.TrustedToolNames {
		trusted[name] = struct{}{}
	}
	return &Manager{
		registry: registry,
		opts:     o,
		logger:   o.logger,
		calls:    make(map[string]*callState),
		trusted:  trusted,
		sem:      sem,
		done:     make(chan struct{}),
	}
}

// approvalLocked snapshots the live policy context. Caller holds m.mu.
func (m *Manager) approvalLocked() ApprovalConfig {
	cfg := m.opts.approval
	cfg.TrustedToolNames = m.trusted
	return cfg
}

// Create registers a finalized tool-call request, asks the approval policy
// for a decision, and either dispatches execution immediately
// (auto-approved) or parks the call in pending_approval. A request whose
// name is missing or whose arguments are not valid JSON still produces a
// call, settled immediately as failed, so the model sees the decode error
// the same way it would see an executor failure.
//
// Creating the same id twice updates nothing and returns the existing
// snapshot. Returns ErrShutdown after Shutdown.
func (m *Manager) Create(messageID string, req ToolCallRequest) (ToolCall, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.RawArguments) == 0 {
		req.RawArguments = json.RawMessage("{}")
	}

	var decodeErr error
	switch {
	case req.Name == "":
		decodeErr = &ClientError{Reason: "tool call is missing a tool name"}
	case !json.Valid(req.RawArguments):
		decodeErr = &ClientError{Reason: "tool arguments are not valid JSON"}
	}

	dangerous := false
	if t, ok := m.registry.GetTool(req.Name); ok {
		if tm, ok := t.(ToolMetadata); ok {
			dangerous = tm.IsDangerous()
		}
	}

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return ToolCall{}, ErrShutdown
	default:
	}
	if existing, ok := m.calls[req.ID]; ok {
		snap := existing.call
		m.mu.Unlock()
		return snap, nil
	}
	c := &callState{
		call: ToolCall{
			ID:        req.ID,
			MessageID: messageID,
			Request:   req,
			State:     StateCreated,
			CreatedAt: time.Now(),
		},
		settled: make(chan struct{}),
	}
	m.calls[req.ID] = c
	m.order = append(m.order, req.ID)
	events := []Event{{Type: EventCallCreated, Call: c.call}}

	dispatch := false
	if decodeErr == nil {
		d := decide(req.Name, m.approvalLocked(), dangerous)
		c.call.ApprovalReason = d.Reason
		if d.AutoApprove {
			c.call.State = StateApproved
			m.running.Add(1)
			dispatch = true
		} else {
			c.call.State = StatePendingApproval
		}
		events = append(events, Event{Type: EventStateChanged, Call: c.call})
	}
	snap := c.call
	m.mu.Unlock()

	m.logger.Debug("tool call created",
		"id", snap.ID, "tool", req.Name, "state", snap.State, "reason", snap.ApprovalReason)
	m.emit(events...)

	if decodeErr != nil {
		m.settleFailure(c, decodeErr)
		final, _ := m.Call(req.ID)
		return final, nil
	}
	if dispatch {
		go m.run(c)
	}
	return snap, nil
}

// Approve moves a pending call to approved and dispatches it. Idempotent if
// already approved or executing; a no-op (not an error) when the call does
// not exist or is already terminal.
func (m *Manager) Approve(callID string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok || c.call.State != StatePendingApproval {
		m.mu.Unlock()
		return
	}
	select {
	case <-m.done:
		m.mu.Unlock()
		m.settleFailure(c, ErrShutdown)
		return
	default:
	}
	c.call.State = StateApproved
	m.running.Add(1)
	snap := c.call
	m.mu.Unlock()

	m.emit(Event{Type: EventStateChanged, Call: snap})
	go m.run(c)
}

// TrustForSession adds the canonical tool name to the session trust set and
// immediately approves every currently pending call sharing it. The trust
// set persists until Reset; it never survives the session.
func (m *Manager) TrustForSession(toolName string) {
	key := CanonicalToolKey(toolName, m.opts.approval.ServerIDs)
	if key == "" {
		return
	}
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	m.trusted[key] = struct{}{}
	var dispatch []*callState
	var events []Event
	for _, id := range m.order {
		c := m.calls[id]
		if c.call.State != StatePendingApproval {
			continue
		}
		if CanonicalToolKey(c.call.Request.Name, m.opts.approval.ServerIDs) != key {
			continue
		}
		c.call.State = StateApproved
		c.call.ApprovalReason = ReasonTrustedSession
		m.running.Add(1)
		dispatch = append(dispatch, c)
		events = append(events, Event{Type: EventStateChanged, Call: c.call})
	}
	m.mu.Unlock()

	m.emit(events...)
	for _, c := range dispatch {
		go m.run(c)
	}
}

// Trusted reports whether the canonical key for toolName is in the session
// trust set.
func (m *Manager) Trusted(toolName string) bool {
	key := CanonicalToolKey(toolName, m.opts.approval.ServerIDs)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trusted[key]
	return ok
}

// PendingToolCalls returns all calls in pending_approval, in creation
// order, for driving an approval UI.
func (m *Manager) PendingToolCalls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ToolCall
	for _, id := range m.order {
		if c := m.calls[id]; c.call.State == StatePendingApproval {
			out = append(out, c.call)
		}
	}
	return out
}

// Call returns a snapshot of the call with the given id.
func (m *Manager) Call(callID string) (ToolCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ToolCall{}, false
	}
	return c.call, true
}

// Calls returns snapshots of all live calls in creation order.
func (m *Manager) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolCall, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.calls[id].call)
	}
	return out
}

// AwaitAllSettled blocks until every call in ids reaches a terminal state,
// success or failure; one call's failure never short-circuits the wait.
// Unknown ids are skipped. Returns ctx.Err() if the context is cancelled
// first; in-flight executions keep running in that case.
func (m *Manager) AwaitAllSettled(ctx context.Context, ids []string) error {
	for _, id := range ids {
		m.mu.Lock()
		c, ok := m.calls[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-c.settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// release drops settled calls once their results are folded into the
// conversation; the Manager holds no call state across turns.
func (m *Manager) release(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.calls, id)
	}
	live := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.calls[id]; ok {
			live = append(live, id)
		}
	}
	m.order = live
}

// Reset clears all call state and the session trust set. Use it when the
// conversation restarts; in-flight executions settle into dropped records
// and are not observed further.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]*callState)
	m.order = nil
	m.trusted = make(map[string]struct{})
}

// Shutdown closes the Manager for new calls and waits for in-flight
// executions or ctx to cancel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return nil
	default:
		close(m.done)
	}
	m.mu.Unlock()
	finished := make(chan struct{})
	go func() {
		m.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one approved call to settlement. Executions are deliberately
// detached from any turn context: an abort cancels waiting, never in-flight
// work, because executors may have external side effects that must not be
// left half-applied.
func (m *Manager) run(c *callState) {
	defer m.running.Done()
	ctx := context.Background()

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-m.done:
			m.settleFailure(c, ErrShutdown)
			return
		}
	}

	tool, ok := m.registry.GetTool(c.call.Request.Name)
	if !ok {
		m.settleFailure(c, ErrToolNotFound)
		return
	}

	m.mu.Lock()
	if c.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	c.call.State = StateExecuting
	c.call.ExecutionStartedAt = time.Now()
	snap := c.call
	m.mu.Unlock()
	m.emit(
		Event{Type: EventExecutionStarted, Call: snap},
		Event{Type: EventStateChanged, Call: snap},
	)

	if tm, ok := tool.(ToolMetadata); ok {
		if d := tm.Timeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	if m.opts.onBefore != nil {
		m.opts.onBefore(ctx, snap.Request)
	}
	start := time.Now()
	data, err := m.invoke(ctx, tool, snap.Request.RawArguments)
	if m.opts.onAfter != nil {
		m.opts.onAfter(ctx, snap.Request, ExecutionSummary{
			CallID:      snap.ID,
			ToolName:    snap.Request.Name,
			Error:       err,
			ResultBytes: int64(len(data)),
		}, time.Since(start))
	}

	if err != nil {
		m.settleFailure(c, err)
		return
	}
	m.settleSuccess(c, data)
}

// invoke calls the executor, converting panics to SystemError when panic
// recovery is enabled.
func (m *Manager) invoke(ctx context.Context, tool Tool, args []byte) (data []byte, err error) {
	if m.opts.recoverPanics {
		defer func() {
			if p := recover(); p != nil {
				data, err = nil, &SystemError{Err: &panicError{p: p}}
			}
		}()
	}
	return tool.Execute(ctx, args)
}

func (m *Manager) settleSuccess(c *callState, data []byte) {
	m.mu.Lock()
	if c.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	c.call.State = StateCompleted
	c.call.ExecutionCompletedAt = time.Now()
	c.call.Result = &CallResult{Success: true, Data: data}
	snap := c.call
	m.mu.Unlock()

	m.logger.Debug("tool call completed", "id", snap.ID, "tool", snap.Request.Name)
	m.emit(Event{Type: EventStateChanged, Call: snap})
	// Settlement becomes observable only after listeners saw the final
	// transition. The terminal check above guarantees a single closer.
	close(c.settled)
}

func (m *Manager) settleFailure(c *callState, err error) {
	m.mu.Lock()
	if c.call.State.Terminal() {
		m.mu.Unlock()
		return
	}
	c.call.State = StateFailed
	c.call.ExecutionCompletedAt = time.Now()
	c.call.Result = &CallResult{Success: false, Error: err.Error()}
	snap := c.call
	m.mu.Unlock()

	m.logger.Debug("tool call failed", "id", snap.ID, "tool", snap.Request.Name, "error", err)
	m.emit(
		Event{Type: EventExecutionFailed, Call: snap},
		Event{Type: EventStateChanged, Call: snap},
	)
	close(c.settled)
}
