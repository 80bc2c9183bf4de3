package turnsy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return []byte(s) }

// fakeTool is a minimal Tool (+ metadata) for Manager tests.
type fakeTool struct {
	name      string
	fn        func(ctx context.Context, args []byte) ([]byte, error)
	dangerous bool
	timeout   time.Duration
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{} }
func (f *fakeTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	if f.fn != nil {
		return f.fn(ctx, args)
	}
	return []byte(`"ok"`), nil
}
func (f *fakeTool) Timeout() time.Duration { return f.timeout }
func (f *fakeTool) Tags() []string         { return nil }
func (f *fakeTool) Version() string        { return "" }
func (f *fakeTool) IsDangerous() bool      { return f.dangerous }

func newTestManager(t *testing.T, tools []Tool, opts ...ManagerOption) *Manager {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	m := NewManager(reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func awaitSettled(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.AwaitAllSettled(ctx, ids))
}

// eventRecorder captures lifecycle events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestManager_Create_AutoApprovedExecutes(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, args []byte) ([]byte, error) {
		return []byte(`{"content":"hello"}`), nil
	}}})
	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{"path":"a.md"}`)})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, call.State)
	assert.Equal(t, ReasonNonMutating, call.ApprovalReason)

	awaitSettled(t, m, "c1")
	settled, ok := m.Call("c1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, settled.State)
	require.NotNil(t, settled.Result)
	assert.True(t, settled.Result.Success)
	assert.JSONEq(t, `{"content":"hello"}`, string(settled.Result.Data))
	assert.False(t, settled.CreatedAt.IsZero())
	assert.False(t, settled.ExecutionStartedAt.IsZero())
	assert.False(t, settled.ExecutionCompletedAt.IsZero())
}

func TestManager_Create_MutatingGoesPending(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "write_file"}})
	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "write_file", RawArguments: raw(`{"path":"a.md"}`)})
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, call.State)
	assert.Equal(t, ReasonMutatingDefault, call.ApprovalReason)

	pending := m.PendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ID)

	m.Approve("c1")
	awaitSettled(t, m, "c1")
	settled, _ := m.Call("c1")
	assert.Equal(t, StateCompleted, settled.State)
	assert.Empty(t, m.PendingToolCalls())
}

func TestManager_Create_DuplicateIDReturnsExisting(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file"}})
	first, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	second, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{"other":true}`)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, string(first.Request.RawArguments), string(second.Request.RawArguments))
	awaitSettled(t, m, "c1")
}

func TestManager_Create_MalformedArgumentsFailImmediately(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file"}})
	m.OnEvent(rec.listen)

	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{"path": oops`)})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, call.State)
	require.NotNil(t, call.Result)
	assert.False(t, call.Result.Success)
	assert.Contains(t, call.Result.Error, "not valid JSON")

	// Reported the same way an executor failure would be.
	assert.Contains(t, rec.types(), EventExecutionFailed)
	awaitSettled(t, m, "c1")
}

func TestManager_Create_MissingNameFailsImmediately(t *testing.T) {
	m := newTestManager(t, nil)
	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, call.State)
	require.NotNil(t, call.Result)
	assert.Contains(t, call.Result.Error, "missing a tool name")
}

func TestManager_Create_MissingIDGetsGenerated(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file"}})
	call, err := m.Create("msg-1", ToolCallRequest{Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, call.ID)
	awaitSettled(t, m, call.ID)
}

func TestManager_Execute_ToolNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "lookup_weather", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, call.State)
	awaitSettled(t, m, "c1")
	settled, _ := m.Call("c1")
	assert.Equal(t, StateFailed, settled.State)
	assert.Contains(t, settled.Result.Error, "tool not found")
}

func TestManager_Execute_PanicRecovered(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, _ []byte) ([]byte, error) {
		panic("boom")
	}}})
	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")
	settled, _ := m.Call("c1")
	assert.Equal(t, StateFailed, settled.State)
	assert.Equal(t, "internal system error during tool execution", settled.Result.Error)
}

func TestManager_Execute_MetadataTimeout(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{
		name:    "read_file",
		timeout: 20 * time.Millisecond,
		fn: func(ctx context.Context, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})
	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")
	settled, _ := m.Call("c1")
	assert.Equal(t, StateFailed, settled.State)
	assert.Contains(t, settled.Result.Error, "deadline exceeded")
}

func TestManager_ConcurrentFanOut(t *testing.T) {
	const n = 4
	started := make(chan struct{}, n)
	release := make(chan struct{})
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, args []byte) ([]byte, error) {
		started <- struct{}{}
		<-release
		var a struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(args, &a)
		if a.Path == "FAIL" {
			return nil, errors.New("forced failure")
		}
		return []byte(fmt.Sprintf("%q", a.Path)), nil
	}}})

	ids := make([]string, 0, n)
	for i := range n {
		path := fmt.Sprintf("f%d.md", i)
		if i == n-1 {
			path = "FAIL"
		}
		call, err := m.Create("msg-1", ToolCallRequest{
			ID:           fmt.Sprintf("c%d", i),
			Name:         "read_file",
			RawArguments: raw(fmt.Sprintf(`{"path":%q}`, path)),
		})
		require.NoError(t, err)
		ids = append(ids, call.ID)
	}

	// All calls begin executing without waiting on one another.
	for range n {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("calls did not fan out concurrently")
		}
	}
	close(release)
	awaitSettled(t, m, ids...)

	var completed, failed int
	for _, id := range ids {
		call, ok := m.Call(id)
		require.True(t, ok)
		require.True(t, call.Settled())
		if call.Result.Success {
			completed++
		} else {
			failed++
			assert.Equal(t, "forced failure", call.Result.Error)
		}
	}
	assert.Equal(t, n-1, completed)
	assert.Equal(t, 1, failed)
}

func TestManager_MaxConcurrencyBoundsParallelism(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, _ []byte) ([]byte, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return []byte(`"ok"`), nil
	}}}, WithMaxConcurrency(2))

	ids := make([]string, 0, 6)
	for i := range 6 {
		call, err := m.Create("msg-1", ToolCallRequest{ID: fmt.Sprintf("c%d", i), Name: "read_file", RawArguments: raw(`{}`)})
		require.NoError(t, err)
		ids = append(ids, call.ID)
	}
	awaitSettled(t, m, ids...)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestManager_TrustForSession_BulkApproves(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "write_file"}, &fakeTool{name: "delete_note"}})
	_, err := m.Create("msg-1", ToolCallRequest{ID: "w1", Name: "write_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	_, err = m.Create("msg-1", ToolCallRequest{ID: "w2", Name: "write_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	_, err = m.Create("msg-1", ToolCallRequest{ID: "d1", Name: "delete_note", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	require.Len(t, m.PendingToolCalls(), 3)

	m.TrustForSession("write_file")
	assert.True(t, m.Trusted("write_file"))
	awaitSettled(t, m, "w1", "w2")

	// Only write_file calls were approved; delete_note is still pending.
	pending := m.PendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "d1", pending[0].ID)
	for _, id := range []string{"w1", "w2"} {
		call, _ := m.Call(id)
		assert.Equal(t, StateCompleted, call.State)
		assert.Equal(t, ReasonTrustedSession, call.ApprovalReason)
	}

	// Future calls of the trusted tool auto-approve at creation.
	later, err := m.Create("msg-2", ToolCallRequest{ID: "w3", Name: "write_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, later.State)
	assert.Equal(t, ReasonTrustedSession, later.ApprovalReason)
	awaitSettled(t, m, "w3")

	m.Approve("d1")
	awaitSettled(t, m, "d1")
}

func TestManager_Approve_NoOpCases(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file"}})
	m.Approve("missing") // unknown id: no-op, no panic

	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")
	before, _ := m.Call("c1")
	m.Approve("c1") // terminal: no-op
	after, _ := m.Call("c1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Result, after.Result)
}

func TestManager_TerminalResultNeverOverwritten(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("first failure")
	}}})
	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")
	settled, _ := m.Call("c1")
	require.Equal(t, StateFailed, settled.State)

	m.Approve("c1")
	m.TrustForSession("read_file")
	again, _ := m.Call("c1")
	assert.Equal(t, StateFailed, again.State)
	assert.Equal(t, settled.Result, again.Result)
}

func TestManager_DangerousToolRequiresApproval(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "lookup_ledger", dangerous: true}})
	call, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "lookup_ledger", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, call.State)
	m.Approve("c1")
	awaitSettled(t, m, "c1")
}

func TestManager_EventSequence(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file"}})
	m.OnEvent(rec.listen)

	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventCallCreated, types[0])
	assert.Contains(t, types, EventExecutionStarted)
	assert.Equal(t, EventStateChanged, types[len(types)-1])
	assert.NotContains(t, types, EventExecutionFailed)

	// Every event carries a snapshot with the call id.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		assert.Equal(t, "c1", ev.Call.ID)
	}
}

func TestManager_AwaitAllSettled_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, []Tool{&fakeTool{name: "read_file", fn: func(_ context.Context, _ []byte) ([]byte, error) {
		<-release
		return []byte(`"ok"`), nil
	}}})
	t.Cleanup(func() { close(release) })

	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.AwaitAllSettled(ctx, []string{"c1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The in-flight execution is unaffected by the cancelled wait.
	call, ok := m.Call("c1")
	require.True(t, ok)
	assert.Equal(t, StateExecuting, call.State)
}

func TestManager_AwaitAllSettled_UnknownIDsSkipped(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.AwaitAllSettled(ctx, []string{"ghost"}))
}

func TestManager_Reset_ClearsTrustAndCalls(t *testing.T) {
	m := newTestManager(t, []Tool{&fakeTool{name: "write_file"}})
	m.TrustForSession("write_file")
	require.True(t, m.Trusted("write_file"))

	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "write_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	awaitSettled(t, m, "c1")

	m.Reset()
	assert.False(t, m.Trusted("write_file"))
	assert.Empty(t, m.Calls())
	_, ok := m.Call("c1")
	assert.False(t, ok)
}

func TestManager_Shutdown_RejectsNewCalls(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "read_file"})
	m := NewManager(reg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx)) // idempotent

	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestManager_Shutdown_WaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "read_file", fn: func(_ context.Context, _ []byte) ([]byte, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return []byte(`"ok"`), nil
	}})
	m := NewManager(reg)
	_, err := m.Create("msg-1", ToolCallRequest{ID: "c1", Name: "read_file", RawArguments: raw(`{}`)})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	select {
	case <-finished:
	default:
		t.Fatal("in-flight execution should have completed before Shutdown returned")
	}
}
