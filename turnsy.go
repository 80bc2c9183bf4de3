package turnsy

import (
	"context"
	"encoding/json"
	"time"
)

// CallState is the lifecycle state of a ToolCall. Transitions are monotonic:
// created → (pending_approval | approved) → executing → (completed | failed).
// A call never leaves a terminal state.
type CallState string

const (
	StateCreated         CallState = "created"
	StatePendingApproval CallState = "pending_approval"
	StateApproved        CallState = "approved"
	StateExecuting       CallState = "executing"
	StateCompleted       CallState = "completed"
	StateFailed          CallState = "failed"
)

// Terminal reports whether the state is completed or failed.
func (s CallState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ToolCallRequest is a single tool invocation as produced by the model:
// a provider-assigned id, the tool name exactly as emitted, and the raw
// JSON argument payload.
type ToolCallRequest struct {
	ID           string
	Name         string
	RawArguments json.RawMessage
}

// CallResult is the outcome of a settled ToolCall. Exactly one of Data or
// Error is meaningful depending on Success.
type CallResult struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// ToolCall is an immutable snapshot of one tool invocation owned by a
// Manager. Zero time fields mean the corresponding point was not reached;
// Result is nil until the call settles.
type ToolCall struct {
	ID                   string
	MessageID            string
	Request              ToolCallRequest
	State                CallState
	ApprovalReason       Reason
	CreatedAt            time.Time
	ExecutionStartedAt   time.Time
	ExecutionCompletedAt time.Time
	Result               *CallResult
}

// Settled reports whether the call reached a terminal state.
func (c ToolCall) Settled() bool { return c.State.Terminal() }

// StopReason is the model's turn-termination signal, delivered as a meta
// stream event with key "stop-reason".
type StopReason string

const (
	// StopReasonToolUse means the model wants tool results before continuing.
	StopReasonToolUse StopReason = "toolUse"
	// StopReasonStop means the conversation turn is finished.
	StopReasonStop StopReason = "stop"
)

// MetaKeyStopReason is the meta event key carrying the StopReason value.
const MetaKeyStopReason = "stop-reason"

// StreamEventType discriminates provider stream events.
type StreamEventType string

const (
	StreamReasoning StreamEventType = "reasoning"
	StreamContent   StreamEventType = "content"
	StreamToolCall  StreamEventType = "tool-call"
	StreamMeta      StreamEventType = "meta"
	StreamError     StreamEventType = "error"
)

// ToolCallPhase distinguishes partial argument fragments from the
// authoritative complete request.
type ToolCallPhase string

const (
	PhaseDelta ToolCallPhase = "delta"
	PhaseFinal ToolCallPhase = "final"
)

// FunctionCall carries the tool name and (possibly partial) JSON arguments
// of a tool-call stream event.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamToolCallPayload is the call fragment of a tool-call stream event,
// identified by provider id and stream index.
type StreamToolCallPayload struct {
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// StreamEvent is one event from the model transport. Which fields are set
// depends on Type: Text for reasoning/content, Phase+Call for tool-call,
// Key+Value for meta, Err for error.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Phase ToolCallPhase
	Call  *StreamToolCallPayload
	Key   string
	Value string
	Err   error
}

// Role identifies the author of a conversation Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolResultContent is one settled tool result folded into a continuation
// request. Results are matched to calls by CallID, never by position.
type ToolResultContent struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one conversation entry. Assistant messages may carry the tool
// calls they requested; tool messages carry the settled results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCallRequest
	ToolResults []ToolResultContent
}

// Request is one model invocation: the conversation so far plus the tools
// the model may call.
type Request struct {
	Messages []Message
	Tools    []Tool
}

// ModelClient streams one model turn. Implementations must deliver events
// in order and call yield sequentially; if yield returns an error the
// stream must stop and Stream must return.
type ModelClient interface {
	Stream(ctx context.Context, req Request, yield func(StreamEvent) error) error
}

// Tool is the contract for a model-callable instrument. It is
// provider-agnostic (no knowledge of OpenAI, Anthropic, etc.).
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a valid JSON Schema as map (compatible with LLM tool definitions).
	Parameters() map[string]any
	// Execute runs the tool with the raw JSON arguments and returns the
	// JSON-encoded result. Errors are converted by the Manager into a
	// failed call result; they never abort sibling calls.
	Execute(ctx context.Context, argsJSON []byte) ([]byte, error)
}

// ToolMetadata is implemented by tools created with NewTool and provides
// optional per-tool settings. Manager uses Timeout() to bound a single
// execution and IsDangerous() to force the approval gate regardless of the
// tool's name; tags and version are for discovery.
type ToolMetadata interface {
	Timeout() time.Duration
	Tags() []string
	Version() string
	IsDangerous() bool
}

// ExecutionSummary is passed to the after-execution hook
// (WithOnAfterExecute) when a tool execution finishes, success or error.
type ExecutionSummary struct {
	CallID      string
	ToolName    string
	Error       error
	ResultBytes int64
}
