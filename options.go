package turnsy

import (
	"context"
	"log/slog"
	"time"
)

// toolOptions hold optional tool settings (timeout, strict, tags, etc.).
type toolOptions struct {
	strict    bool
	timeout   time.Duration
	tags      []string
	version   string
	dangerous bool
}

// ToolOption configures a tool (e.g. WithStrict, WithTimeout).
type ToolOption func(*toolOptions)

// WithStrict sets strict mode for schema: additionalProperties: false for
// all objects, and all properties become required. Use for OpenAI
// Structured Outputs compatibility.
func WithStrict() ToolOption {
	return func(o *toolOptions) {
		o.strict = true
	}
}

// WithTimeout sets a per-tool execution timeout, applied by the Manager
// when dispatching this tool. Zero means no timeout.
func WithTimeout(d time.Duration) ToolOption {
	return func(o *toolOptions) {
		o.timeout = d
	}
}

// WithTags sets tool tags (metadata for discovery/orchestration).
func WithTags(tags ...string) ToolOption {
	return func(o *toolOptions) {
		o.tags = tags
	}
}

// WithVersion sets the tool version.
func WithVersion(version string) ToolOption {
	return func(o *toolOptions) {
		o.version = version
	}
}

// WithDangerous marks the tool as dangerous: the Manager routes it through
// the approval gate even when its name classifies as read-only.
func WithDangerous() ToolOption {
	return func(o *toolOptions) {
		o.dangerous = true
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	approval       ApprovalConfig
	maxConcurrency int
	recoverPanics  bool
	logger         *slog.Logger
	onBefore       func(context.Context, ToolCallRequest)
	onAfter        func(context.Context, ToolCallRequest, ExecutionSummary, time.Duration)
}

// WithApprovalConfig sets the approval policy context (trusted names,
// allowlist, destructive-approval toggle, known server ids).
func WithApprovalConfig(cfg ApprovalConfig) ManagerOption {
	return func(o *managerOptions) {
		o.approval = cfg
	}
}

// WithMaxConcurrency bounds concurrent tool executions (semaphore). The
// default is unlimited; a bound is a deployment detail and never serializes
// unrelated calls beyond slot availability.
func WithMaxConcurrency(n int) ManagerOption {
	return func(o *managerOptions) {
		o.maxConcurrency = n
	}
}

// WithRecoverPanics enables panic recovery around executor dispatch
// (a panicking tool settles as failed with a SystemError message).
func WithRecoverPanics(enable bool) ManagerOption {
	return func(o *managerOptions) {
		o.recoverPanics = enable
	}
}

// WithLogger sets the Manager's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithOnBeforeExecute sets a hook called before each tool execution.
func WithOnBeforeExecute(fn func(context.Context, ToolCallRequest)) ManagerOption {
	return func(o *managerOptions) {
		o.onBefore = fn
	}
}

// WithOnAfterExecute sets a hook called after each tool execution,
// success or error.
func WithOnAfterExecute(fn func(context.Context, ToolCallRequest, ExecutionSummary, time.Duration)) ManagerOption {
	return func(o *managerOptions) {
		o.onAfter = fn
	}
}

// ControllerOption configures a Controller.
type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	maxResultBytes int
	logger         *slog.Logger
}

// WithMaxResultBytes bounds the size of a single tool-result payload folded
// into a continuation request. Oversized payloads are truncated with a
// marker. Zero (the default) means unlimited.
func WithMaxResultBytes(n int) ControllerOption {
	return func(o *controllerOptions) {
		o.maxResultBytes = n
	}
}

// WithControllerLogger sets the Controller's logger. Defaults to slog.Default().
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(o *controllerOptions) {
		o.logger = logger
	}
}
