package turnsy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ControllerState is the Controller's phase within one Run.
type ControllerState string

const (
	ControllerIdle      ControllerState = "idle"
	ControllerStreaming ControllerState = "streaming"
	ControllerAwaiting  ControllerState = "awaiting_tool_settlement"
)

// TurnOutcome is the final result of a Run: the model's closing content,
// the full transcript including tool results, and how many model
// invocations the conversation took.
type TurnOutcome struct {
	Content    string
	Reasoning  string
	StopReason StopReason
	Messages   []Message
	ModelTurns int
}

// Controller drives the outer conversation loop: stream a model turn,
// decode tool calls, wait for the Manager to settle them, fold the results
// into a continuation request, and repeat while the model keeps asking for
// tools. There is deliberately no cap on continuation cycles: a local cap
// would silently truncate legitimate multi-step workflows, so termination
// belongs to the model's stop signal or the caller's context.
type Controller struct {
	client  ModelClient
	manager *Manager
	opts    controllerOptions
	logger  *slog.Logger

	mu    sync.Mutex
	state ControllerState
}

// NewController wires a model client and a per-conversation Manager.
func NewController(client ModelClient, manager *Manager, opts ...ControllerOption) *Controller {
	var o controllerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Controller{
		client:  client,
		manager: manager,
		opts:    o,
		logger:  o.logger,
		state:   ControllerIdle,
	}
}

// State returns the Controller's current phase.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s ControllerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes a conversation to completion. Cancelling ctx aborts the run:
// no further stream events are consumed, no continuation turn starts, and
// already-dispatched tool executions are left to finish on their own.
//
// Tool failures never surface here; they are folded into the continuation
// as error results so the model can react. Only transport errors and
// cancellation return a non-nil error.
func (c *Controller) Run(ctx context.Context, req Request) (*TurnOutcome, error) {
	c.setState(ControllerStreaming)
	defer c.setState(ControllerIdle)

	messages := append([]Message(nil), req.Messages...)
	var reasoning string
	turns := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := NewDecoder()
		turns++
		c.logger.Debug("streaming model turn", "turn", turns)
		streamErr := c.client.Stream(ctx, Request{Messages: messages, Tools: req.Tools}, func(ev StreamEvent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return dec.Feed(ev)
		})
		if err := dec.Err(); err != nil {
			return nil, err
		}
		if streamErr != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if IsTransportError(streamErr) {
				return nil, streamErr
			}
			return nil, &TransportError{Err: streamErr}
		}

		requests := dec.Requests()
		if r := dec.Reasoning(); r != "" {
			reasoning = r
		}
		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   dec.Content(),
			ToolCalls: requests,
		})

		if dec.StopReason() != StopReasonToolUse || len(requests) == 0 {
			return &TurnOutcome{
				Content:    dec.Content(),
				Reasoning:  reasoning,
				StopReason: dec.StopReason(),
				Messages:   messages,
				ModelTurns: turns,
			}, nil
		}

		messageID := uuid.NewString()
		ids := make([]string, 0, len(requests))
		for _, r := range requests {
			call, err := c.manager.Create(messageID, r)
			if err != nil {
				return nil, err
			}
			ids = append(ids, call.ID)
		}

		c.setState(ControllerAwaiting)
		if err := c.manager.AwaitAllSettled(ctx, ids); err != nil {
			return nil, err
		}
		c.setState(ControllerStreaming)

		toolMsg := Message{Role: RoleTool}
		for _, id := range ids {
			call, ok := c.manager.Call(id)
			if !ok {
				continue
			}
			toolMsg.ToolResults = append(toolMsg.ToolResults, c.resultContent(call))
		}
		messages = append(messages, toolMsg)
		c.manager.release(ids)
	}
}

// resultContent folds one settled call into continuation content, applying
// the configured payload bound.
func (c *Controller) resultContent(call ToolCall) ToolResultContent {
	rc := ToolResultContent{
		CallID: call.ID,
		Name:   call.Request.Name,
	}
	if call.Result == nil {
		// Unsettled calls cannot reach here through Run; keep the fold total anyway.
		rc.Content = "tool call did not settle"
		rc.IsError = true
		return rc
	}
	if call.Result.Success {
		rc.Content = truncateResult(string(call.Result.Data), c.opts.maxResultBytes)
	} else {
		rc.Content = truncateResult(call.Result.Error, c.opts.maxResultBytes)
		rc.IsError = true
	}
	return rc
}

const truncationMarker = "\n[result truncated]"

// truncateResult bounds a result payload to max bytes (0 = unlimited),
// cutting at a rune boundary and appending a marker.
func truncateResult(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
