// Package testutil provides test helpers for turnsy (e.g. MockTool, ScriptedModel).
package testutil

import (
	"context"
	"sync"

	"github.com/skosovsky/turnsy"
)

// MockTool is a configurable Tool implementation for tests.
type MockTool struct {
	NameVal   string
	DescVal   string
	ParamsVal map[string]any
	ExecuteFn func(ctx context.Context, args []byte) ([]byte, error)
}

// Name returns the tool name.
func (m *MockTool) Name() string {
	if m.NameVal != "" {
		return m.NameVal
	}
	return "mock"
}

// Description returns the tool description.
func (m *MockTool) Description() string {
	return m.DescVal
}

// Parameters returns the parameters schema (or empty map).
func (m *MockTool) Parameters() map[string]any {
	if m.ParamsVal != nil {
		return m.ParamsVal
	}
	return map[string]any{}
}

// Execute runs ExecuteFn if set, otherwise returns an empty JSON object.
func (m *MockTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, args)
	}
	return []byte("{}"), nil
}

// Ensure MockTool implements Tool.
var _ turnsy.Tool = (*MockTool)(nil)

// ScriptedModel is a ModelClient whose turns are scripted event sequences.
// Each call to Stream plays the next script; requests are recorded for
// assertions. Running past the last script replays a bare stop turn.
type ScriptedModel struct {
	mu       sync.Mutex
	scripts  [][]turnsy.StreamEvent
	next     int
	requests []turnsy.Request
}

// NewScriptedModel builds a ScriptedModel from per-turn event scripts.
func NewScriptedModel(scripts ...[]turnsy.StreamEvent) *ScriptedModel {
	return &ScriptedModel{scripts: scripts}
}

// Stream plays the next scripted turn through yield.
func (s *ScriptedModel) Stream(ctx context.Context, req turnsy.Request, yield func(turnsy.StreamEvent) error) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var script []turnsy.StreamEvent
	if s.next < len(s.scripts) {
		script = s.scripts[s.next]
		s.next++
	} else {
		script = []turnsy.StreamEvent{
			{Type: turnsy.StreamMeta, Key: turnsy.MetaKeyStopReason, Value: string(turnsy.StopReasonStop)},
		}
	}
	s.mu.Unlock()

	for _, ev := range script {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(ev); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns a copy of every Request seen so far.
func (s *ScriptedModel) Requests() []turnsy.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]turnsy.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Turns returns how many times Stream was invoked.
func (s *ScriptedModel) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var _ turnsy.ModelClient = (*ScriptedModel)(nil)
