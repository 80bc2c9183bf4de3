package turnsy

import (
	"slices"
	"sync"
)

// Registry is the static mapping from tool name to its schema and executor.
// It performs no execution itself; the Manager looks tools up here and owns
// dispatch. Safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	tools       map[string]Tool // wrapped with middlewares, used by the Manager
	rawTools    map[string]Tool // unwrapped, used by Use() to re-apply middlewares from scratch
	middlewares []Middleware
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		rawTools: make(map[string]Tool),
	}
}

// Register adds a tool. Stored middlewares (see Use) are applied to the
// tool before registration. If a tool with the same name already exists,
// it is replaced.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	r.rawTools[name] = t
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		t = r.middlewares[i](t)
	}
	r.tools[name] = t
}

// GetTool returns the tool with the given name (after middlewares are
// applied), or (nil, false) if not found.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetAllTools returns all registered tools (e.g. for exporting to a model
// request), sorted by name for deterministic order.
func (r *Registry) GetAllTools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}
