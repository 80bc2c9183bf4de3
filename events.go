package turnsy

// EventType identifies a tool-call lifecycle event emitted by the Manager.
type EventType string

const (
	EventCallCreated      EventType = "tool-call:created"
	EventExecutionStarted EventType = "tool-call:execution-started"
	EventExecutionFailed  EventType = "tool-call:execution-failed"
	EventStateChanged     EventType = "tool-call:state-changed"
)

// Event carries a lifecycle notification with the full ToolCall snapshot at
// the moment of the transition. StateChanged is emitted for every
// transition; the more specific types accompany it.
type Event struct {
	Type EventType
	Call ToolCall
}

// Listener receives lifecycle events. Listeners are invoked synchronously
// in registration order, outside the Manager's lock; they may call back
// into the Manager.
type Listener func(Event)

// OnEvent registers a lifecycle listener. Listeners cannot be removed;
// scope the Manager to one conversation and drop it on session end.
func (m *Manager) OnEvent(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// emit delivers events to all listeners. Must be called without m.mu held.
func (m *Manager) emit(events ...Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}
