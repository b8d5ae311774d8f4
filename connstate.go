package agora

import "sync"

// ============================================================================
// Connection State Machine
// ============================================================================

// StateListener observes state transitions. The detail string carries a
// human-readable message for error states and is empty otherwise.
type StateListener[S ~string] func(status S, detail string)

type stateEntry[S ~string] struct {
	id int
	fn StateListener[S]
}

// StateMachine tracks the connection status of a single component. Exactly
// one owner mutates it; listeners are notified after every transition.
type StateMachine[S ~string] struct {
	mu        sync.Mutex
	current   S
	detail    string
	nextID    int
	listeners []stateEntry[S]
}

// NewStateMachine creates a state machine starting at initial.
func NewStateMachine[S ~string](initial S) *StateMachine[S] {
	return &StateMachine[S]{current: initial}
}

// Current returns the current status.
func (m *StateMachine[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Detail returns the message recorded with the current status.
func (m *StateMachine[S]) Detail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detail
}

// Set transitions to status, clearing any recorded detail.
func (m *StateMachine[S]) Set(status S) {
	m.transition(status, "")
}

// Fail transitions to status and records a human-readable message.
func (m *StateMachine[S]) Fail(status S, detail string) {
	m.transition(status, detail)
}

func (m *StateMachine[S]) transition(status S, detail string) {
	m.mu.Lock()
	if m.current == status && m.detail == detail {
		m.mu.Unlock()
		return
	}
	m.current = status
	m.detail = detail
	// Snapshot so a listener removing itself mid-notify is safe.
	entries := append([]stateEntry[S]{}, m.listeners...)
	m.mu.Unlock()

	for _, e := range entries {
		e.fn(status, detail)
	}
}

// OnChange registers a listener and returns a function that removes it.
func (m *StateMachine[S]) OnChange(l StateListener[S]) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateEntry[S]{id: id, fn: l})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}
