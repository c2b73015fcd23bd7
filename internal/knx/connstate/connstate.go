// Package connstate tracks the interface's connection state (connected,
// connecting, disconnected) and notifies registered callbacks of
// transitions, the way the rest of the protocol core waits for a live bus
// connection before sending.
package connstate

import (
	"context"
	"sync"
)

// State is the set of connection states a transport can be in.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Connecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// Subscription identifies a registered callback, returned by Subscribe so
// it can later be removed with Unsubscribe.
type Subscription struct {
	id int
}

// Manager holds the current connection state, notifies subscribers of
// transitions, and lets callers wait for a Connected state.
type Manager struct {
	mu          sync.Mutex
	state       State
	nextID      int
	subscribers map[int]func(State)
	connectedCh chan struct{}
}

// New constructs a Manager in the Disconnected state.
func New() *Manager {
	return &Manager{
		state:       Disconnected,
		subscribers: make(map[int]func(State)),
		connectedCh: make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a callback invoked on every state transition.
func (m *Manager) Subscribe(cb func(State)) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subscribers[m.nextID] = cb
	return Subscription{id: m.nextID}
}

// Unsubscribe removes a previously registered callback.
func (m *Manager) Unsubscribe(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub.id)
}

// SetState transitions to state, notifying subscribers if it actually
// changed. A no-op transition (state already current) does nothing.
func (m *Manager) SetState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	if state == Connected {
		close(m.connectedCh)
	} else if m.isConnectedChClosed() {
		m.connectedCh = make(chan struct{})
	}
	callbacks := make([]func(State), 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}

// isConnectedChClosed reports whether connectedCh is already closed.
// Callers must hold mu.
func (m *Manager) isConnectedChClosed() bool {
	select {
	case <-m.connectedCh:
		return true
	default:
		return false
	}
}

// WaitConnected blocks until the state becomes Connected or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	waitCh := m.connectedCh
	m.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
