package fsm

import (
	"fmt"
	"sync"
)

// State describes the relay connection state for one client session.
type State string

const (
	StateInit         State = "INIT"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
	StateDisconnected State = "DISCONNECTED"
)

// Machine is a lightweight deterministic per-connection state machine.
// ERROR after a failed upstream connect is not terminal: the connection
// stays usable and the client may retry. DISCONNECTED is terminal.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// New creates a state machine in the initial state.
func New() *Machine {
	return &Machine{state: StateInit}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnOpen marks the downstream connection accepted and awaiting connect.
func (m *Machine) OnOpen() {
	m.transition(StateConnecting)
}

// OnUpstreamConnected marks the upstream link established.
func (m *Machine) OnUpstreamConnected() {
	m.transition(StateConnected)
}

// OnUpstreamError marks a failed upstream connect or send. The client may
// retry connect from this state.
func (m *Machine) OnUpstreamError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected {
		return
	}
	m.state = StateError
}

// OnDisconnect marks the session torn down. There is no automatic
// reconnect; later transitions are ignored.
func (m *Machine) OnDisconnect() {
	m.transition(StateDisconnected)
}

// Terminal reports whether the connection is done.
func (m *Machine) Terminal() bool {
	return m.State() == StateDisconnected
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateInit, StateConnecting, StateConnected, StateError, StateDisconnected:
		m.mu.Lock()
		m.state = state
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
}
