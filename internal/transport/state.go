package transport

import (
	"fmt"

	"github.com/agsys/edge-sync/internal/observe"
)

// State is the lifecycle state of a connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateNegotiating
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNegotiating:
		return "negotiating"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateNegotiating, StateDisconnecting, StateError},
	StateConnected:     {StateNegotiating, StateDisconnecting, StateError},
	StateNegotiating:   {StateConnected, StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateError:         {StateDisconnected},
}

// CanTransition reports whether from → to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine guards an adapter's state. Every adapter embeds one.
type Machine struct {
	v *observe.Value[State]
}

// NewMachine starts in Disconnected
func NewMachine() *Machine {
	return &Machine{v: observe.NewValue(StateDisconnected)}
}

// State returns the current state
func (m *Machine) State() State { return m.v.Load() }

// Watch subscribes to state changes
func (m *Machine) Watch(buf int) (<-chan State, func()) { return m.v.Subscribe(buf) }

// To moves from the current state to next if the move is legal
func (m *Machine) To(next State) error {
	for {
		cur := m.v.Load()
		if !CanTransition(cur, next) {
			return fmt.Errorf("transport: illegal transition %s -> %s", cur, next)
		}
		if m.v.CompareAndStore(cur, next) {
			return nil
		}
	}
}

// Begin moves Disconnected → Connecting. It fails when a session is
// already active or in progress.
func (m *Machine) Begin() error {
	if !m.v.CompareAndStore(StateDisconnected, StateConnecting) {
		return Errorf(ErrRejected, "connect while %s", m.v.Load())
	}
	return nil
}

// Fail passes through Error and settles in Disconnected, so a failed
// session is immediately reconnectable.
func (m *Machine) Fail() {
	if m.v.Load() == StateDisconnected {
		return
	}
	m.v.Store(StateError)
	m.v.Store(StateDisconnected)
}

// Teardown moves an active session through Disconnecting to
// Disconnected. It reports false when there was nothing to tear down.
func (m *Machine) Teardown() bool {
	for {
		cur := m.v.Load()
		switch cur {
		case StateDisconnected, StateDisconnecting:
			return false
		case StateError:
			m.v.CompareAndStore(StateError, StateDisconnected)
			return false
		}
		if m.v.CompareAndStore(cur, StateDisconnecting) {
			return true
		}
	}
}

// Finish completes a Teardown
func (m *Machine) Finish() {
	m.v.Store(StateDisconnected)
}

// Ready reports whether sends are allowed
func (m *Machine) Ready() bool { return m.v.Load() == StateConnected }
