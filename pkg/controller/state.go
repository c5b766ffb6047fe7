package controller

import (
	"sync"

	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/types"
)

var transitions = map[types.ControllerState][]types.ControllerState{
	types.ControllerStateNew: {
		types.ControllerStateLive,
		types.ControllerStateResetting,
		types.ControllerStateDeleting,
	},
	types.ControllerStateLive: {
		types.ControllerStateResetting,
		types.ControllerStateReconnecting,
		types.ControllerStateDeleting,
	},
	types.ControllerStateResetting: {
		types.ControllerStateLive,
		types.ControllerStateDeleting,
	},
	types.ControllerStateReconnecting: {
		types.ControllerStateLive,
		types.ControllerStateDeleting,
	},
	types.ControllerStateDeleting: {
		types.ControllerStateDead,
	},
}

// CanTransition reports whether a controller in state from may move to state to.
func CanTransition(from, to types.ControllerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange describes one committed transition. Seq increases by one with
// every commit, so a hook that runs late can tell it has been superseded.
type StateChange struct {
	From, To types.ControllerState
	Seq      uint64
}

// StateMachine holds a controller's lifecycle state. Transitions are checked
// and committed atomically; the change hook runs after the lock is released,
// so hooks for back-to-back transitions may run in any order.
type StateMachine struct {
	mu       sync.Mutex
	state    types.ControllerState
	seq      uint64
	onChange func(StateChange)
}

// NewStateMachine creates a state machine in the New state
func NewStateMachine(onChange func(StateChange)) *StateMachine {
	return &StateMachine{
		state:    types.ControllerStateNew,
		onChange: onChange,
	}
}

// ChangeState moves to target if the transition is allowed. Of several
// callers racing for the same edge exactly one gets true.
func (m *StateMachine) ChangeState(target types.ControllerState) bool {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, target) {
		m.mu.Unlock()
		return false
	}
	m.state = target
	m.seq++
	change := StateChange{From: from, To: target, Seq: m.seq}
	m.mu.Unlock()

	metrics.StateTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	if m.onChange != nil {
		m.onChange(change)
	}
	return true
}

// Seq returns the sequence number of the last committed transition
func (m *StateMachine) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Current reports whether change is still the latest transition
func (m *StateMachine) Current(change StateChange) bool {
	return m.Seq() == change.Seq
}

// State returns the current state
func (m *StateMachine) State() types.ControllerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
