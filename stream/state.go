package stream

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a Driver.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRebalancing
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateRebalancing:
		return "REBALANCING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// transitions lists the allowed next states. FAILED is reachable from every
// state except itself and is terminal.
var transitions = map[State][]State{
	StateStopped:     {StateStarting},
	StateStarting:    {StateRunning, StateStopping},
	StateRunning:     {StateRebalancing, StateStopping},
	StateRebalancing: {StateRunning, StateStopping},
	StateStopping:    {StateStopped},
}

type stateMachine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

func (sm *stateMachine) get() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

func (sm *stateMachine) transition(to State) error {
	sm.mu.Lock()
	from := sm.state
	if !canTransition(from, to) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	sm.state = to
	sm.mu.Unlock()

	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return nil
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateFailed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
