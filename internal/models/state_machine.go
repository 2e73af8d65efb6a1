package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of a position.
type PositionState string

const (
	// StatePending means the entry order was placed but not yet filled.
	StatePending PositionState = "pending"
	// StateOpen means the position is filled and under management.
	StateOpen PositionState = "open"
	// StateExiting means a close order is in flight.
	StateExiting PositionState = "exiting"
	// StateClosed means the position completed its lifecycle.
	StateClosed PositionState = "closed"
	// StateError means the position requires manual intervention.
	StateError PositionState = "error"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal position transition. A
// position transitions to Closed exactly once.
var ValidTransitions = []StateTransition{
	{StatePending, StateOpen, "order_filled", "Entry order filled"},
	{StatePending, StateError, "order_failed", "Entry order rejected or failed"},
	{StatePending, StateClosed, "order_timeout", "Entry order timed out without fill"},
	{StateOpen, StateExiting, "exit_triggered", "Exit trigger fired, close order in flight"},
	{StateOpen, StateClosed, "exit_filled", "Position closed directly"},
	{StateExiting, StateClosed, "exit_filled", "Close order filled"},
	{StateExiting, StateOpen, "exit_failed", "Close order failed, back under management"},
	{StateError, StateClosed, "force_close", "Force close after manual intervention"},
}

// StateMachine manages position state transitions.
type StateMachine struct {
	currentState    PositionState
	previousState   PositionState
	transitionTime  time.Time
	transitionCount map[PositionState]int
}

// NewStateMachine creates a state machine in the pending state.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StatePending,
		previousState:   StatePending,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// NewStateMachineFromState restores a state machine from a persisted
// state, used when positions are reloaded on cold start.
func NewStateMachineFromState(state PositionState) *StateMachine {
	if state == "" {
		state = StatePending
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// IsValidTransition checks whether a transition is legal from the
// current state.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From != sm.currentState || t.To != to {
			continue
		}
		if t.Condition == "" || t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if sm.currentState == StateClosed {
		return fmt.Errorf("position already closed, no further transitions allowed")
	}
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// IsTerminal reports whether the position has finished its lifecycle.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed
}

// GetTransitionCount returns how many times the machine entered a state.
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// GetStateDescription returns a human-readable description of the
// current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePending:
		return "Entry order submitted, waiting for fill"
	case StateOpen:
		return "Position open, monitored every 30s"
	case StateExiting:
		return "Exit order in flight"
	case StateClosed:
		return "Position closed"
	case StateError:
		return "Error state - manual intervention required"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	out := &StateMachine{
		currentState:    sm.currentState,
		previousState:   sm.previousState,
		transitionTime:  sm.transitionTime,
		transitionCount: make(map[PositionState]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}
