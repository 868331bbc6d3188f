package strategy

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateEmpty}
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState forces the machine into a state, bypassing transitions.
// Used when reconciling against live exchange data at startup.
func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func nextState(current State, event Event) State {
	switch current {
	case StateEmpty:
		if event == EventOpen {
			return StateOpening
		}
	case StateOpening:
		if event == EventOpened {
			return StateHolding
		}
		if event == EventAbort {
			return StateEmpty
		}
	case StateHolding:
		if event == EventRotate {
			return StateRotating
		}
		if event == EventRiskClose {
			return StateEmpty
		}
	case StateRotating:
		if event == EventOpened {
			return StateHolding
		}
		if event == EventAbort {
			return StateEmpty
		}
	}
	return current
}
