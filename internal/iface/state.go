package iface

// State is the lifecycle position of one interface
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateRemoved  State = "removed"
)

var transitions = map[State][]State{
	StateCreated:  {StateStarting, StateRemoved},
	StateStarting: {StateRunning, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
	StateStopped:  {StateStarting, StateRemoved},
}

// CanTransition reports whether the lifecycle allows from -> to.
// Removed is terminal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether a worker exists for the interface
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
