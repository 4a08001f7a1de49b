package coordinator

import "fmt"

// State is the phase of the redefinition cycle.
//
//	Idle -> Suspending -> Rewriting -> Redefining -> Resuming -> Idle
//	                          |            |
//	                          +-> Error <--+
type State int32

// Cycle states.
const (
	StateIdle State = iota
	StateSuspending
	StateRewriting
	StateRedefining
	StateResuming
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateSuspending: "suspending",
	StateRewriting:  "rewriting",
	StateRedefining: "redefining",
	StateResuming:   "resuming",
	StateError:      "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
