package basic

import "fmt"

// State is the persistent state of a file-system object.
type State int16

const (
	StateFree State = iota
	StateCreatePending
	StateCreated
	StateDropPending
	StateAbortingCreate
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateCreatePending:
		return "Create Pending"
	case StateCreated:
		return "Created"
	case StateDropPending:
		return "Drop Pending"
	case StateAbortingCreate:
		return "Aborting Create"
	}
	return fmt.Sprintf("Unknown state (%d)", int16(s))
}

func (s State) Valid() bool {
	return s >= StateFree && s <= StateAbortingCreate
}

// allowedTransitions is the complete state machine. Free is entered only
// through Dropped, which removes the object.
var allowedTransitions = map[State][]State{
	StateFree:           {StateCreatePending},
	StateCreatePending:  {StateCreated, StateDropPending, StateAbortingCreate},
	StateCreated:        {StateDropPending},
	StateDropPending:    {StateFree},
	StateAbortingCreate: {StateFree},
}

// TransitionAllowed reports whether from -> to is part of the state machine.
func TransitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChangeResult tells the caller whether a state change did real work.
type StateChangeResult int

const (
	StateChangeNone StateChangeResult = iota
	StateChangeOk
	StateChangeAlreadyDone
	StateChangeDeleteUnnecessary
	StateChangeErrorSuppressed
	StateChangeNeeded
)

func (r StateChangeResult) String() string {
	switch r {
	case StateChangeNone:
		return "None"
	case StateChangeOk:
		return "Ok"
	case StateChangeAlreadyDone:
		return "Already Done"
	case StateChangeDeleteUnnecessary:
		return "Delete Unnecessary"
	case StateChangeErrorSuppressed:
		return "Error Suppressed"
	case StateChangeNeeded:
		return "State Change Needed"
	}
	return fmt.Sprintf("result(%d)", int(r))
}
