package session

import "fmt"

// State is a session lifecycle phase. Values are stable wire identifiers
// shared by both control transports.
type State int

const (
	Definition    State = 1
	Configuration State = 2
	Instantiation State = 3
	Runtime       State = 4
	DataCollect   State = 5
	Shutdown      State = 6
)

var stateNames = map[State]string{
	Definition:    "DEFINITION",
	Configuration: "CONFIGURATION",
	Instantiation: "INSTANTIATION",
	Runtime:       "RUNTIME",
	DataCollect:   "DATACOLLECT",
	Shutdown:      "SHUTDOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Valid reports whether s names a known lifecycle phase.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// StateFromString resolves a state name back to its value.
func StateFromString(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// canTransition reports whether moving from one phase to another is legal.
// The lifecycle only moves forward, with Shutdown reachable from anywhere.
// A same-state transition is allowed as a no-op so callers can retry
// idempotently.
func canTransition(from, to State) bool {
	if !to.Valid() {
		return false
	}
	if from == Shutdown {
		// Terminal. A shut-down session is never reused.
		return false
	}
	if to == Shutdown {
		return true
	}
	return to >= from
}

// Live reports whether kernel realizations may exist in this phase.
func (s State) Live() bool {
	return s == Instantiation || s == Runtime || s == DataCollect
}
