package torture

import "strconv"

// State is a participant's position in its join lifecycle. States are
// ordered; a participant only ever moves to a later state.
type State int

const (
	StateCreated State = iota
	StateJoining
	StateJoinedMUC
	StateIceConnected
	StateLeft
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateJoining:
		return "joining"
	case StateJoinedMUC:
		return "joined_muc"
	case StateIceConnected:
		return "ice_connected"
	case StateLeft:
		return "left"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// InConference reports whether the participant is past navigation and has
// not left.
func (s State) InConference() bool {
	return s >= StateJoining && s < StateLeft
}

// Gone reports whether the participant has left or been closed.
func (s State) Gone() bool {
	return s >= StateLeft
}

func canTransition(from, to State) bool {
	return to > from
}
