package models

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	StatusSearching RideStatus = "SEARCHING"
	StatusAssigned  RideStatus = "ASSIGNED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusExpired   RideStatus = "EXPIRED"
	StatusCancelled RideStatus = "CANCELLED"
)

// transitions is the ride state machine. Terminal states have no outgoing edges.
var transitions = map[RideStatus][]RideStatus{
	StatusSearching: {StatusAssigned, StatusExpired, StatusCancelled},
	StatusAssigned:  {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusExpired:   {},
	StatusCancelled: {},
}

func (s RideStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s RideStatus) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
