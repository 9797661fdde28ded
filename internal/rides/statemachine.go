package rides

import (
	"fmt"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/models"
)

// Event is a lifecycle trigger on a ride.
type Event string

const (
	EventAccept   Event = "accept"
	EventArrive   Event = "arrive"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// transitions maps each event to the set of states it is allowed from.
// Completed rides cannot be cancelled; cancelled rides accept nothing.
var transitions = map[Event]map[models.RideStatus]models.RideStatus{
	EventAccept: {
		models.RideStatusRequested: models.RideStatusMatched,
	},
	EventArrive: {
		models.RideStatusMatched: models.RideStatusDriverArrived,
	},
	EventStart: {
		models.RideStatusDriverArrived: models.RideStatusInProgress,
	},
	EventComplete: {
		models.RideStatusInProgress: models.RideStatusCompleted,
	},
	EventCancel: {
		models.RideStatusRequested:     models.RideStatusCancelled,
		models.RideStatusMatched:       models.RideStatusCancelled,
		models.RideStatusDriverArrived: models.RideStatusCancelled,
		models.RideStatusInProgress:    models.RideStatusCancelled,
	},
}

// NextState returns the state the event leads to from the current state, or
// an invalid_transition error. Stale transitions are never retried.
func NextState(current models.RideStatus, event Event) (models.RideStatus, error) {
	allowed, ok := transitions[event]
	if !ok {
		return "", common.NewInvalidTransitionError(fmt.Sprintf("unknown ride event %q", event))
	}
	next, ok := allowed[current]
	if !ok {
		return "", common.NewInvalidTransitionError(
			fmt.Sprintf("event %q not allowed from status %q", event, current))
	}
	return next, nil
}

// CanTransition reports whether the event is valid from the current state.
func CanTransition(current models.RideStatus, event Event) bool {
	_, err := NextState(current, event)
	return err == nil
}
