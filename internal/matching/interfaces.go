package matching

import (
	"context"

	"github.com/google/uuid"

	"github.com/citycab/dispatch/internal/geo"
	"github.com/citycab/dispatch/pkg/eventbus"
	"github.com/citycab/dispatch/pkg/models"
)

// RideStore is the slice of the ride repository the dispatcher needs.
// AcceptRide is the single-winner conditional update.
type RideStore interface {
	GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	AcceptRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error)
	CancelRide(ctx context.Context, rideID uuid.UUID, cancelledBy, reason string, fee float64, fromStatuses []models.RideStatus) (*models.Ride, error)
}

// LocationIndex answers radius queries and flips driver availability.
type LocationIndex interface {
	QueryNearby(ctx context.Context, q geo.NearbyQuery) ([]geo.Candidate, error)
	GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error)
	MarkBusy(ctx context.Context, driverID, rideID uuid.UUID) error
}

// Notifier pushes a message to a connected user over their channel.
type Notifier interface {
	Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool
}

// Bus is the event bus surface the dispatcher uses: it consumes ride
// lifecycle events and announces match results.
type Bus interface {
	eventbus.Publisher
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}
