package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClaimOutcome classifies the result of a driver's accept attempt.
type ClaimOutcome string

const (
	// OutcomeConfirmed means the driver won the ride.
	OutcomeConfirmed ClaimOutcome = "confirmed"
	// OutcomeAlreadyMatched means another driver already won.
	OutcomeAlreadyMatched ClaimOutcome = "already_matched"
	// OutcomeAlreadyTerminal means the ride was cancelled or completed
	// before the claim resolved.
	OutcomeAlreadyTerminal ClaimOutcome = "already_terminal"
	// OutcomeProcessing means the race is still resolving; the driver may
	// retry, though the single winner is usually decided by then.
	OutcomeProcessing ClaimOutcome = "processing"
)

// ClaimResult is returned to the realtime layer, which translates it into
// the reply message for the accepting driver.
type ClaimResult struct {
	Outcome ClaimOutcome
	RideID  uuid.UUID
}

// broadcastRecord is the persisted trail of one matching round: who has been
// offered the ride so far, at what radius. Survives matcher crashes so the
// sweeper can expire orphans.
type broadcastRecord struct {
	RideID    uuid.UUID   `json:"ride_id"`
	RiderID   uuid.UUID   `json:"rider_id"`
	Notified  []uuid.UUID `json:"notified"`
	RadiusKm  float64     `json:"radius_km"`
	Round     int         `json:"round"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func claimKey(rideID uuid.UUID) string {
	return fmt.Sprintf("ride:%s:claim", rideID)
}

func broadcastKey(rideID uuid.UUID) string {
	return fmt.Sprintf("ride:%s:broadcast", rideID)
}

func rejectionKey(rideID, driverID uuid.UUID) string {
	return fmt.Sprintf("ride:%s:rejected:%s", rideID, driverID)
}
