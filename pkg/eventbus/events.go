package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideRequestedData is emitted when a rider submits a ride. It carries
// everything the matching engine needs to build driver offers.
type RideRequestedData struct {
	RideID            uuid.UUID `json:"ride_id"`
	RiderID           uuid.UUID `json:"rider_id"`
	PickupLatitude    float64   `json:"pickup_latitude"`
	PickupLongitude   float64   `json:"pickup_longitude"`
	PickupAddress     string    `json:"pickup_address"`
	DropoffLatitude   float64   `json:"dropoff_latitude"`
	DropoffLongitude  float64   `json:"dropoff_longitude"`
	DropoffAddress    string    `json:"dropoff_address"`
	PickupZone        string    `json:"pickup_zone"` // "primary" or "extended"
	EstimatedFare     float64   `json:"estimated_fare"`
	EstimatedDistance float64   `json:"estimated_distance_km"`
	EstimatedDuration int       `json:"estimated_duration_minutes"`
	RequestedAt       time.Time `json:"requested_at"`
}

// RideMatchedData is emitted when the claim race resolves.
type RideMatchedData struct {
	RideID    uuid.UUID `json:"ride_id"`
	RiderID   uuid.UUID `json:"rider_id"`
	DriverID  uuid.UUID `json:"driver_id"`
	MatchedAt time.Time `json:"matched_at"`
}

// RideStartedData is emitted when a trip begins.
type RideStartedData struct {
	RideID    uuid.UUID `json:"ride_id"`
	RiderID   uuid.UUID `json:"rider_id"`
	DriverID  uuid.UUID `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
}

// RideCompletedData is emitted when a trip finishes; the payment
// orchestrator consumes it to capture the fare.
type RideCompletedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	RiderID     uuid.UUID `json:"rider_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	FinalFare   float64   `json:"final_fare"`
	DistanceKm  float64   `json:"distance_km"`
	CompletedAt time.Time `json:"completed_at"`
}

// RideCancelledData is emitted when a ride is cancelled. The payment
// orchestrator gates cancellation-fee capture on CancelledBy == "rider".
type RideCancelledData struct {
	RideID        uuid.UUID `json:"ride_id"`
	RiderID       uuid.UUID `json:"rider_id"`
	DriverID      uuid.UUID `json:"driver_id"`       // zero if not yet assigned
	CancelledBy   string    `json:"cancelled_by"`    // "rider", "driver" or "system"
	CancelledByID uuid.UUID `json:"cancelled_by_id"` // zero for system cancellations
	Reason        string    `json:"reason"`
	Fee           float64   `json:"fee"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

// PaymentProcessedData is emitted after a successful capture.
type PaymentProcessedData struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	RideID        uuid.UUID `json:"ride_id"`
	RiderID       uuid.UUID `json:"rider_id"`
	DriverID      uuid.UUID `json:"driver_id"`
	Amount        float64   `json:"amount"`
	Gateway       string    `json:"gateway"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// PaymentFailedData is emitted when capture exhausts its retry budget.
type PaymentFailedData struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	RideID        uuid.UUID `json:"ride_id"`
	RiderID       uuid.UUID `json:"rider_id"`
	Amount        float64   `json:"amount"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
}

// PayoutSettledData is emitted when the payout sweeper finalises a payout.
type PayoutSettledData struct {
	PayoutID    uuid.UUID `json:"payout_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processed_at"`
}
