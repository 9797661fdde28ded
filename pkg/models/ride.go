package models

import (
	"time"

	"github.com/google/uuid"
)

// RideStatus represents the status of a ride
type RideStatus string

const (
	RideStatusRequested     RideStatus = "requested"
	RideStatusMatched       RideStatus = "matched"
	RideStatusDriverArrived RideStatus = "driver_arriving"
	RideStatusInProgress    RideStatus = "in_progress"
	RideStatusCompleted     RideStatus = "completed"
	RideStatusCancelled     RideStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RideStatus) IsTerminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled
}

// Ride represents a ride in the system
type Ride struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	RiderID            uuid.UUID     `json:"rider_id" db:"rider_id"`
	DriverID           *uuid.UUID    `json:"driver_id,omitempty" db:"driver_id"`
	Status             RideStatus    `json:"status" db:"status"`
	PickupLatitude     float64       `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude    float64       `json:"pickup_longitude" db:"pickup_longitude"`
	PickupAddress      string        `json:"pickup_address" db:"pickup_address"`
	DropoffLatitude    float64       `json:"dropoff_latitude" db:"dropoff_latitude"`
	DropoffLongitude   float64       `json:"dropoff_longitude" db:"dropoff_longitude"`
	DropoffAddress     string        `json:"dropoff_address" db:"dropoff_address"`
	PickupZone         string        `json:"pickup_zone" db:"pickup_zone"`
	EstimatedDistance  float64       `json:"estimated_distance" db:"estimated_distance"` // in kilometers
	EstimatedDuration  int           `json:"estimated_duration" db:"estimated_duration"` // in minutes
	EstimatedFare      float64       `json:"estimated_fare" db:"estimated_fare"`
	ActualDistance     *float64      `json:"actual_distance,omitempty" db:"actual_distance"`
	FinalFare          *float64      `json:"final_fare,omitempty" db:"final_fare"`
	CancellationFee    *float64      `json:"cancellation_fee,omitempty" db:"cancellation_fee"`
	PaymentStatus      PaymentStatus `json:"payment_status" db:"payment_status"`
	RequestedAt        time.Time     `json:"requested_at" db:"requested_at"`
	MatchedAt          *time.Time    `json:"matched_at,omitempty" db:"matched_at"`
	ArrivedAt          *time.Time    `json:"arrived_at,omitempty" db:"arrived_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy        *string       `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason *string       `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// RideRequest represents a ride request from a rider
type RideRequest struct {
	PickupLatitude   float64 `json:"pickup_latitude" binding:"required"`
	PickupLongitude  float64 `json:"pickup_longitude" binding:"required"`
	PickupAddress    string  `json:"pickup_address" binding:"required"`
	DropoffLatitude  float64 `json:"dropoff_latitude" binding:"required"`
	DropoffLongitude float64 `json:"dropoff_longitude" binding:"required"`
	DropoffAddress   string  `json:"dropoff_address" binding:"required"`
}

// FareQuote is the fare estimate computed before a ride is submitted.
// BaseFare + DistanceFare always equals EstimatedFare.
type FareQuote struct {
	BaseFare          float64 `json:"base_fare"`
	DistanceFare      float64 `json:"distance_fare"`
	EstimatedFare     float64 `json:"estimated_fare"`
	EstimatedDistance float64 `json:"estimated_distance_km"`
	EstimatedDuration int     `json:"estimated_duration_minutes"`
	DistanceSource    string  `json:"distance_source"` // "route_provider" or "haversine_fallback"
	Currency          string  `json:"currency"`
}
