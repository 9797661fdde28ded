package models

import (
	"time"

	"github.com/google/uuid"
)

// AvailabilityStatus represents a driver's dispatch availability.
type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "available"
	AvailabilityBusy      AvailabilityStatus = "busy"
	AvailabilityOffline   AvailabilityStatus = "offline"
)

// DriverAvailability is a driver's dispatch state and preferences.
type DriverAvailability struct {
	DriverID        uuid.UUID          `json:"driver_id" db:"driver_id"`
	Status          AvailabilityStatus `json:"status" db:"status"`
	AcceptsExtended bool               `json:"accepts_extended" db:"accepts_extended"`
	AcceptsParcel   bool               `json:"accepts_parcel" db:"accepts_parcel"`
	Suspended       bool               `json:"suspended" db:"suspended"`
	SuspendedUntil  *time.Time         `json:"suspended_until,omitempty" db:"suspended_until"`
	CurrentRideID   *uuid.UUID         `json:"current_ride_id,omitempty" db:"current_ride_id"`
	LastLocationAt  *time.Time         `json:"last_location_at,omitempty" db:"last_location_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// DriverLocation is a single location sample with its observation time.
// Accuracy is the GPS error radius in meters; zero means not reported.
type DriverLocation struct {
	DriverID   uuid.UUID `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	H3Cell     string    `json:"h3_cell,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
