package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus represents the payment state attached to a ride.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// TransactionStatus represents the state of a single gateway capture attempt set.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusSuccess  TransactionStatus = "success"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

// PayoutStatus represents the state of a driver payout.
type PayoutStatus string

const (
	PayoutStatusScheduled  PayoutStatus = "scheduled"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Transaction represents a fare capture against a ride. At most one
// SUCCESS transaction may exist per ride; retries reuse the same row.
type Transaction struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	RideID           uuid.UUID         `json:"ride_id" db:"ride_id"`
	RiderID          uuid.UUID         `json:"rider_id" db:"rider_id"`
	DriverID         uuid.UUID         `json:"driver_id" db:"driver_id"`
	Amount           float64           `json:"amount" db:"amount"`
	Currency         string            `json:"currency" db:"currency"`
	Status           TransactionStatus `json:"status" db:"status"`
	Gateway          string            `json:"gateway" db:"gateway"`
	GatewayPaymentID *string           `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	RetryCount       int               `json:"retry_count" db:"retry_count"`
	FailureReason    *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// DriverPayout represents the driver's share of a captured fare, settled
// after a holding delay.
type DriverPayout struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	TransactionID uuid.UUID    `json:"transaction_id" db:"transaction_id"`
	DriverID      uuid.UUID    `json:"driver_id" db:"driver_id"`
	Amount        float64      `json:"amount" db:"amount"`
	Currency      string       `json:"currency" db:"currency"`
	Status        PayoutStatus `json:"status" db:"status"`
	ScheduledFor  time.Time    `json:"scheduled_for" db:"scheduled_for"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
	FailureReason *string      `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}
