package payments

import (
	"context"

	"github.com/google/uuid"
)

// ChargeRequest describes a fare capture against the rider.
type ChargeRequest struct {
	RideID      uuid.UUID
	RiderID     uuid.UUID
	DriverID    uuid.UUID
	AmountCents int64
	Currency    string
	Description string
}

// Charge is the gateway's record of a successful capture.
type Charge struct {
	PaymentID string
	Status    string
}

// PayoutRequest describes a transfer of the driver's share.
type PayoutRequest struct {
	PayoutID    uuid.UUID
	DriverID    uuid.UUID
	AmountCents int64
	Currency    string
}

// Gateway abstracts the payment provider. Implementations classify their
// errors: a gateway-unavailable error is retryable, a fatal one is not.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req *ChargeRequest) (*Charge, error)
	Verify(ctx context.Context, gatewayPaymentID string) (*Charge, error)
	Refund(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error)
	Payout(ctx context.Context, req *PayoutRequest) (string, error)
}
