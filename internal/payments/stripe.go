package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/transfer"

	"github.com/citycab/dispatch/pkg/common"
)

// StripeGateway captures fares and settles payouts through Stripe.
type StripeGateway struct {
	apiKey string
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{apiKey: apiKey}
}

// Name identifies the provider on persisted transactions.
func (s *StripeGateway) Name() string {
	return "stripe"
}

// Charge captures the fare via a confirmed payment intent.
func (s *StripeGateway) Charge(ctx context.Context, req *ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.AddMetadata("ride_id", req.RideID.String())
	params.AddMetadata("rider_id", req.RiderID.String())
	params.AddMetadata("driver_id", req.DriverID.String())
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeError("failed to create payment intent", err)
	}

	return &Charge{PaymentID: pi.ID, Status: string(pi.Status)}, nil
}

// Verify fetches the provider's current view of a capture.
func (s *StripeGateway) Verify(ctx context.Context, gatewayPaymentID string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(gatewayPaymentID, params)
	if err != nil {
		return nil, classifyStripeError("failed to retrieve payment intent", err)
	}
	return &Charge{PaymentID: pi.ID, Status: string(pi.Status)}, nil
}

// Refund returns captured funds to the rider.
func (s *StripeGateway) Refund(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(gatewayPaymentID),
		Amount:        stripe.Int64(amountCents),
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return "", classifyStripeError("failed to create refund", err)
	}
	return r.ID, nil
}

// Payout transfers the driver's share to their connected account.
func (s *StripeGateway) Payout(ctx context.Context, req *PayoutRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.DriverID.String()),
		Description: stripe.String(fmt.Sprintf("Driver payout %s", req.PayoutID)),
	}
	params.AddMetadata("payout_id", req.PayoutID.String())
	params.AddMetadata("driver_id", req.DriverID.String())
	params.Context = ctx

	t, err := transfer.New(params)
	if err != nil {
		return "", classifyStripeError("failed to create transfer", err)
	}
	return t.ID, nil
}

// classifyStripeError maps gateway failures onto the retryability model:
// transport faults, rate limits and 5xx responses are worth another attempt;
// declines and invalid requests are not.
func classifyStripeError(message string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode >= 500,
			stripeErr.HTTPStatusCode == 429,
			stripeErr.HTTPStatusCode == 408,
			stripeErr.Type == stripe.ErrorTypeAPI:
			return common.NewGatewayUnavailableError(message, err)
		default:
			return common.NewFatalError(message, err)
		}
	}
	// Non-Stripe errors are transport-level: connection resets, timeouts.
	return common.NewGatewayUnavailableError(message, err)
}
