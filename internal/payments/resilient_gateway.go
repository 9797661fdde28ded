package payments

import (
	"context"
	"time"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/resilience"
)

// ResilientGateway guards a Gateway with a circuit breaker and a per-attempt
// deadline. Retry pacing stays with the orchestrator because each attempt is
// persisted on the transaction row; the breaker only decides whether the
// provider is worth calling at all.
type ResilientGateway struct {
	gateway        Gateway
	breaker        *resilience.CircuitBreaker
	attemptTimeout time.Duration
}

// NewResilientGateway wraps the gateway with breaker settings from config.
func NewResilientGateway(gateway Gateway, cfg config.PaymentConfig) *ResilientGateway {
	settings := resilience.Settings{
		Name:             gateway.Name() + "-gateway",
		Interval:         60 * time.Second,
		Timeout:          time.Duration(cfg.GatewayRecoverySeconds) * time.Second,
		FailureThreshold: uint32(cfg.GatewayFailureThreshold),
		SuccessThreshold: 1,
	}

	fallback := func(ctx context.Context, err error) (interface{}, error) {
		return nil, common.NewGatewayUnavailableError("payment gateway circuit open", err)
	}

	return &ResilientGateway{
		gateway:        gateway,
		breaker:        resilience.NewCircuitBreaker(settings, fallback),
		attemptTimeout: cfg.AttemptTimeout(),
	}
}

// Name returns the wrapped provider name.
func (r *ResilientGateway) Name() string {
	return r.gateway.Name()
}

// Charge runs a single capture attempt through the breaker.
func (r *ResilientGateway) Charge(ctx context.Context, req *ChargeRequest) (*Charge, error) {
	result, err := r.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.gateway.Charge(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Charge), nil
}

// Verify runs a capture status lookup through the breaker.
func (r *ResilientGateway) Verify(ctx context.Context, gatewayPaymentID string) (*Charge, error) {
	result, err := r.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.gateway.Verify(ctx, gatewayPaymentID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Charge), nil
}

// Refund runs a refund through the breaker.
func (r *ResilientGateway) Refund(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	result, err := r.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.gateway.Refund(ctx, gatewayPaymentID, amountCents, reason)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Payout runs a driver transfer through the breaker.
func (r *ResilientGateway) Payout(ctx context.Context, req *PayoutRequest) (string, error) {
	result, err := r.execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.gateway.Payout(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *ResilientGateway) execute(ctx context.Context, op resilience.Operation) (interface{}, error) {
	return r.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()

		result, err := op(attemptCtx)
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
			return nil, common.NewGatewayUnavailableError("gateway attempt deadline exceeded", err)
		}
		return result, err
	})
}
