package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/eventbus"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
)

const defaultCurrency = "usd"

// Bus is the event surface the orchestrator needs.
type Bus interface {
	eventbus.Publisher
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}

// Notifier pushes payment results to connected users.
type Notifier interface {
	Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool
}

// Service orchestrates fare capture and payout scheduling. Capture is
// idempotent per ride: retries reuse the same transaction row and a ride can
// never be charged twice.
type Service struct {
	repo     PaymentRepository
	gateway  Gateway
	bus      Bus
	notifier Notifier
	cfg      config.PaymentConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates the payment orchestrator.
func NewService(repo PaymentRepository, gateway Gateway, bus Bus, notifier Notifier, cfg config.PaymentConfig) *Service {
	return &Service{
		repo:     repo,
		gateway:  gateway,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		sleep:    sleepContext,
	}
}

// Start subscribes to the ride events that trigger money movement.
func (s *Service) Start(ctx context.Context) error {
	err := s.bus.Subscribe(ctx, eventbus.SubjectRideCompleted, "payments-completed", s.handleRideCompleted)
	if err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, eventbus.SubjectRideCancelled, "payments-cancellation", s.handleRideCancelled)
}

func (s *Service) handleRideCompleted(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideCompletedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.WarnContext(ctx, "malformed ride completed event", zap.Error(err))
		return nil
	}
	return s.CapturePayment(ctx, data.RideID, data.RiderID, data.DriverID, data.FinalFare)
}

// handleRideCancelled captures the cancellation fee when a rider cancels
// after the grace period. Driver cancellations never charge the rider.
func (s *Service) handleRideCancelled(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideCancelledData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil
	}
	if data.CancelledBy != "rider" || data.Fee <= 0 {
		return nil
	}
	return s.CapturePayment(ctx, data.RideID, data.RiderID, data.DriverID, data.Fee)
}

// CapturePayment charges the rider for a ride. At most one successful
// transaction ever exists per ride; redeliveries and concurrent captures
// converge on the same row. A non-nil return requests event redelivery.
func (s *Service) CapturePayment(ctx context.Context, rideID, riderID, driverID uuid.UUID, amount float64) error {
	start := time.Now()

	tx, done, err := s.captureTransaction(ctx, rideID, riderID, driverID, amount)
	if err != nil || done {
		return err
	}

	attempt := tx.RetryCount
	for {
		captureAttemptsTotal.Inc()
		charge, chargeErr := s.gateway.Charge(ctx, &ChargeRequest{
			RideID:      rideID,
			RiderID:     riderID,
			DriverID:    driverID,
			AmountCents: toCents(amount),
			Currency:    tx.Currency,
			Description: fmt.Sprintf("Ride %s", rideID),
		})
		if chargeErr == nil {
			s.onCaptureSuccess(ctx, tx, charge, start)
			return nil
		}

		reason := chargeErr.Error()
		if !common.IsRetryable(chargeErr) || attempt >= s.cfg.MaxRetries {
			s.onCaptureFailure(ctx, tx, reason)
			return nil
		}

		attempt++
		if err := s.repo.RecordAttemptFailure(ctx, tx.ID, attempt, reason); err != nil {
			logger.WarnContext(ctx, "failed to record capture attempt",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}

		backoff := time.Duration(1<<(attempt-1)) * time.Second
		logger.InfoContext(ctx, "retrying fare capture",
			zap.String("ride_id", rideID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// captureTransaction finds or creates the single capture row for the ride.
// done reports that the capture already reached a terminal state.
func (s *Service) captureTransaction(ctx context.Context, rideID, riderID, driverID uuid.UUID, amount float64) (*models.Transaction, bool, error) {
	tx, err := s.repo.GetTransactionByRideID(ctx, rideID)
	if err == nil {
		if tx.Status != models.TransactionStatusPending {
			return nil, true, nil
		}
		return tx, false, nil
	}
	if common.KindOf(err) != common.KindNotFound {
		return nil, false, err
	}

	tx = &models.Transaction{
		ID:       uuid.New(),
		RideID:   rideID,
		RiderID:  riderID,
		DriverID: driverID,
		Amount:   amount,
		Currency: defaultCurrency,
		Status:   models.TransactionStatusPending,
		Gateway:  s.gateway.Name(),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if common.KindOf(err) == common.KindConflict {
			// Lost a creation race; the other writer owns the capture.
			return nil, true, nil
		}
		return nil, false, err
	}
	return tx, false, nil
}

func (s *Service) onCaptureSuccess(ctx context.Context, tx *models.Transaction, charge *Charge, start time.Time) {
	updated, err := s.repo.MarkTransactionSuccess(ctx, tx.ID, charge.PaymentID)
	if err != nil {
		// Conflict or concurrent finalisation: the money moved, so the
		// gateway id must not be lost silently.
		logger.ErrorContext(ctx, "captured payment but failed to persist success",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("gateway_payment_id", charge.PaymentID),
			zap.Error(err),
		)
		return
	}

	capturesTotal.WithLabelValues("success").Inc()
	captureDuration.Observe(time.Since(start).Seconds())

	s.setRidePaymentStatus(ctx, updated.RideID, models.PaymentStatusCompleted)
	s.schedulePayout(ctx, updated)

	s.notifier.Send(updated.RiderID, "payment_result", map[string]interface{}{
		"ride_id":  updated.RideID.String(),
		"status":   "completed",
		"amount":   updated.Amount,
		"currency": updated.Currency,
	})

	s.publish(ctx, eventbus.SubjectPaymentProcessed, eventbus.PaymentProcessedData{
		TransactionID: updated.ID,
		RideID:        updated.RideID,
		RiderID:       updated.RiderID,
		DriverID:      updated.DriverID,
		Amount:        updated.Amount,
		Gateway:       updated.Gateway,
		ProcessedAt:   time.Now().UTC(),
	})

	logger.InfoContext(ctx, "payment captured",
		zap.String("ride_id", updated.RideID.String()),
		zap.Float64("amount", updated.Amount),
		zap.Int("retries", updated.RetryCount),
	)
}

func (s *Service) onCaptureFailure(ctx context.Context, tx *models.Transaction, reason string) {
	if err := s.repo.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
		logger.WarnContext(ctx, "failed to persist capture failure",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}

	capturesTotal.WithLabelValues("failed").Inc()

	s.setRidePaymentStatus(ctx, tx.RideID, models.PaymentStatusFailed)

	s.notifier.Send(tx.RiderID, "payment_result", map[string]interface{}{
		"ride_id": tx.RideID.String(),
		"status":  "failed",
		"reason":  reason,
	})

	s.publish(ctx, eventbus.SubjectPaymentFailed, eventbus.PaymentFailedData{
		TransactionID: tx.ID,
		RideID:        tx.RideID,
		RiderID:       tx.RiderID,
		Amount:        tx.Amount,
		Error:         reason,
		FailedAt:      time.Now().UTC(),
	})

	logger.WarnContext(ctx, "payment capture failed",
		zap.String("ride_id", tx.RideID.String()),
		zap.String("reason", reason),
	)
}

// schedulePayout books the driver's share for settlement after the holding
// delay.
func (s *Service) schedulePayout(ctx context.Context, tx *models.Transaction) {
	payout := &models.DriverPayout{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		DriverID:      tx.DriverID,
		Amount:        round2(tx.Amount * s.cfg.DriverShare),
		Currency:      tx.Currency,
		Status:        models.PayoutStatusScheduled,
		ScheduledFor:  time.Now().UTC().Add(s.cfg.PayoutDelay()),
	}

	if err := s.repo.CreatePayout(ctx, payout); err != nil {
		if common.KindOf(err) == common.KindConflict {
			return // already scheduled by an earlier delivery
		}
		logger.ErrorContext(ctx, "failed to schedule payout",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return
	}

	s.notifier.Send(tx.DriverID, "payout_scheduled", map[string]interface{}{
		"ride_id":       tx.RideID.String(),
		"amount":        payout.Amount,
		"currency":      payout.Currency,
		"scheduled_for": payout.ScheduledFor.Format(time.RFC3339),
	})
}

// Refund returns a captured fare to the rider.
func (s *Service) Refund(ctx context.Context, rideID uuid.UUID, reason string) error {
	tx, err := s.repo.GetTransactionByRideID(ctx, rideID)
	if err != nil {
		return err
	}
	if tx.Status != models.TransactionStatusSuccess {
		return common.NewInvalidTransitionError("only captured payments can be refunded")
	}
	if tx.GatewayPaymentID == nil {
		return common.NewFatalError("transaction has no gateway payment id", nil)
	}

	// Confirm the provider still reports the capture before returning funds;
	// a disputed or already-refunded charge must not be refunded twice.
	charge, err := s.gateway.Verify(ctx, *tx.GatewayPaymentID)
	if err != nil {
		return err
	}
	if charge.Status != "succeeded" {
		return common.NewInvalidTransitionError(
			fmt.Sprintf("gateway reports capture in state %q, not refundable", charge.Status))
	}

	if _, err := s.gateway.Refund(ctx, *tx.GatewayPaymentID, toCents(tx.Amount), reason); err != nil {
		return err
	}
	if err := s.repo.MarkTransactionRefunded(ctx, tx.ID); err != nil {
		return err
	}
	s.setRidePaymentStatus(ctx, tx.RideID, models.PaymentStatusRefunded)

	s.notifier.Send(tx.RiderID, "refund_processed", map[string]interface{}{
		"ride_id": tx.RideID.String(),
		"amount":  tx.Amount,
		"reason":  reason,
	})

	logger.InfoContext(ctx, "payment refunded",
		zap.String("ride_id", rideID.String()),
		zap.Float64("amount", tx.Amount),
	)
	return nil
}

// setRidePaymentStatus mirrors the capture outcome onto the ride row. The
// transaction row is the source of truth; a failed mirror write is logged for
// reconciliation, not surfaced.
func (s *Service) setRidePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) {
	if err := s.repo.SetRidePaymentStatus(ctx, rideID, status); err != nil {
		logger.WarnContext(ctx, "failed to update ride payment status",
			zap.String("ride_id", rideID.String()),
			zap.String("payment_status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "payments", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
