package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/eventbus"
	"github.com/citycab/dispatch/pkg/models"
	"github.com/citycab/dispatch/test/mocks"
)

type mockPaymentRepo struct {
	mock.Mock
}

func (m *mockPaymentRepo) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockPaymentRepo) GetTransactionByRideID(ctx context.Context, rideID uuid.UUID) (*models.Transaction, error) {
	args := m.Called(ctx, rideID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockPaymentRepo) RecordAttemptFailure(ctx context.Context, id uuid.UUID, retryCount int, reason string) error {
	args := m.Called(ctx, id, retryCount, reason)
	return args.Error(0)
}

func (m *mockPaymentRepo) MarkTransactionSuccess(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (*models.Transaction, error) {
	args := m.Called(ctx, id, gatewayPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockPaymentRepo) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockPaymentRepo) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockPaymentRepo) SetRidePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error {
	args := m.Called(ctx, rideID, status)
	return args.Error(0)
}

func (m *mockPaymentRepo) CreatePayout(ctx context.Context, payout *models.DriverPayout) error {
	args := m.Called(ctx, payout)
	return args.Error(0)
}

func (m *mockPaymentRepo) DuePayouts(ctx context.Context, now time.Time, limit int) ([]*models.DriverPayout, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DriverPayout), args.Error(1)
}

func (m *mockPaymentRepo) ClaimPayout(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockPaymentRepo) CompletePayout(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockPaymentRepo) FailPayout(ctx context.Context, id uuid.UUID, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string { return "stripe" }

func (m *mockGateway) Charge(ctx context.Context, req *ChargeRequest) (*Charge, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Charge), args.Error(1)
}

func (m *mockGateway) Verify(ctx context.Context, gatewayPaymentID string) (*Charge, error) {
	args := m.Called(ctx, gatewayPaymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Charge), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, gatewayPaymentID string, amountCents int64, reason string) (string, error) {
	args := m.Called(ctx, gatewayPaymentID, amountCents, reason)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Payout(ctx context.Context, req *PayoutRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type mockPayNotifier struct {
	mock.Mock
}

func (m *mockPayNotifier) Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool {
	args := m.Called(userID, msgType, data)
	return args.Bool(0)
}

type mockPayBus struct {
	mocks.MockPublisher
}

func (m *mockPayBus) Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error {
	args := m.Called(ctx, subject, consumerName, handler)
	return args.Error(0)
}

func paymentConfig() config.PaymentConfig {
	return config.PaymentConfig{
		MaxRetries:              2,
		AttemptTimeoutSeconds:   10,
		DriverShare:             0.80,
		PayoutDelayHours:        24,
		GatewayFailureThreshold: 5,
		GatewayRecoverySeconds:  60,
	}
}

type paymentFixture struct {
	repo     *mockPaymentRepo
	gateway  *mockGateway
	bus      *mockPayBus
	notifier *mockPayNotifier
	svc      *Service
	slept    []time.Duration
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		repo:     new(mockPaymentRepo),
		gateway:  new(mockGateway),
		bus:      new(mockPayBus),
		notifier: new(mockPayNotifier),
	}
	f.svc = NewService(f.repo, f.gateway, f.bus, f.notifier, paymentConfig())
	f.svc.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func pendingTransaction(rideID, riderID, driverID uuid.UUID, amount float64) *models.Transaction {
	return &models.Transaction{
		ID:       uuid.New(),
		RideID:   rideID,
		RiderID:  riderID,
		DriverID: driverID,
		Amount:   amount,
		Currency: defaultCurrency,
		Status:   models.TransactionStatusPending,
		Gateway:  "stripe",
	}
}

func TestCapturePaymentFirstAttemptSuccess(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).
		Return(nil, common.NewNotFoundError("transaction not found", nil))
	f.repo.On("CreateTransaction", mock.Anything, mock.MatchedBy(func(tx *models.Transaction) bool {
		return tx.RideID == rideID && tx.Amount == 15.24 && tx.Status == models.TransactionStatusPending
	})).Return(nil)

	f.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(req *ChargeRequest) bool {
		return req.AmountCents == 1524 && req.RideID == rideID
	})).Return(&Charge{PaymentID: "pi_123", Status: "succeeded"}, nil)

	captured := pendingTransaction(rideID, riderID, driverID, 15.24)
	captured.Status = models.TransactionStatusSuccess
	f.repo.On("MarkTransactionSuccess", mock.Anything, mock.Anything, "pi_123").Return(captured, nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusCompleted).Return(nil)

	f.repo.On("CreatePayout", mock.Anything, mock.MatchedBy(func(p *models.DriverPayout) bool {
		dueIn := time.Until(p.ScheduledFor)
		return p.DriverID == driverID &&
			p.Amount == 12.19 && // 15.24 * 0.80 rounded
			p.Status == models.PayoutStatusScheduled &&
			dueIn > 23*time.Hour && dueIn <= 24*time.Hour
	})).Return(nil)

	f.notifier.On("Send", riderID, "payment_result", mock.MatchedBy(func(data map[string]interface{}) bool {
		return data["status"] == "completed"
	})).Return(true)
	f.notifier.On("Send", driverID, "payout_scheduled", mock.Anything).Return(true)
	f.bus.On("Publish", mock.Anything, eventbus.SubjectPaymentProcessed, mock.Anything).Return(nil)

	err := f.svc.CapturePayment(context.Background(), rideID, riderID, driverID, 15.24)
	assert.NoError(t, err)
	assert.Empty(t, f.slept)
	f.repo.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
	f.bus.AssertExpectations(t)
}

func TestCapturePaymentIdempotentOnExistingSuccess(t *testing.T) {
	f := newPaymentFixture()
	rideID := uuid.New()

	existing := pendingTransaction(rideID, uuid.New(), uuid.New(), 10)
	existing.Status = models.TransactionStatusSuccess
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(existing, nil)

	err := f.svc.CapturePayment(context.Background(), rideID, existing.RiderID, existing.DriverID, 10)
	assert.NoError(t, err)
	f.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestCapturePaymentRetriesThenSucceeds(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	tx := pendingTransaction(rideID, riderID, driverID, 20)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, common.NewGatewayUnavailableError("gateway timeout", nil)).Once()
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&Charge{PaymentID: "pi_retry", Status: "succeeded"}, nil).Once()

	f.repo.On("RecordAttemptFailure", mock.Anything, tx.ID, 1, mock.Anything).Return(nil)

	captured := *tx
	captured.Status = models.TransactionStatusSuccess
	captured.RetryCount = 1
	f.repo.On("MarkTransactionSuccess", mock.Anything, tx.ID, "pi_retry").Return(&captured, nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusCompleted).Return(nil)
	f.repo.On("CreatePayout", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(true)
	f.bus.On("Publish", mock.Anything, eventbus.SubjectPaymentProcessed, mock.Anything).Return(nil)

	err := f.svc.CapturePayment(context.Background(), rideID, riderID, driverID, 20)
	assert.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, f.slept)
	f.repo.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestCapturePaymentNonRetryableDecline(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	tx := pendingTransaction(rideID, riderID, driverID, 12)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, common.NewFatalError("card declined", nil))

	f.repo.On("MarkTransactionFailed", mock.Anything, tx.ID, mock.Anything).Return(nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusFailed).Return(nil)
	f.notifier.On("Send", riderID, "payment_result", mock.MatchedBy(func(data map[string]interface{}) bool {
		return data["status"] == "failed"
	})).Return(true)
	f.bus.On("Publish", mock.Anything, eventbus.SubjectPaymentFailed, mock.Anything).Return(nil)

	err := f.svc.CapturePayment(context.Background(), rideID, riderID, driverID, 12)
	assert.NoError(t, err)
	assert.Empty(t, f.slept)
	f.gateway.AssertNumberOfCalls(t, "Charge", 1)
	f.repo.AssertNotCalled(t, "RecordAttemptFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCapturePaymentExhaustsRetryBudget(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	tx := pendingTransaction(rideID, riderID, driverID, 18)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(nil, common.NewGatewayUnavailableError("gateway unreachable", nil))

	f.repo.On("RecordAttemptFailure", mock.Anything, tx.ID, 1, mock.Anything).Return(nil)
	f.repo.On("RecordAttemptFailure", mock.Anything, tx.ID, 2, mock.Anything).Return(nil)
	f.repo.On("MarkTransactionFailed", mock.Anything, tx.ID, mock.Anything).Return(nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusFailed).Return(nil)
	f.notifier.On("Send", riderID, "payment_result", mock.Anything).Return(true)
	f.bus.On("Publish", mock.Anything, eventbus.SubjectPaymentFailed, mock.Anything).Return(nil)

	err := f.svc.CapturePayment(context.Background(), rideID, riderID, driverID, 18)
	assert.NoError(t, err)
	f.gateway.AssertNumberOfCalls(t, "Charge", 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.slept)
	f.repo.AssertExpectations(t)
}

func TestHandleRideCancelledChargesRiderFee(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	tx := pendingTransaction(rideID, riderID, driverID, 3)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)
	f.gateway.On("Charge", mock.Anything, mock.MatchedBy(func(req *ChargeRequest) bool {
		return req.AmountCents == 300
	})).Return(&Charge{PaymentID: "pi_fee"}, nil)

	captured := *tx
	captured.Status = models.TransactionStatusSuccess
	f.repo.On("MarkTransactionSuccess", mock.Anything, tx.ID, "pi_fee").Return(&captured, nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusCompleted).Return(nil)
	f.repo.On("CreatePayout", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(true)
	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	event, err := eventbus.NewEvent(eventbus.SubjectRideCancelled, "rides", eventbus.RideCancelledData{
		RideID:      rideID,
		RiderID:     riderID,
		DriverID:    driverID,
		CancelledBy: "rider",
		Fee:         3,
	})
	assert.NoError(t, err)

	assert.NoError(t, f.svc.handleRideCancelled(context.Background(), event))
	f.gateway.AssertExpectations(t)
}

func TestHandleRideCancelledSkipsDriverCancel(t *testing.T) {
	f := newPaymentFixture()

	event, err := eventbus.NewEvent(eventbus.SubjectRideCancelled, "rides", eventbus.RideCancelledData{
		RideID:      uuid.New(),
		CancelledBy: "driver",
		Fee:         0,
	})
	assert.NoError(t, err)

	assert.NoError(t, f.svc.handleRideCancelled(context.Background(), event))
	f.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "GetTransactionByRideID", mock.Anything, mock.Anything)
}

func TestRefund(t *testing.T) {
	f := newPaymentFixture()
	rideID := uuid.New()

	paymentID := "pi_done"
	tx := pendingTransaction(rideID, uuid.New(), uuid.New(), 25)
	tx.Status = models.TransactionStatusSuccess
	tx.GatewayPaymentID = &paymentID
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	f.gateway.On("Verify", mock.Anything, "pi_done").Return(&Charge{PaymentID: "pi_done", Status: "succeeded"}, nil)
	f.gateway.On("Refund", mock.Anything, "pi_done", int64(2500), "dispute").Return("re_1", nil)
	f.repo.On("MarkTransactionRefunded", mock.Anything, tx.ID).Return(nil)
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusRefunded).Return(nil)
	f.notifier.On("Send", tx.RiderID, "refund_processed", mock.Anything).Return(true)

	assert.NoError(t, f.svc.Refund(context.Background(), rideID, "dispute"))
	f.repo.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestCaptureSucceedsWhenRideStatusMirrorFails(t *testing.T) {
	f := newPaymentFixture()
	rideID, riderID, driverID := uuid.New(), uuid.New(), uuid.New()

	tx := pendingTransaction(rideID, riderID, driverID, 9)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)
	f.gateway.On("Charge", mock.Anything, mock.Anything).
		Return(&Charge{PaymentID: "pi_9", Status: "succeeded"}, nil)

	captured := *tx
	captured.Status = models.TransactionStatusSuccess
	f.repo.On("MarkTransactionSuccess", mock.Anything, tx.ID, "pi_9").Return(&captured, nil)

	// The transaction row is the source of truth; a failed mirror write onto
	// the ride must not fail the capture.
	f.repo.On("SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusCompleted).
		Return(common.NewTransientStoreError("rides table unreachable", nil))

	f.repo.On("CreatePayout", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(true)
	f.bus.On("Publish", mock.Anything, eventbus.SubjectPaymentProcessed, mock.Anything).Return(nil)

	err := f.svc.CapturePayment(context.Background(), rideID, riderID, driverID, 9)
	assert.NoError(t, err)
	f.repo.AssertCalled(t, "SetRidePaymentStatus", mock.Anything, rideID, models.PaymentStatusCompleted)
}

func TestRefundRequiresCapturedPayment(t *testing.T) {
	f := newPaymentFixture()
	rideID := uuid.New()

	tx := pendingTransaction(rideID, uuid.New(), uuid.New(), 25)
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	err := f.svc.Refund(context.Background(), rideID, "dispute")
	assert.Equal(t, common.KindInvalidTransition, common.KindOf(err))
	f.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundSkipsAlreadyRefundedCharge(t *testing.T) {
	f := newPaymentFixture()
	rideID := uuid.New()

	paymentID := "pi_done"
	tx := pendingTransaction(rideID, uuid.New(), uuid.New(), 25)
	tx.Status = models.TransactionStatusSuccess
	tx.GatewayPaymentID = &paymentID
	f.repo.On("GetTransactionByRideID", mock.Anything, rideID).Return(tx, nil)

	f.gateway.On("Verify", mock.Anything, "pi_done").Return(&Charge{PaymentID: "pi_done", Status: "canceled"}, nil)

	err := f.svc.Refund(context.Background(), rideID, "dispute")
	assert.Equal(t, common.KindInvalidTransition, common.KindOf(err))
	f.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
