package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/database"
	"github.com/citycab/dispatch/pkg/models"
)

// PaymentRepository is the persistence contract for transactions and payouts.
// A partial unique index on (ride_id) WHERE status = 'success' enforces at
// most one successful capture per ride.
type PaymentRepository interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByRideID(ctx context.Context, rideID uuid.UUID) (*models.Transaction, error)
	RecordAttemptFailure(ctx context.Context, id uuid.UUID, retryCount int, reason string) error
	MarkTransactionSuccess(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (*models.Transaction, error)
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error
	SetRidePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error
	CreatePayout(ctx context.Context, payout *models.DriverPayout) error
	DuePayouts(ctx context.Context, now time.Time, limit int) ([]*models.DriverPayout, error)
	ClaimPayout(ctx context.Context, id uuid.UUID) (bool, error)
	CompletePayout(ctx context.Context, id uuid.UUID) error
	FailPayout(ctx context.Context, id uuid.UUID, reason string) error
}

// Repository handles database operations for payments.
type Repository struct {
	db *pgxpool.Pool
}

var _ PaymentRepository = (*Repository)(nil)

// NewRepository creates a new payments repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const transactionColumns = `
	id, ride_id, rider_id, driver_id, amount, currency, status, gateway,
	gateway_payment_id, retry_count, failure_reason, processed_at,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := row.Scan(
		&tx.ID,
		&tx.RideID,
		&tx.RiderID,
		&tx.DriverID,
		&tx.Amount,
		&tx.Currency,
		&tx.Status,
		&tx.Gateway,
		&tx.GatewayPaymentID,
		&tx.RetryCount,
		&tx.FailureReason,
		&tx.ProcessedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// CreateTransaction persists a new pending capture.
func (r *Repository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, ride_id, rider_id, driver_id, amount, currency, status, gateway, retry_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		tx.ID, tx.RideID, tx.RiderID, tx.DriverID,
		tx.Amount, tx.Currency, tx.Status, tx.Gateway, tx.RetryCount,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return common.NewConflictError("transaction already exists for ride")
		}
		if database.IsPostgresRetryable(err) {
			return common.NewTransientStoreError("failed to create transaction", err)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByRideID returns the capture row for a ride.
func (r *Repository) GetTransactionByRideID(ctx context.Context, rideID uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions WHERE ride_id = $1
		ORDER BY created_at DESC LIMIT 1`

	tx, err := database.RetryableQueryRow(ctx, r.db, query, []interface{}{rideID}, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("transaction not found", err)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// RecordAttemptFailure bumps the retry counter after a failed attempt while
// the transaction stays pending.
func (r *Repository) RecordAttemptFailure(ctx context.Context, id uuid.UUID, retryCount int, reason string) error {
	query := `
		UPDATE transactions
		SET retry_count = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	// Idempotent: the counter is set to an absolute value, so a retried
	// write after an ambiguous failure cannot double-count.
	tag, err := database.RetryableExec(ctx, r.db, query,
		retryCount, reason, time.Now().UTC(), id, models.TransactionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewInvalidTransitionError("transaction is not pending")
	}
	return nil
}

// MarkTransactionSuccess finalises the capture.
func (r *Repository) MarkTransactionSuccess(ctx context.Context, id uuid.UUID, gatewayPaymentID string) (*models.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $1, gateway_payment_id = $2, failure_reason = NULL,
		    processed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING ` + transactionColumns

	now := time.Now().UTC()
	tx, err := scanTransaction(r.db.QueryRow(ctx, query,
		models.TransactionStatusSuccess, gatewayPaymentID, now, id, models.TransactionStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewInvalidTransitionError("transaction is not pending")
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.NewConflictError("ride already has a successful capture")
		}
		return nil, fmt.Errorf("failed to mark transaction success: %w", err)
	}
	return tx, nil
}

// MarkTransactionFailed ends the capture after the retry budget is spent or a
// non-retryable decline.
func (r *Repository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE transactions
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query,
		models.TransactionStatusFailed, reason, time.Now().UTC(), id, models.TransactionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewInvalidTransitionError("transaction is not pending")
	}
	return nil
}

// MarkTransactionRefunded flags a successful capture as returned.
func (r *Repository) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE transactions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query,
		models.TransactionStatusRefunded, time.Now().UTC(), id, models.TransactionStatusSuccess)
	if err != nil {
		return fmt.Errorf("failed to mark transaction refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewInvalidTransitionError("only successful transactions can be refunded")
	}
	return nil
}

// SetRidePaymentStatus mirrors the capture outcome onto the ride row.
func (r *Repository) SetRidePaymentStatus(ctx context.Context, rideID uuid.UUID, status models.PaymentStatus) error {
	query := `
		UPDATE rides
		SET payment_status = $1, updated_at = $2
		WHERE id = $3
	`
	// Idempotent: the status is an absolute value, so redeliveries converge.
	tag, err := database.RetryableExec(ctx, r.db, query, status, time.Now().UTC(), rideID)
	if err != nil {
		return fmt.Errorf("failed to set ride payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewNotFoundError("ride not found", nil)
	}
	return nil
}

const payoutColumns = `
	id, transaction_id, driver_id, amount, currency, status, scheduled_for,
	processed_at, failure_reason, created_at, updated_at`

func scanPayout(row pgx.Row) (*models.DriverPayout, error) {
	p := &models.DriverPayout{}
	err := row.Scan(
		&p.ID,
		&p.TransactionID,
		&p.DriverID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.ScheduledFor,
		&p.ProcessedAt,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePayout schedules the driver's share for settlement.
func (r *Repository) CreatePayout(ctx context.Context, payout *models.DriverPayout) error {
	query := `
		INSERT INTO driver_payouts (
			id, transaction_id, driver_id, amount, currency, status, scheduled_for
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		payout.ID, payout.TransactionID, payout.DriverID,
		payout.Amount, payout.Currency, payout.Status, payout.ScheduledFor,
	).Scan(&payout.CreatedAt, &payout.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return common.NewConflictError("payout already scheduled for transaction")
		}
		if database.IsPostgresRetryable(err) {
			return common.NewTransientStoreError("failed to create payout", err)
		}
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

// DuePayouts lists scheduled payouts whose holding delay has elapsed.
func (r *Repository) DuePayouts(ctx context.Context, now time.Time, limit int) ([]*models.DriverPayout, error) {
	query := `SELECT ` + payoutColumns + `
		FROM driver_payouts
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, models.PayoutStatusScheduled, now, limit)
	if err != nil {
		if database.IsPostgresRetryable(err) {
			return nil, common.NewTransientStoreError("failed to list due payouts", err)
		}
		return nil, fmt.Errorf("failed to list due payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*models.DriverPayout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// ClaimPayout moves a payout to PROCESSING. False means another sweeper
// already holds it.
func (r *Repository) ClaimPayout(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE driver_payouts
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query,
		models.PayoutStatusProcessing, time.Now().UTC(), id, models.PayoutStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to claim payout: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePayout finalises a settled payout.
func (r *Repository) CompletePayout(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE driver_payouts
		SET status = $1, processed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, query,
		models.PayoutStatusCompleted, now, id, models.PayoutStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewInvalidTransitionError("payout is not processing")
	}
	return nil
}

// FailPayout records a settlement failure for later retry or reconciliation.
func (r *Repository) FailPayout(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE driver_payouts
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query,
		models.PayoutStatusFailed, reason, time.Now().UTC(), id, models.PayoutStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewInvalidTransitionError("payout is not processing")
	}
	return nil
}
