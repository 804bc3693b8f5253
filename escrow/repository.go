package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrPaymentNotFound = errors.New("escrow: payment not found")
	ErrBadStatus       = errors.New("escrow: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns a payment without locking it.
func (r *Repository) Get(ctx context.Context, paymentID string) (Payment, error) {
	const q = `
		SELECT id, payer, payee, amount, description, status::text, created_at, updated_at
		FROM payments WHERE id = $1
	`
	return scanPayment(r.pool.QueryRow(ctx, q, paymentID))
}

// GetForUpdate locks the payment row for the remainder of tx. Dispute
// operations call this first so everything touching one payment
// serializes.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error) {
	const q = `
		SELECT id, payer, payee, amount, description, status::text, created_at, updated_at
		FROM payments WHERE id = $1
		FOR UPDATE
	`
	return scanPayment(tx.QueryRow(ctx, q, paymentID))
}

// Insert records a new pending payment under the caller-supplied id.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, id, payer, payee string, amount int64, description string) (Payment, error) {
	const q = `
		INSERT INTO payments (id, payer, payee, amount, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, payer, payee, amount, description, status::text, created_at, updated_at
	`
	return scanPayment(tx.QueryRow(ctx, q, id, payer, payee, amount, description))
}

// UpdateStatus advances the payment lifecycle, enforcing the expected
// current status.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, paymentID string, from, to Status) error {
	const q = `
		UPDATE payments
		SET status = $3::payment_status, updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $2::payment_status
	`
	tag, err := tx.Exec(ctx, q, paymentID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
			return fmt.Errorf("escrow: check payment: %w", err)
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrBadStatus
	}
	return nil
}

// CanDispute reports whether a dispute may be opened against the payment.
func (p Payment) CanDispute() bool {
	return p.Status == StatusAccepted
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Payer, &p.Payee, &p.Amount, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("escrow: scan payment: %w", err)
	}
	return p, nil
}
