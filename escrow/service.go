package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"disputeflow/token"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var ErrNotPayee = errors.New("escrow: caller is not the payee")

// Service implements the escrow collaborator consumed by the dispute
// engine: payments are locked (reserved on the payer) on acceptance and
// released exactly once by settlement.
type Service struct {
	pool   TxBeginner
	repo   *Repository
	tokens *token.Repository
}

func NewService(pool TxBeginner, repo *Repository, tokens *token.Repository) *Service {
	return &Service{pool: pool, repo: repo, tokens: tokens}
}

// CreatePayment records a pending payment from payer to payee.
func (s *Service) CreatePayment(ctx context.Context, payer, payee string, amount int64, description string) (Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.Insert(ctx, tx, uuid.NewString(), payer, payee, amount, description)
	if err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return p, nil
}

// AcceptPayment is the payee taking the payment; the amount is reserved
// on the payer from this point until settlement or completion.
func (s *Service) AcceptPayment(ctx context.Context, payee, paymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Payee != payee {
		return ErrNotPayee
	}
	if p.Status != StatusPending {
		return ErrBadStatus
	}

	if err := s.tokens.Reserve(ctx, tx, p.Payer, p.Amount); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, tx, paymentID, StatusPending, StatusAccepted); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit accept: %w", err)
	}
	return nil
}

// MarkDisputed flags the payment inside the caller's transaction.
func (s *Service) MarkDisputed(ctx context.Context, tx pgx.Tx, paymentID string) error {
	return s.repo.UpdateStatus(ctx, tx, paymentID, StatusAccepted, StatusDisputed)
}

// Release hands the escrowed amount to the winning party inside the
// caller's transaction. Called exactly once per disputed payment, by
// settlement.
func (s *Service) Release(ctx context.Context, tx pgx.Tx, paymentID, to string) (int64, error) {
	p, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return 0, err
	}
	if p.Status != StatusDisputed {
		return 0, ErrBadStatus
	}
	if err := s.tokens.Slash(ctx, tx, p.Payer, to, p.Amount); err != nil {
		return 0, err
	}
	if err := s.repo.UpdateStatus(ctx, tx, paymentID, StatusDisputed, StatusCompleted); err != nil {
		return 0, err
	}
	return p.Amount, nil
}

// Get exposes payment lookup to the facade.
func (s *Service) Get(ctx context.Context, paymentID string) (Payment, error) {
	return s.repo.Get(ctx, paymentID)
}

// GetForUpdate locks the payment inside the caller's transaction.
func (s *Service) GetForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error) {
	return s.repo.GetForUpdate(ctx, tx, paymentID)
}
