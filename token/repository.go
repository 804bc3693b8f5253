package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound   = errors.New("token: account not found")
	ErrAccountExists     = errors.New("token: account already exists")
	ErrInsufficientFunds = errors.New("token: insufficient funds")
)

// Repository implements the reserve/transfer/slash ledger primitive. All
// mutating methods run inside the caller's transaction so a failing
// operation never partially applies.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateAccount registers an account with an opening balance.
func (r *Repository) CreateAccount(ctx context.Context, id string, balance int64) (Account, error) {
	const q = `
		INSERT INTO accounts (id, balance)
		VALUES ($1, $2)
		RETURNING id, balance, reserved, created_at
	`
	var acc Account
	err := r.pool.QueryRow(ctx, q, id, balance).
		Scan(&acc.ID, &acc.Balance, &acc.Reserved, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("token: create account: %w", err)
	}
	return acc, nil
}

// Get returns the account by id.
func (r *Repository) Get(ctx context.Context, id string) (Account, error) {
	const q = `SELECT id, balance, reserved, created_at FROM accounts WHERE id = $1`
	var acc Account
	err := r.pool.QueryRow(ctx, q, id).Scan(&acc.ID, &acc.Balance, &acc.Reserved, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("token: get account: %w", err)
	}
	return acc, nil
}

// Reserve moves amount from free balance to the reserved bucket.
func (r *Repository) Reserve(ctx context.Context, tx pgx.Tx, account string, amount int64) error {
	const q = `
		UPDATE accounts
		SET balance = balance - $2, reserved = reserved + $2
		WHERE id = $1 AND balance >= $2
	`
	tag, err := tx.Exec(ctx, q, account, amount)
	if err != nil {
		return fmt.Errorf("token: reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, account)
	}
	return nil
}

// Unreserve returns amount from the reserved bucket to free balance.
func (r *Repository) Unreserve(ctx context.Context, tx pgx.Tx, account string, amount int64) error {
	const q = `
		UPDATE accounts
		SET balance = balance + $2, reserved = reserved - $2
		WHERE id = $1 AND reserved >= $2
	`
	tag, err := tx.Exec(ctx, q, account, amount)
	if err != nil {
		return fmt.Errorf("token: unreserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, account)
	}
	return nil
}

// Transfer moves amount between free balances.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	const debit = `
		UPDATE accounts
		SET balance = balance - $2
		WHERE id = $1 AND balance >= $2
	`
	tag, err := tx.Exec(ctx, debit, from, amount)
	if err != nil {
		return fmt.Errorf("token: transfer debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, from)
	}
	return r.credit(ctx, tx, to, amount)
}

// Slash moves amount out of from's reserved bucket into to's free balance.
// Settlement uses it to hand the loser's deposit to serving resolvers.
func (r *Repository) Slash(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	const debit = `
		UPDATE accounts
		SET reserved = reserved - $2
		WHERE id = $1 AND reserved >= $2
	`
	tag, err := tx.Exec(ctx, debit, from, amount)
	if err != nil {
		return fmt.Errorf("token: slash debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, from)
	}
	return r.credit(ctx, tx, to, amount)
}

func (r *Repository) credit(ctx context.Context, tx pgx.Tx, to string, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, to, amount)
	if err != nil {
		return fmt.Errorf("token: credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *Repository) classifyMiss(ctx context.Context, tx pgx.Tx, account string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, account).Scan(&exists); err != nil {
		return fmt.Errorf("token: check account: %w", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientFunds
}
