package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound           = errors.New("resolver: not found")
	ErrAlreadyRegistered  = errors.New("resolver: already registered")
	ErrDelegationNotFound = errors.New("resolver: delegation not found")
	ErrInvalidAmount      = errors.New("resolver: invalid amount")
	ErrTerminated         = errors.New("resolver: terminated")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the resolver without locking.
func (r *Repository) Get(ctx context.Context, account string) (Resolver, error) {
	const q = `
		SELECT account, application, status::text, self_stake, delegated_stake, credibility, created_at, updated_at
		FROM resolvers WHERE account = $1
	`
	return scanResolver(r.pool.QueryRow(ctx, q, account))
}

// GetForUpdate locks the resolver row for the remainder of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, account string) (Resolver, error) {
	const q = `
		SELECT account, application, status::text, self_stake, delegated_stake, credibility, created_at, updated_at
		FROM resolvers WHERE account = $1
		FOR UPDATE
	`
	return scanResolver(tx.QueryRow(ctx, q, account))
}

// Insert creates the resolver row.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, res Resolver) error {
	const q = `
		INSERT INTO resolvers (account, application, status, self_stake, delegated_stake, credibility)
		VALUES ($1, $2, $3::resolver_status, $4, $5, $6)
		ON CONFLICT (account) DO NOTHING
	`
	tag, err := tx.Exec(ctx, q, res.Account, res.Application, string(res.Status), res.SelfStake, res.DelegatedStake, res.Credibility)
	if err != nil {
		return fmt.Errorf("resolver: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

// SetStatus flips the lifecycle flag.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, account string, status Status) error {
	const q = `
		UPDATE resolvers
		SET status = $2::resolver_status, updated_at = get_tx_timestamp()
		WHERE account = $1
	`
	tag, err := tx.Exec(ctx, q, account, string(status))
	if err != nil {
		return fmt.Errorf("resolver: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertDelegation merges amount into the (delegator, resolver) pair and
// bumps the resolver's delegated stake.
func (r *Repository) UpsertDelegation(ctx context.Context, tx pgx.Tx, delegator, resolver string, amount int64) error {
	const q = `
		INSERT INTO delegations (delegator, resolver, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (delegator, resolver)
		DO UPDATE SET amount = delegations.amount + EXCLUDED.amount, updated_at = get_tx_timestamp()
	`
	if _, err := tx.Exec(ctx, q, delegator, resolver, amount); err != nil {
		return fmt.Errorf("resolver: upsert delegation: %w", err)
	}
	const bump = `
		UPDATE resolvers
		SET delegated_stake = delegated_stake + $2, updated_at = get_tx_timestamp()
		WHERE account = $1
	`
	if _, err := tx.Exec(ctx, bump, resolver, amount); err != nil {
		return fmt.Errorf("resolver: bump delegated stake: %w", err)
	}
	return nil
}

// ReduceDelegation subtracts amount from the pair, deleting the row when
// it reaches zero. The resolver's delegated_stake is NOT reduced here:
// weight keeps counting the amount until its pending release matures.
func (r *Repository) ReduceDelegation(ctx context.Context, tx pgx.Tx, delegator, resolver string, amount int64) error {
	var current int64
	err := tx.QueryRow(ctx, `
		SELECT amount FROM delegations
		WHERE delegator = $1 AND resolver = $2
		FOR UPDATE
	`, delegator, resolver).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDelegationNotFound
		}
		return fmt.Errorf("resolver: load delegation: %w", err)
	}
	if amount > current {
		return ErrInvalidAmount
	}
	if amount == current {
		if _, err := tx.Exec(ctx, `DELETE FROM delegations WHERE delegator = $1 AND resolver = $2`, delegator, resolver); err != nil {
			return fmt.Errorf("resolver: delete delegation: %w", err)
		}
		return nil
	}
	const q = `
		UPDATE delegations
		SET amount = amount - $3, updated_at = get_tx_timestamp()
		WHERE delegator = $1 AND resolver = $2
	`
	if _, err := tx.Exec(ctx, q, delegator, resolver, amount); err != nil {
		return fmt.Errorf("resolver: reduce delegation: %w", err)
	}
	return nil
}

// ListDelegations returns all delegations backing a resolver.
func (r *Repository) ListDelegations(ctx context.Context, tx pgx.Tx, resolver string) ([]Delegation, error) {
	const q = `
		SELECT delegator, resolver, amount, updated_at
		FROM delegations WHERE resolver = $1
		ORDER BY delegator
	`
	rows, err := tx.Query(ctx, q, resolver)
	if err != nil {
		return nil, fmt.Errorf("resolver: list delegations: %w", err)
	}
	defer rows.Close()

	out := make([]Delegation, 0, 4)
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.Delegator, &d.Resolver, &d.Amount, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("resolver: scan delegation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolver: iterate delegations: %w", err)
	}
	return out, nil
}

// SchedulePendingRelease parks amount for owner until releaseAt. When
// resolverAccount is non-empty the amount is deducted from that
// resolver's delegated stake at release time.
func (r *Repository) SchedulePendingRelease(ctx context.Context, tx pgx.Tx, owner, resolverAccount string, amount int64, releaseAt time.Time) error {
	var res any
	if resolverAccount != "" {
		res = resolverAccount
	}
	const q = `
		INSERT INTO pending_releases (owner, resolver, amount, release_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, q, owner, res, amount, releaseAt); err != nil {
		return fmt.Errorf("resolver: schedule release: %w", err)
	}
	return nil
}

// DueReleases locks and returns releases whose lock has elapsed.
func (r *Repository) DueReleases(ctx context.Context, tx pgx.Tx, now time.Time) ([]PendingRelease, error) {
	const q = `
		SELECT id, owner, resolver, amount, release_at, released
		FROM pending_releases
		WHERE NOT released AND release_at <= $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("resolver: due releases: %w", err)
	}
	defer rows.Close()

	out := make([]PendingRelease, 0, 8)
	for rows.Next() {
		var p PendingRelease
		if err := rows.Scan(&p.ID, &p.Owner, &p.Resolver, &p.Amount, &p.ReleaseAt, &p.Released); err != nil {
			return nil, fmt.Errorf("resolver: scan release: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolver: iterate releases: %w", err)
	}
	return out, nil
}

// MarkReleased flags a pending release as paid out.
func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `UPDATE pending_releases SET released = true WHERE id = $1 AND NOT released`, id)
	if err != nil {
		return fmt.Errorf("resolver: mark released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolver: release %d already settled", id)
	}
	return nil
}

// ReduceDelegatedStake deducts a matured undelegation from the resolver's
// weight. Terminated resolvers already carry zero stake.
func (r *Repository) ReduceDelegatedStake(ctx context.Context, tx pgx.Tx, account string, amount int64) error {
	const q = `
		UPDATE resolvers
		SET delegated_stake = delegated_stake - $2, updated_at = get_tx_timestamp()
		WHERE account = $1 AND status <> 'terminated' AND delegated_stake >= $2
	`
	if _, err := tx.Exec(ctx, q, account, amount); err != nil {
		return fmt.Errorf("resolver: reduce delegated stake: %w", err)
	}
	return nil
}

// HasOpenAssignment reports whether the resolver sits on any unsealed round.
func (r *Repository) HasOpenAssignment(ctx context.Context, tx pgx.Tx, account string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1
			FROM round_members rm
			JOIN rounds rd ON rd.id = rm.round_id
			WHERE rm.resolver = $1 AND NOT rd.sealed
		)
	`
	var open bool
	if err := tx.QueryRow(ctx, q, account).Scan(&open); err != nil {
		return false, fmt.Errorf("resolver: check assignments: %w", err)
	}
	return open, nil
}

// Terminate zeroes the resolver's stakes, schedules their delayed refunds
// and removes it from the eligible pool. Shared by resign and the
// credibility-floor path.
func (r *Repository) Terminate(ctx context.Context, tx pgx.Tx, res Resolver, releaseAt time.Time) error {
	if res.SelfStake > 0 {
		if err := r.SchedulePendingRelease(ctx, tx, res.Account, "", res.SelfStake, releaseAt); err != nil {
			return err
		}
	}
	delegations, err := r.ListDelegations(ctx, tx, res.Account)
	if err != nil {
		return err
	}
	for _, d := range delegations {
		if err := r.SchedulePendingRelease(ctx, tx, d.Delegator, "", d.Amount, releaseAt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM delegations WHERE resolver = $1`, res.Account); err != nil {
		return fmt.Errorf("resolver: clear delegations: %w", err)
	}
	const q = `
		UPDATE resolvers
		SET status = 'terminated', self_stake = 0, delegated_stake = 0, updated_at = get_tx_timestamp()
		WHERE account = $1
	`
	if _, err := tx.Exec(ctx, q, res.Account); err != nil {
		return fmt.Errorf("resolver: terminate: %w", err)
	}
	return nil
}

// AdjustCredibility applies delta clamped to [0, ceiling] and returns the
// new score.
func (r *Repository) AdjustCredibility(ctx context.Context, tx pgx.Tx, account string, delta, ceiling int) (int, error) {
	const q = `
		UPDATE resolvers
		SET credibility = LEAST($3, GREATEST(0, credibility + $2)),
		    updated_at = get_tx_timestamp()
		WHERE account = $1
		RETURNING credibility
	`
	var score int
	if err := tx.QueryRow(ctx, q, account, delta, ceiling).Scan(&score); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("resolver: adjust credibility: %w", err)
	}
	return score, nil
}

// ActiveCandidates snapshots the eligible pool inside tx, ordered by
// account so every re-derivation of a draw sees the same sequence.
func (r *Repository) ActiveCandidates(ctx context.Context, tx pgx.Tx) ([]Candidate, error) {
	const q = `
		SELECT account, self_stake + delegated_stake, credibility
		FROM resolvers
		WHERE status = 'active'
		ORDER BY account
	`
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolver: active candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, 16)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Account, &c.Stake, &c.Credibility); err != nil {
			return nil, fmt.Errorf("resolver: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolver: iterate candidates: %w", err)
	}
	return out, nil
}

func scanResolver(row pgx.Row) (Resolver, error) {
	var res Resolver
	err := row.Scan(&res.Account, &res.Application, &res.Status, &res.SelfStake, &res.DelegatedStake, &res.Credibility, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolver{}, ErrNotFound
		}
		return Resolver{}, fmt.Errorf("resolver: scan: %w", err)
	}
	return res, nil
}
