package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"disputeflow/clock"
	"disputeflow/outbox"
	"disputeflow/token"
)

var (
	// ErrInsufficientStake signals a self-stake below the join minimum.
	ErrInsufficientStake = errors.New("resolver: self stake below minimum")
	// ErrPendingAssignment blocks resignation while committee duties are open.
	ErrPendingAssignment = errors.New("resolver: unsealed committee assignment pending")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the resolver registry: staking, delegation and lifecycle.
type Service struct {
	pool   TxBeginner
	repo   *Repository
	tokens *token.Repository
	clock  clock.Clock
	policy Policy
}

func NewService(pool TxBeginner, repo *Repository, tokens *token.Repository, clk clock.Clock, policy Policy) *Service {
	return &Service{pool: pool, repo: repo, tokens: tokens, clock: clk, policy: policy}
}

// Join registers an account as a resolver, reserving its self-stake.
// Stake at or above the activation threshold activates it immediately;
// otherwise it waits in candidacy for delegations.
func (s *Service) Join(ctx context.Context, account, application string, selfStake int64) (Resolver, error) {
	if selfStake < s.policy.MinSelfStake {
		return Resolver{}, ErrInsufficientStake
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Resolver{}, fmt.Errorf("resolver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.tokens.Reserve(ctx, tx, account, selfStake); err != nil {
		return Resolver{}, err
	}

	res := Resolver{
		Account:     account,
		Application: application,
		Status:      StatusCandidacy,
		SelfStake:   selfStake,
		Credibility: s.policy.InitialCredibility,
	}
	if selfStake >= s.policy.ActivationStake {
		res.Status = StatusActive
	}

	if err := s.repo.Insert(ctx, tx, res); err != nil {
		return Resolver{}, err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverJoined, map[string]any{
		"account":    account,
		"self_stake": selfStake,
		"status":     string(res.Status),
	}); err != nil {
		return Resolver{}, err
	}
	if res.Status == StatusActive {
		if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverActivated, map[string]any{"account": account}); err != nil {
			return Resolver{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Resolver{}, fmt.Errorf("resolver: commit join: %w", err)
	}
	return res, nil
}

// Delegate stakes amount behind an existing resolver, activating it when
// the total crosses the threshold. Repeat delegations to the same
// resolver merge.
func (s *Service) Delegate(ctx context.Context, delegator, resolverAccount string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("resolver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.repo.GetForUpdate(ctx, tx, resolverAccount)
	if err != nil {
		return err
	}
	if res.Status == StatusTerminated {
		return ErrTerminated
	}

	if err := s.tokens.Reserve(ctx, tx, delegator, amount); err != nil {
		return err
	}
	if err := s.repo.UpsertDelegation(ctx, tx, delegator, resolverAccount, amount); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicDelegated, map[string]any{
		"delegator": delegator,
		"resolver":  resolverAccount,
		"amount":    amount,
	}); err != nil {
		return err
	}

	if res.Status == StatusCandidacy && res.TotalStake()+amount >= s.policy.ActivationStake {
		if err := s.repo.SetStatus(ctx, tx, resolverAccount, StatusActive); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverActivated, map[string]any{"account": resolverAccount}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("resolver: commit delegate: %w", err)
	}
	return nil
}

// Undelegate schedules amount for release after the undelegation lock.
// The amount keeps counting toward the resolver's selection weight until
// the lock elapses, so weight cannot be pulled right before a draw.
func (s *Service) Undelegate(ctx context.Context, delegator, resolverAccount string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("resolver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetForUpdate(ctx, tx, resolverAccount); err != nil {
		return err
	}
	if err := s.repo.ReduceDelegation(ctx, tx, delegator, resolverAccount, amount); err != nil {
		return err
	}

	releaseAt := s.clock.Now().Add(s.policy.UndelegateLock)
	if err := s.repo.SchedulePendingRelease(ctx, tx, delegator, resolverAccount, amount, releaseAt); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicUndelegated, map[string]any{
		"delegator":  delegator,
		"resolver":   resolverAccount,
		"amount":     amount,
		"release_at": releaseAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("resolver: commit undelegate: %w", err)
	}
	return nil
}

// Resign terminates the resolver and schedules the delayed refund of its
// self-stake and every delegation. Refused while the resolver still owes
// a judgment to an unsealed round.
func (s *Service) Resign(ctx context.Context, account string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("resolver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.repo.GetForUpdate(ctx, tx, account)
	if err != nil {
		return err
	}
	if res.Status == StatusTerminated {
		return ErrTerminated
	}
	open, err := s.repo.HasOpenAssignment(ctx, tx, account)
	if err != nil {
		return err
	}
	if open {
		return ErrPendingAssignment
	}

	releaseAt := s.clock.Now().Add(s.policy.UndelegateLock)
	if err := s.repo.Terminate(ctx, tx, res, releaseAt); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverResigned, map[string]any{
		"account":    account,
		"release_at": releaseAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("resolver: commit resign: %w", err)
	}
	return nil
}

// ReleaseDueStakes pays out matured pending releases and applies deferred
// weight reductions, deactivating resolvers that fall below the
// activation stake. Driven by the sweep.
func (s *Service) ReleaseDueStakes(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolver: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	due, err := s.repo.DueReleases(ctx, tx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	for _, rel := range due {
		if err := s.tokens.Unreserve(ctx, tx, rel.Owner, rel.Amount); err != nil {
			return 0, err
		}
		if rel.Resolver != nil {
			if err := s.applyWeightReduction(ctx, tx, *rel.Resolver, rel.Amount); err != nil {
				return 0, err
			}
		}
		if err := s.repo.MarkReleased(ctx, tx, rel.ID); err != nil {
			return 0, err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicStakeReleased, map[string]any{
			"owner":  rel.Owner,
			"amount": rel.Amount,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("resolver: commit releases: %w", err)
	}
	return len(due), nil
}

func (s *Service) applyWeightReduction(ctx context.Context, tx pgx.Tx, account string, amount int64) error {
	res, err := s.repo.GetForUpdate(ctx, tx, account)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if res.Status == StatusTerminated {
		return nil
	}
	if err := s.repo.ReduceDelegatedStake(ctx, tx, account, amount); err != nil {
		return err
	}
	if res.Status == StatusActive && res.TotalStake()-amount < s.policy.ActivationStake {
		if err := s.repo.SetStatus(ctx, tx, account, StatusCandidacy); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverDeactivated, map[string]any{"account": account}); err != nil {
			return err
		}
	}
	return nil
}

// Get exposes resolver lookup to the facade.
func (s *Service) Get(ctx context.Context, account string) (Resolver, error) {
	return s.repo.Get(ctx, account)
}

// Policy exposes the configured thresholds (used by settlement for the
// credibility bounds).
func (s *Service) Policy() Policy { return s.policy }
