package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"disputeflow/outbox"
	"disputeflow/resolver"
)

// finalizeLocked settles a dispute whose row is already locked in tx. It
// is the only place funds leave the dispute: escrow to the winner, the
// winner's deposit returned, the loser's deposit split across serving
// resolvers, credibility adjusted. Everything applies atomically with
// the state transition or not at all; a failed call leaves the dispute
// retryable.
func (s *Service) finalizeLocked(ctx context.Context, tx pgx.Tx, d Dispute) error {
	if d.Status != StatusFinalizing && d.Status != StatusEscalated {
		return ErrInvalidState
	}

	outcome := d.DefaultOutcome
	winner := d.Winner(outcome)
	loser := d.Loser(outcome)

	amount, err := s.escrow.Release(ctx, tx, d.PaymentID, winner)
	if err != nil {
		return err
	}

	winnerDeposit, loserDeposit := d.PayerDeposit, d.PayeeDeposit
	if outcome == FavorPayee {
		winnerDeposit, loserDeposit = d.PayeeDeposit, d.PayerDeposit
	}
	if winnerDeposit > 0 {
		if err := s.tokens.Unreserve(ctx, tx, winner, winnerDeposit); err != nil {
			return err
		}
	}

	serving, err := s.repo.ServingResolvers(ctx, tx, d.PaymentID)
	if err != nil {
		return err
	}
	if err := s.distributeLoserDeposit(ctx, tx, loser, loserDeposit, serving); err != nil {
		return err
	}
	if err := s.adjustCredibility(ctx, tx, outcome, serving); err != nil {
		return err
	}

	if err := s.repo.Advance(ctx, tx, d.PaymentID, StatusFinalized, outcome, s.clock.Now()); err != nil {
		return err
	}

	return outbox.Enqueue(ctx, tx, outbox.TopicDisputeFinalized, map[string]any{
		"payment_id": d.PaymentID,
		"outcome":    string(outcome),
		"winner":     winner,
		"amount":     amount,
		"resolvers":  len(serving),
	})
}

// distributeLoserDeposit splits the loser's locked deposit across every
// resolver who served on the dispute; the indivisible residue goes to the
// sink account so the books balance exactly. With no resolvers (the payee
// never fought) the deposit simply returns to its owner.
func (s *Service) distributeLoserDeposit(ctx context.Context, tx pgx.Tx, loser string, deposit int64, serving []Member) error {
	if deposit == 0 {
		return nil
	}
	if len(serving) == 0 {
		return s.tokens.Unreserve(ctx, tx, loser, deposit)
	}

	shares, sink := splitDeposit(deposit, len(serving))
	for i, m := range serving {
		if shares[i] == 0 {
			continue
		}
		if err := s.tokens.Slash(ctx, tx, loser, m.Resolver, shares[i]); err != nil {
			return err
		}
	}
	if sink > 0 {
		if err := s.tokens.Slash(ctx, tx, loser, s.policy.SinkAccount, sink); err != nil {
			return err
		}
	}
	return nil
}

// splitDeposit computes the per-resolver payout for a deposit spread over
// n serving resolvers. Each resolver gets the even share and the integer
// remainder is the sink's. A deposit smaller than the committee is handed
// out one unit at a time so resolvers are still paid before the sink.
func splitDeposit(deposit int64, n int) (shares []int64, sink int64) {
	shares = make([]int64, n)
	share := deposit / int64(n)
	if share == 0 {
		for i := int64(0); i < deposit; i++ {
			shares[i] = 1
		}
		return shares, 0
	}
	for i := range shares {
		shares[i] = share
	}
	return shares, deposit % int64(n)
}

// adjustCredibility rewards resolvers whose judgment matched the final
// outcome and penalizes dissenters, terminating any resolver that falls
// below the configured floor.
func (s *Service) adjustCredibility(ctx context.Context, tx pgx.Tx, outcome Judgment, serving []Member) error {
	for _, m := range serving {
		if m.Judgment == nil {
			continue
		}
		delta := -1
		if *m.Judgment == outcome {
			delta = 1
		}
		score, err := s.resolvers.AdjustCredibility(ctx, tx, m.Resolver, delta, s.registry.CredibilityCeiling)
		if err != nil {
			return err
		}
		if delta < 0 && score < s.registry.CredibilityFloor {
			res, err := s.resolvers.GetForUpdate(ctx, tx, m.Resolver)
			if err != nil {
				return err
			}
			if res.Status == resolver.StatusTerminated {
				continue
			}
			releaseAt := s.clock.Now().Add(s.registry.UndelegateLock)
			if err := s.resolvers.Terminate(ctx, tx, res, releaseAt); err != nil {
				return err
			}
			if err := outbox.Enqueue(ctx, tx, outbox.TopicResolverTerminated, map[string]any{
				"account":     m.Resolver,
				"credibility": score,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// FinalizeDue realizes lapsed response and acceptance windows: each due
// dispute settles in its own transaction so one poisoned settlement never
// blocks the rest.
func (s *Service) FinalizeDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.dueDisputeIDs(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		if err := s.finalizeOne(ctx, id); err != nil {
			s.log.Error("finalize dispute", "payment_id", id, "err", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) finalizeOne(ctx context.Context, paymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	// Re-check under the lock; a concurrent operation may have advanced it.
	if d.Status != StatusFinalizing && d.Status != StatusEscalated {
		return nil
	}
	if s.clock.Now().Before(d.Deadline) {
		return nil
	}
	if err := s.finalizeLocked(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit finalize: %w", err)
	}
	s.log.Info("dispute finalized", "payment_id", paymentID, "outcome", string(d.DefaultOutcome))
	return nil
}

// SealDueRounds seals evaluation rounds whose judgment deadline lapsed,
// folding whatever votes were cast into the cumulative tally.
func (s *Service) SealDueRounds(ctx context.Context, limit int) (int, error) {
	ids, err := s.dueRoundIDs(ctx, limit)
	if err != nil {
		return 0, err
	}

	sealed := 0
	for _, id := range ids {
		if err := s.sealOne(ctx, id); err != nil {
			s.log.Error("seal round", "payment_id", id, "err", err)
			continue
		}
		sealed++
	}
	return sealed, nil
}

func (s *Service) sealOne(ctx context.Context, paymentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if d.Status != StatusEvaluating {
		return nil
	}
	round, ok, err := s.repo.CurrentRound(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if !ok || round.Sealed || s.clock.Now().Before(round.Deadline) {
		return nil
	}
	if err := s.sealRound(ctx, tx, paymentID, round.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit seal: %w", err)
	}
	return nil
}

func (s *Service) dueDisputeIDs(ctx context.Context, limit int) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.DueDisputes(ctx, tx, s.clock.Now(), limit)
}

func (s *Service) dueRoundIDs(ctx context.Context, limit int) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.DueRounds(ctx, tx, s.clock.Now(), limit)
}
