package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
	"disputeflow/engine"
)

// Actors hammer the engine's public operations concurrently. They drive
// the real services rather than raw SQL so every code path under test is
// the production one; rejections (wrong state, wrong caller, lost lock
// races) are expected under contention and swallowed.

// Disputant creates payments from payer to payee, has the payee accept
// them, then issues a dispute over each.
func Disputant(ctx context.Context, eng *engine.Engine, payer, payee string, deposit int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		p, err := eng.Payments.CreatePayment(ctx, payer, payee, int64(10+rand.Intn(90)), "stress payment")
		if err == nil {
			if err := eng.Payments.AcceptPayment(ctx, payee, p.ID); err == nil {
				_, _ = eng.Disputes.Create(ctx, payer, p.ID, []byte("payer evidence"), deposit)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Fighter scans for disputes the aggrieved party can contest and fights
// them. Concurrent fighters racing the same dispute exercise the row
// lock: exactly one wins, the rest get ErrInvalidState.
func Fighter(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, deposit int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
            SELECT payment_id, payer, payee, default_outcome
            FROM disputes WHERE status IN ('finalizing', 'escalated') LIMIT 10`)
		if err == nil {
			type target struct {
				paymentID, caller string
			}
			targets := make([]target, 0, 10)
			for rows.Next() {
				var pid, payer, payee string
				var outcome dispute.Judgment
				if rows.Scan(&pid, &payer, &payee, &outcome) == nil {
					caller := payer
					if outcome == dispute.FavorPayer {
						caller = payee
					}
					targets = append(targets, target{pid, caller})
				}
			}
			rows.Close()
			for _, tg := range targets {
				_, _ = eng.Disputes.Fight(ctx, tg.caller, tg.paymentID, []byte("counter evidence"), deposit)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Voter finds open committee seats assigned to the given resolver and
// casts a judgment on each. A full committee seals on the last vote.
func Voter(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, resolver string, stop <-chan struct{}) error {
	favors := []dispute.Judgment{dispute.FavorPayer, dispute.FavorPayee}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
            SELECT r.payment_id FROM round_members m
            JOIN rounds r ON r.id = m.round_id
            WHERE m.resolver = $1 AND m.judgment IS NULL AND NOT r.sealed
            LIMIT 10`, resolver)
		if err == nil {
			ids := make([]string, 0, 10)
			for rows.Next() {
				var pid string
				if rows.Scan(&pid) == nil {
					ids = append(ids, pid)
				}
			}
			rows.Close()
			for _, pid := range ids {
				_ = eng.Disputes.Propose(ctx, resolver, pid, favors[rand.Intn(len(favors))])
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Accepter has both parties accept sealed outcomes, finalizing disputes
// without waiting for the acceptance window.
func Accepter(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
            SELECT d.payment_id, d.payer, d.payee FROM disputes d
            WHERE d.status = 'finalizing'
              AND EXISTS (SELECT 1 FROM rounds r WHERE r.payment_id = d.payment_id)
            LIMIT 10`)
		if err == nil {
			type pair struct{ pid, payer, payee string }
			pairs := make([]pair, 0, 10)
			for rows.Next() {
				var p pair
				if rows.Scan(&p.pid, &p.payer, &p.payee) == nil {
					pairs = append(pairs, p)
				}
			}
			rows.Close()
			for _, p := range pairs {
				_ = eng.Disputes.Accept(ctx, p.payer, p.pid)
				_ = eng.Disputes.Accept(ctx, p.payee, p.pid)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Escalator occasionally rejects a sealed outcome on behalf of the losing
// party, pushing the dispute into a fresh committee round.
func Escalator(ctx context.Context, eng *engine.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(4) == 0 {
			rows, err := pool.Query(ctx, `
                SELECT d.payment_id, d.payer, d.payee, d.default_outcome FROM disputes d
                WHERE d.status = 'finalizing'
                  AND EXISTS (SELECT 1 FROM rounds r WHERE r.payment_id = d.payment_id)
                LIMIT 5`)
			if err == nil {
				type target struct{ pid, loser string }
				targets := make([]target, 0, 5)
				for rows.Next() {
					var pid, payer, payee string
					var outcome dispute.Judgment
					if rows.Scan(&pid, &payer, &payee, &outcome) == nil {
						loser := payer
						if outcome == dispute.FavorPayer {
							loser = payee
						}
						targets = append(targets, target{pid, loser})
					}
				}
				rows.Close()
				for _, tg := range targets {
					_ = eng.Disputes.Escalate(ctx, tg.loser, tg.pid)
				}
			}
		}
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// Staker churns delegated stake toward a resolver, exercising the
// pending-release path and activation threshold crossings.
func Staker(ctx context.Context, eng *engine.Engine, delegator, resolver string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(1 + rand.Intn(20))
		if rand.Intn(3) == 0 {
			_ = eng.Resolvers.Undelegate(ctx, delegator, resolver, amount)
		} else {
			_ = eng.Resolvers.Delegate(ctx, delegator, resolver, amount)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// SweepWorker runs the deadline and stake-release sweeps continuously,
// racing the caller-driven paths over the same rows.
func SweepWorker(ctx context.Context, eng *engine.Engine, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = eng.Disputes.SealDueRounds(ctx, 32)
		_, _ = eng.Disputes.FinalizeDue(ctx, 32)
		_, _ = eng.Resolvers.ReleaseDueStakes(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
