package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/applog"
	"disputeflow/clock"
	"disputeflow/config"
	"disputeflow/dispute"
	"disputeflow/engine"
	"disputeflow/resolver"
	"disputeflow/test/infra"
)

// TestEngineLifecycle walks full dispute lifecycles against a real
// Postgres with a manual clock, so every deadline lapse is driven
// explicitly.
func TestEngineLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgC, dsn, err := infra.StartPostgres16(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, false)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer teardown(context.Background())

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Dispute.Entropy = "lifecycle-entropy"
	logger := applog.New(&applog.Config{Level: "error", Format: "text"})
	eng := engine.New(pool, cfg, clk, logger)

	mustAccount := func(id string, balance int64) {
		t.Helper()
		if _, err := eng.Tokens.CreateAccount(ctx, id, balance); err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
	}

	mustAccount("treasury", 0)
	mustAccount("alice", 10_000) // payer
	mustAccount("bob", 10_000)   // payee
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("res-%d", i)
		mustAccount(id, 50_000)
		if _, err := eng.Resolvers.Join(ctx, id, "lifecycle resolver", 2_000); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	mustAccount("dana", 5_000) // delegator

	var initialFunds int64
	if err := pool.QueryRow(ctx, `SELECT SUM(balance + reserved) FROM accounts`).Scan(&initialFunds); err != nil {
		t.Fatalf("snapshot funds: %v", err)
	}

	t.Run("PayeeSilenceFavorsPayer", func(t *testing.T) {
		pid := mustDisputedPayment(t, ctx, eng, "alice", "bob", 100, 10)

		clk.Advance(cfg.Dispute.ResponseWindow + time.Second)
		n, err := eng.Disputes.FinalizeDue(ctx, 10)
		if err != nil {
			t.Fatalf("finalize due: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 finalized dispute, got %d", n)
		}

		d, err := eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusFinalized || d.DefaultOutcome != dispute.FavorPayer {
			t.Fatalf("expected payer win on silence, got status=%s outcome=%s", d.Status, d.DefaultOutcome)
		}

		// Escrow and deposit both return to the payer.
		alice, err := eng.Tokens.Get(ctx, "alice")
		if err != nil {
			t.Fatalf("get alice: %v", err)
		}
		if alice.Balance != 10_000 || alice.Reserved != 0 {
			t.Fatalf("expected alice fully refunded, got balance=%d reserved=%d", alice.Balance, alice.Reserved)
		}

		assertEventCount(t, ctx, pool, "dispute.finalized", pid, 1)
	})

	t.Run("CommitteeMajorityFavorsPayee", func(t *testing.T) {
		pid := mustDisputedPayment(t, ctx, eng, "alice", "bob", 200, 10)

		round, err := eng.Disputes.Fight(ctx, "bob", pid, []byte("delivery receipt"), 25)
		if err != nil {
			t.Fatalf("fight: %v", err)
		}
		if len(round.Members) != 3 {
			t.Fatalf("expected committee of 3, got %d", len(round.Members))
		}

		credBefore := resolverCredibility(t, ctx, pool, round.Members)

		// First member dissents, the other two carry the payee.
		for i, m := range round.Members {
			j := dispute.FavorPayee
			if i == 0 {
				j = dispute.FavorPayer
			}
			if err := eng.Disputes.Propose(ctx, m.Resolver, pid, j); err != nil {
				t.Fatalf("propose %s: %v", m.Resolver, err)
			}
		}

		d, err := eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusFinalizing || d.DefaultOutcome != dispute.FavorPayee {
			t.Fatalf("expected sealed round favoring payee, got status=%s outcome=%s", d.Status, d.DefaultOutcome)
		}

		bobBefore, _ := eng.Tokens.Get(ctx, "bob")
		memberBefore := make(map[string]int64, len(round.Members))
		for _, m := range round.Members {
			acct, err := eng.Tokens.Get(ctx, m.Resolver)
			if err != nil {
				t.Fatalf("get %s: %v", m.Resolver, err)
			}
			memberBefore[m.Resolver] = acct.Balance
		}
		if err := eng.Disputes.Accept(ctx, "alice", pid); err != nil {
			t.Fatalf("alice accept: %v", err)
		}
		if err := eng.Disputes.Accept(ctx, "bob", pid); err != nil {
			t.Fatalf("bob accept: %v", err)
		}

		d, err = eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusFinalized {
			t.Fatalf("expected finalized after both acceptances, got %s", d.Status)
		}

		// Payee collects the escrow and the fight deposit back.
		bob, _ := eng.Tokens.Get(ctx, "bob")
		if got := bob.Balance - bobBefore.Balance; got != 200+25 {
			t.Fatalf("expected bob to gain 225, got %d", got)
		}

		// Payer deposit 10 splits 3 each across the committee, remainder 1 to the sink.
		for _, m := range round.Members {
			acct, err := eng.Tokens.Get(ctx, m.Resolver)
			if err != nil {
				t.Fatalf("get %s: %v", m.Resolver, err)
			}
			if got := acct.Balance - memberBefore[m.Resolver]; got != 3 {
				t.Fatalf("expected %s to receive a 3-token share, got %d", m.Resolver, got)
			}
		}
		sink, _ := eng.Tokens.Get(ctx, "treasury")
		if sink.Balance != 1 {
			t.Fatalf("expected remainder 1 in treasury, got %d", sink.Balance)
		}

		credAfter := resolverCredibility(t, ctx, pool, round.Members)
		for i, m := range round.Members {
			want := credBefore[m.Resolver] + 1
			if i == 0 {
				want = credBefore[m.Resolver] - 1
			}
			if credAfter[m.Resolver] != want {
				t.Fatalf("expected %s credibility %d, got %d", m.Resolver, want, credAfter[m.Resolver])
			}
		}

		assertEventCount(t, ctx, pool, "dispute.finalized", pid, 1)
	})

	t.Run("EscalationDrawsFreshCommittee", func(t *testing.T) {
		pid := mustDisputedPayment(t, ctx, eng, "alice", "bob", 300, 10)

		first, err := eng.Disputes.Fight(ctx, "bob", pid, []byte("contract"), 25)
		if err != nil {
			t.Fatalf("fight: %v", err)
		}
		for _, m := range first.Members {
			if err := eng.Disputes.Propose(ctx, m.Resolver, pid, dispute.FavorPayee); err != nil {
				t.Fatalf("propose: %v", err)
			}
		}

		// The losing payer rejects the outcome and pays for a larger committee.
		if err := eng.Disputes.Escalate(ctx, "alice", pid); err != nil {
			t.Fatalf("escalate: %v", err)
		}
		d, err := eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusEscalated || d.DefaultOutcome != dispute.FavorPayer {
			t.Fatalf("expected escalated dispute defaulting to the escalator, got status=%s outcome=%s", d.Status, d.DefaultOutcome)
		}

		second, err := eng.Disputes.Fight(ctx, "bob", pid, []byte("more evidence"), 35)
		if err != nil {
			t.Fatalf("second fight: %v", err)
		}
		if len(second.Members) != 5 {
			t.Fatalf("expected committee of 5, got %d", len(second.Members))
		}
		prior := make(map[string]bool, len(first.Members))
		for _, m := range first.Members {
			prior[m.Resolver] = true
		}
		for _, m := range second.Members {
			if prior[m.Resolver] {
				t.Fatalf("resolver %s drawn into both committees", m.Resolver)
			}
		}

		for _, m := range second.Members {
			if err := eng.Disputes.Propose(ctx, m.Resolver, pid, dispute.FavorPayee); err != nil {
				t.Fatalf("propose second round: %v", err)
			}
		}

		// Neither party accepts; the acceptance window settles it.
		clk.Advance(cfg.Dispute.AcceptWindow + time.Second)
		if _, err := eng.Disputes.FinalizeDue(ctx, 10); err != nil {
			t.Fatalf("finalize due: %v", err)
		}

		d, err = eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusFinalized || d.DefaultOutcome != dispute.FavorPayee {
			t.Fatalf("expected cumulative payee win, got status=%s outcome=%s", d.Status, d.DefaultOutcome)
		}
		assertEventCount(t, ctx, pool, "dispute.finalized", pid, 1)
	})

	t.Run("DelegationAndRelease", func(t *testing.T) {
		if err := eng.Resolvers.Delegate(ctx, "dana", "res-0", 500); err != nil {
			t.Fatalf("delegate: %v", err)
		}
		res, err := eng.Resolvers.Get(ctx, "res-0")
		if err != nil {
			t.Fatalf("get resolver: %v", err)
		}
		if res.DelegatedStake != 500 {
			t.Fatalf("expected delegated stake 500, got %d", res.DelegatedStake)
		}

		if err := eng.Resolvers.Undelegate(ctx, "dana", "res-0", 200); err != nil {
			t.Fatalf("undelegate: %v", err)
		}
		// Weight keeps counting the amount until the lock lapses.
		res, _ = eng.Resolvers.Get(ctx, "res-0")
		if res.DelegatedStake != 500 {
			t.Fatalf("expected stake weight unchanged before release, got %d", res.DelegatedStake)
		}

		clk.Advance(cfg.Resolver.UndelegateLock + time.Second)
		n, err := eng.Resolvers.ReleaseDueStakes(ctx)
		if err != nil {
			t.Fatalf("release due stakes: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 release, got %d", n)
		}

		res, _ = eng.Resolvers.Get(ctx, "res-0")
		if res.DelegatedStake != 300 {
			t.Fatalf("expected delegated stake 300 after release, got %d", res.DelegatedStake)
		}
		dana, _ := eng.Tokens.Get(ctx, "dana")
		if dana.Reserved != 300 {
			t.Fatalf("expected dana reserved 300, got %d", dana.Reserved)
		}
	})

	t.Run("ResignationReturnsStake", func(t *testing.T) {
		if err := eng.Resolvers.Resign(ctx, "res-8"); err != nil {
			t.Fatalf("resign: %v", err)
		}
		res, err := eng.Resolvers.Get(ctx, "res-8")
		if err != nil {
			t.Fatalf("get resolver: %v", err)
		}
		if res.Status != resolver.StatusTerminated {
			t.Fatalf("expected terminated, got %s", res.Status)
		}

		clk.Advance(cfg.Resolver.UndelegateLock + time.Second)
		if _, err := eng.Resolvers.ReleaseDueStakes(ctx); err != nil {
			t.Fatalf("release due stakes: %v", err)
		}
		acct, _ := eng.Tokens.Get(ctx, "res-8")
		if acct.Reserved != 0 {
			t.Fatalf("expected res-8 stake fully released, reserved=%d", acct.Reserved)
		}
	})

	t.Run("ResignBlockedByOpenRound", func(t *testing.T) {
		pid := mustDisputedPayment(t, ctx, eng, "alice", "bob", 50, 10)
		round, err := eng.Disputes.Fight(ctx, "bob", pid, []byte("receipt"), 25)
		if err != nil {
			t.Fatalf("fight: %v", err)
		}

		// A seated member cannot walk away from an unsealed round.
		juror := round.Members[0].Resolver
		if err := eng.Resolvers.Resign(ctx, juror); !errors.Is(err, resolver.ErrPendingAssignment) {
			t.Fatalf("expected pending assignment to block resignation, got %v", err)
		}
		res, err := eng.Resolvers.Get(ctx, juror)
		if err != nil {
			t.Fatalf("get resolver: %v", err)
		}
		if res.Status != resolver.StatusActive {
			t.Fatalf("blocked resignation must not change status, got %s", res.Status)
		}

		for _, m := range round.Members {
			if err := eng.Disputes.Propose(ctx, m.Resolver, pid, dispute.FavorPayee); err != nil {
				t.Fatalf("propose %s: %v", m.Resolver, err)
			}
		}
		if err := eng.Disputes.Accept(ctx, "alice", pid); err != nil {
			t.Fatalf("alice accept: %v", err)
		}
		if err := eng.Disputes.Accept(ctx, "bob", pid); err != nil {
			t.Fatalf("bob accept: %v", err)
		}
	})

	t.Run("ActivationHysteresis", func(t *testing.T) {
		for _, acct := range []string{"newbie", "backer"} {
			if _, err := eng.Tokens.CreateAccount(ctx, acct, 5_000); err != nil {
				t.Fatalf("create account %s: %v", acct, err)
			}
		}

		// Self-stake clears the join minimum but not the activation bar.
		res, err := eng.Resolvers.Join(ctx, "newbie", "under-staked resolver", 200)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if res.Status != resolver.StatusCandidacy {
			t.Fatalf("expected candidacy below activation stake, got %s", res.Status)
		}

		if err := eng.Resolvers.Delegate(ctx, "backer", "newbie", 800); err != nil {
			t.Fatalf("delegate: %v", err)
		}
		res, err = eng.Resolvers.Get(ctx, "newbie")
		if err != nil {
			t.Fatalf("get resolver: %v", err)
		}
		if res.Status != resolver.StatusActive {
			t.Fatalf("expected activation at the threshold, got %s", res.Status)
		}

		// Undelegation drops the total below the bar, but the weight and
		// the status only move once the lock matures.
		if err := eng.Resolvers.Undelegate(ctx, "backer", "newbie", 500); err != nil {
			t.Fatalf("undelegate: %v", err)
		}
		res, _ = eng.Resolvers.Get(ctx, "newbie")
		if res.Status != resolver.StatusActive || res.DelegatedStake != 800 {
			t.Fatalf("expected unchanged weight before release, got status=%s delegated=%d", res.Status, res.DelegatedStake)
		}

		clk.Advance(cfg.Resolver.UndelegateLock + time.Second)
		if _, err := eng.Resolvers.ReleaseDueStakes(ctx); err != nil {
			t.Fatalf("release due stakes: %v", err)
		}
		res, _ = eng.Resolvers.Get(ctx, "newbie")
		if res.Status != resolver.StatusCandidacy || res.DelegatedStake != 300 {
			t.Fatalf("expected deactivation after release, got status=%s delegated=%d", res.Status, res.DelegatedStake)
		}
		backer, _ := eng.Tokens.Get(ctx, "backer")
		if backer.Reserved != 300 {
			t.Fatalf("expected backer reserved 300, got %d", backer.Reserved)
		}
	})

	t.Run("CredibilityFloorTermination", func(t *testing.T) {
		// With the floor raised to the ceiling a single dissent lands
		// below it and terminates the resolver during settlement.
		strictCfg := *cfg
		strictCfg.Resolver.CredibilityFloor = cfg.Resolver.CredibilityCeiling
		strict := engine.New(pool, &strictCfg, clk, logger)

		pid := mustDisputedPayment(t, ctx, strict, "alice", "bob", 60, 10)
		round, err := strict.Disputes.Fight(ctx, "bob", pid, []byte("invoice"), 25)
		if err != nil {
			t.Fatalf("fight: %v", err)
		}
		for i, m := range round.Members {
			j := dispute.FavorPayee
			if i == 0 {
				j = dispute.FavorPayer
			}
			if err := strict.Disputes.Propose(ctx, m.Resolver, pid, j); err != nil {
				t.Fatalf("propose %s: %v", m.Resolver, err)
			}
		}
		if err := strict.Disputes.Accept(ctx, "alice", pid); err != nil {
			t.Fatalf("alice accept: %v", err)
		}
		if err := strict.Disputes.Accept(ctx, "bob", pid); err != nil {
			t.Fatalf("bob accept: %v", err)
		}

		dissenter := round.Members[0].Resolver
		res, err := strict.Resolvers.Get(ctx, dissenter)
		if err != nil {
			t.Fatalf("get dissenter: %v", err)
		}
		if res.Status != resolver.StatusTerminated {
			t.Fatalf("expected floor termination, got %s", res.Status)
		}
		if res.SelfStake != 0 || res.DelegatedStake != 0 {
			t.Fatalf("expected zeroed stakes, got self=%d delegated=%d", res.SelfStake, res.DelegatedStake)
		}
		var terminated int
		if err := pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM events WHERE topic = 'resolver.terminated' AND payload->>'account' = $1`,
			dissenter).Scan(&terminated); err != nil {
			t.Fatalf("count terminated events: %v", err)
		}
		if terminated != 1 {
			t.Fatalf("expected 1 termination event for %s, got %d", dissenter, terminated)
		}
	})

	t.Run("LateAcceptanceAndSettlementRetry", func(t *testing.T) {
		pid := mustDisputedPayment(t, ctx, eng, "alice", "bob", 80, 10)
		round, err := eng.Disputes.Fight(ctx, "bob", pid, []byte("receipt"), 25)
		if err != nil {
			t.Fatalf("fight: %v", err)
		}
		for _, m := range round.Members {
			if err := eng.Disputes.Propose(ctx, m.Resolver, pid, dispute.FavorPayee); err != nil {
				t.Fatalf("propose: %v", err)
			}
		}

		// Acceptance after the window lapsed is moot; only the sweep
		// settles from here.
		clk.Advance(cfg.Dispute.AcceptWindow + time.Second)
		if err := eng.Disputes.Accept(ctx, "alice", pid); !errors.Is(err, dispute.ErrDeadlineExpired) {
			t.Fatalf("expected deadline expiry on late acceptance, got %v", err)
		}

		// A failing settlement rolls back whole and the dispute stays
		// retryable: drop the sink account so the remainder slash fails,
		// then restore it and sweep again.
		var sinkBalance int64
		if err := pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = 'treasury'`).Scan(&sinkBalance); err != nil {
			t.Fatalf("read treasury: %v", err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = 'treasury'`); err != nil {
			t.Fatalf("drop treasury: %v", err)
		}

		n, err := eng.Disputes.FinalizeDue(ctx, 10)
		if err != nil {
			t.Fatalf("finalize due: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected settlement to fail without the sink, settled %d", n)
		}
		d, err := eng.Disputes.Get(ctx, pid)
		if err != nil {
			t.Fatalf("get dispute: %v", err)
		}
		if d.Status != dispute.StatusFinalizing {
			t.Fatalf("failed settlement must leave the dispute retryable, got %s", d.Status)
		}
		assertEventCount(t, ctx, pool, "dispute.finalized", pid, 0)

		if _, err := eng.Tokens.CreateAccount(ctx, "treasury", sinkBalance); err != nil {
			t.Fatalf("restore treasury: %v", err)
		}
		n, err = eng.Disputes.FinalizeDue(ctx, 10)
		if err != nil {
			t.Fatalf("retry finalize due: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected retry to settle 1 dispute, got %d", n)
		}
		d, _ = eng.Disputes.Get(ctx, pid)
		if d.Status != dispute.StatusFinalized || d.DefaultOutcome != dispute.FavorPayee {
			t.Fatalf("expected payee win on retry, got status=%s outcome=%s", d.Status, d.DefaultOutcome)
		}
		assertEventCount(t, ctx, pool, "dispute.finalized", pid, 1)
	})

	// No operation mints or burns funds.
	var finalFunds int64
	if err := pool.QueryRow(ctx, `SELECT SUM(balance + reserved) FROM accounts`).Scan(&finalFunds); err != nil {
		t.Fatalf("final funds: %v", err)
	}
	if finalFunds != initialFunds {
		t.Fatalf("funds not conserved: started %d, ended %d", initialFunds, finalFunds)
	}
}

// mustDisputedPayment creates an accepted payment and issues a dispute
// over it, returning the payment id.
func mustDisputedPayment(t *testing.T, ctx context.Context, eng *engine.Engine, payer, payee string, amount, deposit int64) string {
	t.Helper()
	p, err := eng.Payments.CreatePayment(ctx, payer, payee, amount, "lifecycle payment")
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if err := eng.Payments.AcceptPayment(ctx, payee, p.ID); err != nil {
		t.Fatalf("accept payment: %v", err)
	}
	if _, err := eng.Disputes.Create(ctx, payer, p.ID, []byte("never delivered"), deposit); err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	return p.ID
}

func resolverCredibility(t *testing.T, ctx context.Context, pool *pgxpool.Pool, members []dispute.Member) map[string]int {
	t.Helper()
	out := make(map[string]int, len(members))
	for _, m := range members {
		var cred int
		if err := pool.QueryRow(ctx, `SELECT credibility FROM resolvers WHERE account = $1`, m.Resolver).Scan(&cred); err != nil {
			t.Fatalf("credibility %s: %v", m.Resolver, err)
		}
		out[m.Resolver] = cred
	}
	return out
}

func assertEventCount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, topic, paymentID string, want int) {
	t.Helper()
	var got int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE topic = $1 AND payload->>'payment_id' = $2`,
		topic, paymentID).Scan(&got)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d %s events for %s, got %d", want, topic, paymentID, got)
	}
}
