package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"disputeflow/applog"
	"disputeflow/clock"
	"disputeflow/config"
	"disputeflow/engine"
	"disputeflow/test/actors"
	"disputeflow/test/chaos"
	"disputeflow/test/infra"
	"disputeflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEngineConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("DDRE_TEST_PG_DSN") != "":
		dsn = os.Getenv("DDRE_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	eng := stressEngine(pool)
	seedData := mustSeed(t, ctx, pool, eng)

	var initialFunds int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance + reserved), 0) FROM accounts`).Scan(&initialFunds); err != nil {
		t.Fatalf("snapshot funds: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		payer := seedData.payers[i%len(seedData.payers)]
		payee := seedData.payees[i%len(seedData.payees)]
		g.Go(func() error { return actors.Disputant(ctx2, eng, payer, payee, 100, stop) })
		g.Go(func() error { return actors.Fighter(ctx2, eng, pool, 200, stop) })
	}
	for _, res := range seedData.resolvers {
		res := res
		g.Go(func() error { return actors.Voter(ctx2, eng, pool, res, stop) })
	}
	g.Go(func() error { return actors.Accepter(ctx2, eng, pool, stop) })
	g.Go(func() error { return actors.Escalator(ctx2, eng, pool, stop) })
	g.Go(func() error {
		return actors.Staker(ctx2, eng, seedData.delegator, seedData.resolvers[0], stop)
	})
	g.Go(func() error { return actors.SweepWorker(ctx2, eng, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Every operation moves or locks funds; nothing mints or burns.
	var finalFunds int64
	if err := pool.QueryRow(context.Background(), `SELECT COALESCE(SUM(balance + reserved), 0) FROM accounts`).Scan(&finalFunds); err != nil {
		t.Fatalf("final funds: %v", err)
	}
	if finalFunds != initialFunds {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("funds not conserved: started %d, ended %d (seed=%d)", initialFunds, finalFunds, seed)
	}
}

// stressEngine wires an engine with windows short enough that the sweep
// paths fire within the run.
func stressEngine(pool *pgxpool.Pool) *engine.Engine {
	cfg, _ := config.Load("")
	cfg.Dispute.ResponseWindow = 2 * time.Second
	cfg.Dispute.AcceptWindow = 2 * time.Second
	cfg.Dispute.JudgmentWindow = 3 * time.Second
	cfg.Dispute.Entropy = "stress-entropy"
	cfg.Resolver.UndelegateLock = 2 * time.Second
	logger := applog.New(&applog.Config{Level: "error", Format: "text"})
	return engine.New(pool, cfg, clock.System(), logger)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	payers    []string
	payees    []string
	resolvers []string
	delegator string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, eng *engine.Engine) seedIDs {
	t.Helper()
	var s seedIDs

	mustAccount := func(id string, balance int64) {
		if _, err := eng.Tokens.CreateAccount(ctx, id, balance); err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
	}

	mustAccount("treasury", 0)
	for i := 0; i < 4; i++ {
		payer := fmt.Sprintf("payer-%d", i)
		payee := fmt.Sprintf("payee-%d", i)
		mustAccount(payer, 1_000_000)
		mustAccount(payee, 1_000_000)
		s.payers = append(s.payers, payer)
		s.payees = append(s.payees, payee)
	}

	// Enough active resolvers for two escalation rounds (3 + 5).
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("resolver-%d", i)
		mustAccount(id, 100_000)
		if _, err := eng.Resolvers.Join(ctx, id, "stress resolver", 2_000); err != nil {
			t.Fatalf("seed resolver %s: %v", id, err)
		}
		s.resolvers = append(s.resolvers, id)
	}

	s.delegator = "delegator-0"
	mustAccount(s.delegator, 100_000)
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT payment_id, status, default_outcome, payer_deposit, payee_deposit, deadline FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"rounds", `SELECT id, payment_id, round_index, sealed, deadline FROM rounds ORDER BY id DESC LIMIT 50`},
		{"events", `SELECT id, topic, payload, created_at FROM events ORDER BY id DESC LIMIT 50`},
		{"accounts", `SELECT id, balance, reserved FROM accounts ORDER BY id LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
