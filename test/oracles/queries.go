package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries checked throughout a stress run.
// Each query selects VIOLATIONS: a passing database returns zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_odd_committee",
			SQL: `SELECT r.id, COUNT(m.resolver) FROM rounds r
                  JOIN round_members m ON m.round_id = r.id
                  GROUP BY r.id HAVING MOD(COUNT(m.resolver), 2) = 0`,
		},
		{
			Name: "O2_one_seat_per_dispute",
			SQL: `SELECT r.payment_id, m.resolver, COUNT(*) FROM round_members m
                  JOIN rounds r ON r.id = m.round_id
                  GROUP BY r.payment_id, m.resolver HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_finalized_payment_completed",
			SQL: `SELECT d.payment_id FROM disputes d
                  JOIN payments p ON p.id = d.payment_id
                  WHERE d.status = 'finalized' AND p.status <> 'completed'`,
		},
		{
			Name: "O4_open_dispute_payment_disputed",
			SQL: `SELECT d.payment_id FROM disputes d
                  JOIN payments p ON p.id = d.payment_id
                  WHERE d.status <> 'finalized' AND p.status <> 'disputed'`,
		},
		{
			Name: "O5_finalized_event_exactly_once",
			SQL: `WITH counted AS (
                      SELECT payload->>'payment_id' AS pid, COUNT(*) AS n
                      FROM events WHERE topic = 'dispute.finalized'
                      GROUP BY 1)
                  SELECT pid FROM counted WHERE n <> 1
                  UNION ALL
                  SELECT d.payment_id::text FROM disputes d
                  WHERE d.status = 'finalized'
                    AND NOT EXISTS (
                      SELECT 1 FROM events e
                      WHERE e.topic = 'dispute.finalized'
                        AND e.payload->>'payment_id' = d.payment_id::text)`,
		},
		{
			Name: "O6_vote_has_timestamp",
			SQL: `SELECT round_id, resolver FROM round_members
                  WHERE (judgment IS NULL) <> (voted_at IS NULL)`,
		},
		{
			Name: "O7_terminated_zeroed",
			SQL: `SELECT r.account FROM resolvers r
                  WHERE r.status = 'terminated'
                    AND (r.self_stake > 0 OR r.delegated_stake > 0
                         OR EXISTS (SELECT 1 FROM delegations dg WHERE dg.resolver = r.account))`,
		},
		{
			Name: "O8_open_round_means_evaluating",
			SQL: `SELECT r.id FROM rounds r
                  JOIN disputes d ON d.payment_id = r.payment_id
                  WHERE NOT r.sealed AND d.status <> 'evaluating'`,
		},
		{
			Name: "O9_finalized_deposits_settled",
			SQL: `SELECT d.payment_id FROM disputes d
                  WHERE d.status = 'finalized'
                    AND (d.payer_deposit < 0 OR d.payee_deposit < 0)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
