package chaos

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	killInterval = 2 * time.Second
	killOdds     = 5 // one in killOdds ticks fires
)

const killBackendSQL = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid()
ORDER BY random()
LIMIT 1`

// TerminateRandomBackend occasionally kills a random backend of the test
// database so actors see dropped connections mid-transaction.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(killInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.IntN(killOdds) == 0 {
				_, _ = pool.Exec(ctx, killBackendSQL)
			}
		}
	}
}
