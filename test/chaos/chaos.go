package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random backend of the test database every
// few seconds. Backends caught mid-transaction must roll back cleanly, so a
// settlement is either fully applied or not at all.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// TerminateLockHolder kills a backend that is inside an open transaction,
// preferring ones that hold row locks on disputes or couples.
func TerminateLockHolder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(a.pid)
				FROM pg_stat_activity a
				WHERE a.datname = current_database()
				  AND a.pid <> pg_backend_pid()
				  AND a.xact_start IS NOT NULL
				ORDER BY EXISTS (
				    SELECT 1 FROM pg_locks l
				    JOIN pg_class c ON c.oid = l.relation
				    WHERE l.pid = a.pid AND c.relname IN ('disputes', 'couples')
				) DESC, random()
				LIMIT 1`)
		}
	}
}
