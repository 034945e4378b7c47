package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the stress database and its pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in order of preference: overrideDSN,
// STRESS_TEST_PG_DSN, a Postgres 16 container, then a local server. Shared
// databases get an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		pgC    = &PGContainer{}
		dsn    string
		shared bool
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case DockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
	default:
		opts, oerr := LoadLocalOptions()
		if oerr != nil {
			return nil, oerr
		}
		dsn, err = InitLocalDatabase(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}

	return &Harness{container: pgC, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if cerr := h.container.Terminate(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"dispute_events",
		"outbox",
		"disputes",
		"idempotency",
		"couple_agreements",
		"registry_items",
		"wallet_balances",
		"wallets",
		"couples",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
