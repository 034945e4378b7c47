package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"couplevault/migrations"
)

func integrationPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool))
	return ctx, pool
}

func TestTransferAllConserves_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)
	suffix := time.Now().UnixNano()
	winner := fmt.Sprintf("itest-winner-%d", suffix)
	loser := fmt.Sprintf("itest-loser-%d", suffix)

	require.NoError(t, Credit(ctx, pool, winner, "CMPX", 100))
	require.NoError(t, Credit(ctx, pool, winner, "GTK", 50))
	require.NoError(t, Credit(ctx, pool, loser, "CMPX", 30))
	require.NoError(t, Credit(ctx, pool, loser, "GTK", 10))
	_, err := AddItem(ctx, pool, loser, map[string]any{"name": "ring"})
	require.NoError(t, err)

	l := NewPGLedger()
	now := time.Now().UTC()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	moved, err := l.TransferAll(ctx, tx, loser, winner, now)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"CMPX": 30, "GTK": 10}, moved)

	n, err := l.ReassignItems(ctx, tx, loser, winner, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, l.SetFrozen(ctx, tx, loser, true, now))
	require.NoError(t, tx.Commit(ctx))

	got, err := Balances(ctx, pool, winner)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"CMPX": 130, "GTK": 60}, got)

	got, err = Balances(ctx, pool, loser)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"CMPX": 0, "GTK": 0}, got)

	frozen, err := Frozen(ctx, pool, loser)
	require.NoError(t, err)
	require.True(t, frozen)
}

func TestZeroAllAndTag_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)
	user := fmt.Sprintf("itest-forfeit-%d", time.Now().UnixNano())

	require.NoError(t, Credit(ctx, pool, user, "CMPX", 7))
	itemID, err := AddItem(ctx, pool, user, map[string]any{"name": "badge"})
	require.NoError(t, err)

	l := NewPGLedger()
	now := time.Now().UTC()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	removed, err := l.ZeroAll(ctx, tx, user, now)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"CMPX": 7}, removed)

	n, err := l.TagItems(ctx, tx, []string{user}, ConfiscationTags("d-itest", now), now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(ctx))

	var owner string
	var confiscated bool
	var name string
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT owner_id, (attributes->>'confiscated')::boolean, attributes->>'name'
		FROM registry_items WHERE id = $1
	`, itemID).Scan(&owner, &confiscated, &name))
	require.Equal(t, user, owner)
	require.True(t, confiscated)
	require.Equal(t, "badge", name)
}
