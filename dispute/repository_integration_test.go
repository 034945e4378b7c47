package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/ledger"
	"couplevault/migrations"
)

type pgFixture struct {
	pool    *pgxpool.Pool
	clock   *fakeClock
	couples *couple.Repository
	deps    Dependencies
	svc     *Service
	settler *Settler
}

func newPGFixture(ctx context.Context, t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Microsecond)}
	couples := couple.NewRepository(pool)
	deps := Dependencies{
		Pool:       pool,
		Store:      NewRepository(pool),
		Couples:    couples,
		Agreements: agreement.NewRepository(),
		Snapshots:  ledger.NewPGSnapshotter(),
		Ledger:     ledger.NewPGLedger(),
		Clock:      clock,
	}
	settler := NewSettler(deps)
	return &pgFixture{pool: pool, clock: clock, couples: couples, deps: deps, svc: NewService(deps, settler), settler: settler}
}

func (f *pgFixture) seed(ctx context.Context, t *testing.T) (coupleID, alice, bob string) {
	t.Helper()
	suffix := time.Now().UnixNano()
	alice = fmt.Sprintf("alice-%d", suffix)
	bob = fmt.Sprintf("bob-%d", suffix)

	cp, err := f.couples.Create(ctx, alice, bob)
	if err != nil {
		t.Fatalf("seed couple: %v", err)
	}
	for user, bal := range map[string]map[string]int64{
		alice: {"CMPX": 100, "GTK": 50},
		bob:   {"CMPX": 30, "GTK": 10},
	} {
		for kind, amount := range bal {
			if err := ledger.Credit(ctx, f.pool, user, kind, amount); err != nil {
				t.Fatalf("seed balance: %v", err)
			}
		}
	}
	if _, err := ledger.AddItem(ctx, f.pool, bob, map[string]any{"name": "vinyl"}); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	signer := agreement.NewService(f.pool, nil)
	if err := signer.HandleEsignCompletionWebhook(ctx, agreement.EsignCompletionRequest{
		AgreementID:    uuid.NewString(),
		CoupleID:       cp.ID,
		DocumentRef:    "itest",
		SignedAt:       time.Now().Add(-time.Hour),
		IdempotencyKey: fmt.Sprintf("itest-dispute-%d", suffix),
	}); err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	return cp.ID, alice, bob
}

func TestDisputeAgreement_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	f := newPGFixture(ctx, t)
	coupleID, alice, bob := f.seed(ctx, t)

	view, err := f.svc.Initiate(ctx, coupleID, alice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.svc.Initiate(ctx, coupleID, bob); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second initiate to fail with ErrInvalidState, got %v", err)
	}
	if view.Snapshot.TotalValue != 190 {
		t.Fatalf("unexpected snapshot %+v", view.Snapshot)
	}

	if _, err := f.svc.ProposeWinner(ctx, view.ID, alice, alice); err != nil {
		t.Fatalf("propose: %v", err)
	}
	resolved, err := f.svc.AcceptProposal(ctx, view.ID, bob)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if resolved.Status != StatusResolvedTransferred || resolved.FinalWinnerID != alice {
		t.Fatalf("unexpected resolved view %+v", resolved)
	}
	if !resolved.Deadline.Equal(view.Deadline) {
		t.Fatalf("deadline changed: %v -> %v", view.Deadline, resolved.Deadline)
	}

	got, err := ledger.Balances(ctx, f.pool, alice)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if got["CMPX"] != 130 || got["GTK"] != 60 {
		t.Fatalf("unexpected winner balances %v", got)
	}
	frozen, err := ledger.Frozen(ctx, f.pool, bob)
	if err != nil || !frozen {
		t.Fatalf("expected loser frozen, got %v %v", frozen, err)
	}

	if _, err := f.svc.ProposeWinner(ctx, view.ID, bob, bob); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on terminal dispute, got %v", err)
	}

	var owner string
	if err := f.pool.QueryRow(ctx, `SELECT owner_id FROM registry_items WHERE owner_id IN ($1, $2) LIMIT 1`, alice, bob).Scan(&owner); err != nil {
		t.Fatalf("item owner: %v", err)
	}
	if owner != alice {
		t.Fatalf("expected item moved to %s, got %s", alice, owner)
	}

	if _, err := f.pool.Exec(ctx, `UPDATE disputes SET deadline_at = deadline_at + interval '1 hour' WHERE id = $1`, view.ID); err == nil {
		t.Fatalf("deadline update must be rejected by the guard trigger")
	}
	if _, err := f.pool.Exec(ctx, `DELETE FROM disputes WHERE id = $1`, view.ID); err == nil {
		t.Fatalf("dispute delete must be rejected")
	}
}

func TestDisputeForfeiture_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	f := newPGFixture(ctx, t)
	coupleID, alice, bob := f.seed(ctx, t)

	view, err := f.svc.Initiate(ctx, coupleID, alice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.clock.Advance(73 * time.Hour)

	sweeper := NewSweeper(NewRepository(f.pool), f.settler).WithClock(f.clock).WithBatchSize(1000)
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	status, err := f.svc.GetStatus(ctx, view.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != StatusExpiredForfeited || !status.Remaining.Expired {
		t.Fatalf("unexpected status %+v", status)
	}

	for _, user := range []string{alice, bob} {
		bal, err := ledger.Balances(ctx, f.pool, user)
		if err != nil {
			t.Fatalf("balances: %v", err)
		}
		for kind, amount := range bal {
			if amount != 0 {
				t.Fatalf("%s still holds %d %s", user, amount, kind)
			}
		}
	}

	var events int
	if err := f.pool.QueryRow(ctx, `SELECT count(*) FROM dispute_events WHERE dispute_id = $1 AND type = $2`, view.ID, EventForfeited).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected one forfeiture event, got %d", events)
	}

	var confiscated bool
	if err := f.pool.QueryRow(ctx, `SELECT bool_and((attributes->>'confiscated')::boolean) FROM registry_items WHERE owner_id = $1`, bob).Scan(&confiscated); err != nil {
		t.Fatalf("item tags: %v", err)
	}
	if !confiscated {
		t.Fatalf("expected bob's items tagged as confiscated")
	}
}

func TestRedisLease_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run lease test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	ctx := context.Background()
	key := fmt.Sprintf("couplevault:itest:lease:%d", time.Now().UnixNano())
	a := NewRedisLease(client, key, 5*time.Second)
	b := NewRedisLease(client, key, 5*time.Second)

	release, ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("second acquire must fail while held: ok=%v err=%v", ok, err)
	}
	release()
	releaseB, ok, err := b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	releaseB()
}

func TestPartnerHasOtherPending_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	f := newPGFixture(ctx, t)
	coupleID, alice, _ := f.seed(ctx, t)

	view, err := f.svc.Initiate(ctx, coupleID, alice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	store := NewRepository(f.pool)
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if held, err := store.PartnerHasOtherPending(ctx, tx, alice, uuid.NewString()); err != nil || !held {
		t.Fatalf("expected alice held by %s, got %v %v", view.ID, held, err)
	}
	if held, err := store.PartnerHasOtherPending(ctx, tx, alice, view.ID); err != nil || held {
		t.Fatalf("excluded dispute must not count, got %v %v", held, err)
	}
	if held, err := store.PartnerHasOtherPending(ctx, tx, "nobody-"+uuid.NewString(), uuid.NewString()); err != nil || held {
		t.Fatalf("stranger must not be held, got %v %v", held, err)
	}
}
