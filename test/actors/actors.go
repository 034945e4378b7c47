package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/dispute"
	"couplevault/ledger"
)

// Couple is a seeded couple account and its two partners.
type Couple struct {
	ID       string
	PartnerA string
	PartnerB string
}

func (c Couple) pick() (string, string) {
	if rand.Intn(2) == 0 {
		return c.PartnerA, c.PartnerB
	}
	return c.PartnerB, c.PartnerA
}

// Registry tracks seeded couples for the other actors to pick from.
type Registry struct {
	mu      sync.Mutex
	couples []Couple
}

func (r *Registry) Add(c Couple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.couples = append(r.couples, c)
}

func (r *Registry) Random() (Couple, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.couples) == 0 {
		return Couple{}, false
	}
	return r.couples[rand.Intn(len(r.couples))], true
}

// Env bundles the services every actor drives.
type Env struct {
	Pool     *pgxpool.Pool
	Couples  *couple.Repository
	Esign    *agreement.Service
	Disputes *dispute.Service
	Registry *Registry
}

var seq atomic.Int64

// expected reports errors that are normal under contention or chaos.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, dispute.ErrInvalidState) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, dispute.ErrPersistence) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Seeder keeps creating funded couples with a signed agreement.
func Seeder(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n := seq.Add(1)
		a, b := fmt.Sprintf("stress-a-%d-%d", n, rand.Int63()), fmt.Sprintf("stress-b-%d-%d", n, rand.Int63())

		cp, err := env.Couples.Create(ctx, a, b)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err := fund(ctx, env.Pool, a, b); err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		err = env.Esign.HandleEsignCompletionWebhook(ctx, agreement.EsignCompletionRequest{
			AgreementID:    uuid.NewString(),
			CoupleID:       cp.ID,
			DocumentRef:    "stress",
			IdempotencyKey: fmt.Sprintf("stress-esign-%s", cp.ID),
		})
		if err == nil {
			env.Registry.Add(Couple{ID: cp.ID, PartnerA: a, PartnerB: b})
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func fund(ctx context.Context, pool *pgxpool.Pool, a, b string) error {
	for _, user := range []string{a, b} {
		for _, kind := range []string{"CMPX", "GTK"} {
			if err := ledger.Credit(ctx, pool, user, kind, int64(1+rand.Intn(500))); err != nil {
				return err
			}
		}
		if rand.Intn(2) == 0 {
			if _, err := ledger.AddItem(ctx, pool, user, map[string]any{"name": "heirloom"}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Initiator opens disputes on random couples; most calls lose to an existing dispute.
func Initiator(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if c, ok := env.Registry.Random(); ok {
			who, _ := c.pick()
			if _, err := env.Disputes.Initiate(ctx, c.ID, who); !expected(err) {
				return fmt.Errorf("initiator: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Proposer names a random winner on a couple's pending dispute.
func Proposer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if c, ok := env.Registry.Random(); ok {
			if id, _, found := pendingDispute(ctx, env.Pool, c.ID); found {
				proposer, _ := c.pick()
				winner, _ := c.pick()
				if _, err := env.Disputes.ProposeWinner(ctx, id, winner, proposer); !expected(err) {
					return fmt.Errorf("proposer: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Accepter accepts the open proposal as the partner who did not make it.
func Accepter(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if c, ok := env.Registry.Random(); ok {
			if id, proposedBy, found := pendingDispute(ctx, env.Pool, c.ID); found && proposedBy != "" {
				accepter := c.PartnerA
				if proposedBy == c.PartnerA {
					accepter = c.PartnerB
				}
				if _, err := env.Disputes.AcceptProposal(ctx, id, accepter); !expected(err) {
					return fmt.Errorf("accepter: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Sweeper runs the expiration sweep in a loop. Pair it with a shifted clock
// so live disputes are already past their deadline.
func Sweeper(ctx context.Context, sweeper *dispute.Sweeper, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sweeper.Sweep(ctx); !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// Reader polls dispute status the way a client would.
func Reader(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if c, ok := env.Registry.Random(); ok {
			var id string
			err := env.Pool.QueryRow(ctx, `SELECT id FROM disputes WHERE couple_id = $1 ORDER BY created_at DESC LIMIT 1`, c.ID).Scan(&id)
			if err == nil {
				view, err := env.Disputes.GetStatus(ctx, id)
				if !expected(err) {
					return fmt.Errorf("reader: %w", err)
				}
				if err == nil && view.Remaining.Hours > int(dispute.Window/time.Hour) {
					return fmt.Errorf("reader: dispute %s reports %+v remaining", id, view.Remaining)
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

func pendingDispute(ctx context.Context, pool *pgxpool.Pool, coupleID string) (string, string, bool) {
	var (
		id         string
		proposedBy *string
	)
	err := pool.QueryRow(ctx, `
		SELECT id, proposed_by FROM disputes
		WHERE couple_id = $1 AND status = 'PENDING_AGREEMENT'`, coupleID).Scan(&id, &proposedBy)
	if err != nil {
		return "", "", false
	}
	if proposedBy == nil {
		return id, "", true
	}
	return id, *proposedBy, true
}
