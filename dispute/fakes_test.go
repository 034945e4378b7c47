package dispute

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/ledger"
)

type memItem struct {
	owner string
	attrs map[string]any
}

// memDB is an in-memory stand-in for the Postgres tables the dispute
// package touches. Writes go through fakeTx so rollbacks undo them.
type memDB struct {
	mu         sync.Mutex
	disputes   map[string]Record
	couples    map[string]couple.Profile
	agreements map[string][]agreement.Agreement
	balances   map[string]map[string]int64
	frozen     map[string]bool
	items      map[string]*memItem
	events     []Event
	outbox     []string
	rowLocks   map[string]*sync.Mutex
	failures   map[string]error
	begins     int
}

func newMemDB() *memDB {
	return &memDB{
		disputes:   map[string]Record{},
		couples:    map[string]couple.Profile{},
		agreements: map[string][]agreement.Agreement{},
		balances:   map[string]map[string]int64{},
		frozen:     map[string]bool{},
		items:      map[string]*memItem{},
		rowLocks:   map[string]*sync.Mutex{},
		failures:   map[string]error{},
	}
}

func (db *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.begins++
	if err := db.failures["Begin"]; err != nil {
		return nil, err
	}
	return &fakeTx{db: db, held: map[string]*sync.Mutex{}}, nil
}

func (db *memDB) fail(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failures[op] = err
}

func (db *memDB) failure(op string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.failures[op]
}

// mutate applies fn under the table mutex and registers its undo on tx.
func (db *memDB) mutate(tx pgx.Tx, fn func() (undo func())) {
	ftx := tx.(*fakeTx)
	db.mu.Lock()
	undo := fn()
	db.mu.Unlock()
	ftx.undo = append(ftx.undo, undo)
}

func (db *memDB) lockRow(tx pgx.Tx, key string) {
	ftx := tx.(*fakeTx)
	if _, ok := ftx.held[key]; ok {
		return
	}
	db.mu.Lock()
	m, ok := db.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		db.rowLocks[key] = m
	}
	db.mu.Unlock()
	m.Lock()
	ftx.held[key] = m
}

// seedCouple creates an active couple with a signed agreement and balances.
func (db *memDB) seedCouple(t *testing.T, a, b string, balA, balB map[string]int64) string {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()

	id := uuid.NewString()
	db.couples[id] = couple.Profile{ID: id, PartnerAID: &a, PartnerBID: &b, Status: couple.StatusActive}
	db.agreements[id] = append(db.agreements[id], agreement.Agreement{ID: uuid.NewString(), CoupleID: id, SignedAt: time.Now()})
	db.balances[a] = copyBalances(balA)
	db.balances[b] = copyBalances(balB)
	return id
}

func (db *memDB) addItem(owner string) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := uuid.NewString()
	db.items[id] = &memItem{owner: owner, attrs: map[string]any{}}
	return id
}

func (db *memDB) balanceOf(user string) map[string]int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return copyBalances(db.balances[user])
}

func (db *memDB) isFrozen(user string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.frozen[user]
}

func (db *memDB) coupleStatus(id string) couple.Status {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.couples[id].Status
}

func (db *memDB) record(id string) Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.disputes[id]
}

func (db *memDB) eventTypes(disputeID string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, e := range db.events {
		if e.DisputeID == disputeID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (db *memDB) item(id string) memItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	it := db.items[id]
	attrs := make(map[string]any, len(it.attrs))
	for k, v := range it.attrs {
		attrs[k] = v
	}
	return memItem{owner: it.owner, attrs: attrs}
}

func copyBalances(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memStore implements Store.
type memStore struct{ db *memDB }

func (s memStore) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	if err := s.db.failure("Insert"); err != nil {
		return err
	}
	s.db.mu.Lock()
	for _, existing := range s.db.disputes {
		if existing.CoupleID == rec.CoupleID && existing.Status == StatusPendingAgreement {
			s.db.mu.Unlock()
			return ErrInvalidState
		}
	}
	s.db.mu.Unlock()
	s.db.mutate(tx, func() func() {
		s.db.disputes[rec.ID] = rec
		return func() { delete(s.db.disputes, rec.ID) }
	})
	return nil
}

func (s memStore) Get(ctx context.Context, id string) (Record, error) {
	if err := s.db.failure("Get"); err != nil {
		return Record{}, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rec, ok := s.db.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s memStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	s.db.lockRow(tx, "dispute:"+id)
	return s.Get(ctx, id)
}

func (s memStore) HasPending(ctx context.Context, tx pgx.Tx, coupleID string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, rec := range s.db.disputes {
		if rec.CoupleID == coupleID && rec.Status == StatusPendingAgreement {
			return true, nil
		}
	}
	return false, nil
}

func (s memStore) PartnerHasOtherPending(ctx context.Context, tx pgx.Tx, userID, excludeID string) (bool, error) {
	if err := s.db.failure("PartnerHasOtherPending"); err != nil {
		return false, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for id, rec := range s.db.disputes {
		if id == excludeID || rec.Status != StatusPendingAgreement {
			continue
		}
		if s.db.couples[rec.CoupleID].HasPartner(userID) {
			return true, nil
		}
	}
	return false, nil
}

func (s memStore) update(tx pgx.Tx, id string, fn func(*Record)) error {
	s.db.mu.Lock()
	rec, ok := s.db.disputes[id]
	s.db.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPendingAgreement {
		return errStatusChanged
	}
	s.db.mutate(tx, func() func() {
		prev := s.db.disputes[id]
		next := prev
		fn(&next)
		s.db.disputes[id] = next
		return func() { s.db.disputes[id] = prev }
	})
	return nil
}

func (s memStore) SaveProposal(ctx context.Context, tx pgx.Tx, id string, n Negotiation) error {
	if err := s.db.failure("SaveProposal"); err != nil {
		return err
	}
	return s.update(tx, id, func(r *Record) {
		r.Negotiation = Negotiation{ProposedWinnerID: n.ProposedWinnerID, ProposedBy: n.ProposedBy, ProposedAt: n.ProposedAt}
		r.UpdatedAt = *n.ProposedAt
	})
}

func (s memStore) SaveAcceptance(ctx context.Context, tx pgx.Tx, id string, acceptedBy string, at time.Time) error {
	return s.update(tx, id, func(r *Record) {
		r.Negotiation.AcceptedBy = acceptedBy
		r.Negotiation.AcceptedAt = &at
		r.UpdatedAt = at
	})
}

func (s memStore) Transition(ctx context.Context, tx pgx.Tx, id string, res Resolution) error {
	if err := s.db.failure("Transition"); err != nil {
		return err
	}
	return s.update(tx, id, func(r *Record) {
		at := res.ResolvedAt
		r.Status = res.Status
		r.ResolutionKind = res.Kind
		r.FinalWinnerID = res.FinalWinnerID
		r.ResolvedBy = res.ResolvedBy
		r.ResolvedAt = &at
		r.UpdatedAt = at
	})
}

func (s memStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := s.db.failure("ListExpired"); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []string
	for id, rec := range s.db.disputes {
		if rec.Status == StatusPendingAgreement && !rec.DeadlineAt.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memStore) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	s.db.mutate(tx, func() func() {
		s.db.events = append(s.db.events, e)
		n := len(s.db.events) - 1
		return func() { s.db.events = append(s.db.events[:n], s.db.events[n+1:]...) }
	})
	return nil
}

func (s memStore) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	s.db.mutate(tx, func() func() {
		s.db.outbox = append(s.db.outbox, topic)
		n := len(s.db.outbox) - 1
		return func() { s.db.outbox = append(s.db.outbox[:n], s.db.outbox[n+1:]...) }
	})
	return nil
}

// memCouples implements CoupleStore.
type memCouples struct{ db *memDB }

func (c memCouples) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (couple.Profile, error) {
	c.db.lockRow(tx, "couple:"+id)
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cp, ok := c.db.couples[id]
	if !ok {
		return couple.Profile{}, couple.ErrNotFound
	}
	return cp, nil
}

func (c memCouples) MarkDissolved(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	c.db.mu.Lock()
	cp, ok := c.db.couples[id]
	c.db.mu.Unlock()
	if !ok {
		return couple.ErrNotFound
	}
	if cp.Status != couple.StatusActive {
		return couple.ErrNotActive
	}
	c.db.mutate(tx, func() func() {
		prev := c.db.couples[id]
		next := prev
		next.Status = couple.StatusDissolved
		next.DissolvedAt = &at
		c.db.couples[id] = next
		return func() { c.db.couples[id] = prev }
	})
	return nil
}

// memAgreements implements AgreementLocator.
type memAgreements struct{ db *memDB }

func (a memAgreements) LatestSigned(ctx context.Context, tx pgx.Tx, coupleID string) (agreement.Agreement, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	list := a.db.agreements[coupleID]
	if len(list) == 0 {
		return agreement.Agreement{}, agreement.ErrAgreementNotFound
	}
	latest := list[0]
	for _, ag := range list[1:] {
		if ag.SignedAt.After(latest.SignedAt) {
			latest = ag
		}
	}
	return latest, nil
}

// memSnapshots implements AssetSnapshotter.
type memSnapshots struct{ db *memDB }

func (s memSnapshots) Capture(ctx context.Context, tx pgx.Tx, coupleID string, at time.Time) (ledger.AssetSnapshot, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp, ok := s.db.couples[coupleID]
	if !ok {
		return ledger.AssetSnapshot{}, ledger.ErrCoupleNotFound
	}
	if len(cp.Partners()) != 2 {
		return ledger.AssetSnapshot{}, ledger.ErrUnknownPartner
	}
	holdings := func(user string) ledger.PartnerHoldings {
		h := ledger.PartnerHoldings{UserID: user, Balances: copyBalances(s.db.balances[user])}
		for _, it := range s.db.items {
			if it.owner == user {
				h.ItemCount++
			}
		}
		return h
	}
	a, b := holdings(*cp.PartnerAID), holdings(*cp.PartnerBID)
	return ledger.AssetSnapshot{PartnerA: a, PartnerB: b, TotalValue: a.Total() + b.Total(), CapturedAt: at}, nil
}

// memLedger implements Ledger.
type memLedger struct{ db *memDB }

func (l memLedger) SetFrozen(ctx context.Context, tx pgx.Tx, userID string, frozen bool, at time.Time) error {
	if err := l.db.failure("SetFrozen"); err != nil {
		return err
	}
	l.db.mutate(tx, func() func() {
		prev, had := l.db.frozen[userID]
		l.db.frozen[userID] = frozen
		return func() {
			if had {
				l.db.frozen[userID] = prev
			} else {
				delete(l.db.frozen, userID)
			}
		}
	})
	return nil
}

func (l memLedger) setBalances(tx pgx.Tx, user string, next map[string]int64) {
	l.db.mutate(tx, func() func() {
		prev := l.db.balances[user]
		l.db.balances[user] = next
		return func() { l.db.balances[user] = prev }
	})
}

func (l memLedger) TransferAll(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (map[string]int64, error) {
	if err := l.db.failure("TransferAll"); err != nil {
		return nil, err
	}
	moved := map[string]int64{}
	fromBal := l.db.balanceOf(from)
	toBal := l.db.balanceOf(to)
	for kind, amount := range fromBal {
		if amount > 0 {
			moved[kind] = amount
			toBal[kind] += amount
			fromBal[kind] = 0
		}
	}
	l.setBalances(tx, to, toBal)
	l.setBalances(tx, from, fromBal)
	return moved, nil
}

func (l memLedger) ZeroAll(ctx context.Context, tx pgx.Tx, userID string, at time.Time) (map[string]int64, error) {
	if err := l.db.failure("ZeroAll"); err != nil {
		return nil, err
	}
	removed := map[string]int64{}
	bal := l.db.balanceOf(userID)
	for kind, amount := range bal {
		if amount > 0 {
			removed[kind] = amount
		}
		bal[kind] = 0
	}
	l.setBalances(tx, userID, bal)
	return removed, nil
}

func (l memLedger) ReassignItems(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (int64, error) {
	if err := l.db.failure("ReassignItems"); err != nil {
		return 0, err
	}
	var n int64
	l.db.mutate(tx, func() func() {
		var moved []*memItem
		for _, it := range l.db.items {
			if it.owner == from {
				it.owner = to
				moved = append(moved, it)
			}
		}
		n = int64(len(moved))
		return func() {
			for _, it := range moved {
				it.owner = from
			}
		}
	})
	return n, nil
}

func (l memLedger) TagItems(ctx context.Context, tx pgx.Tx, owners []string, tags map[string]any, at time.Time) (int64, error) {
	if err := l.db.failure("TagItems"); err != nil {
		return 0, err
	}
	owned := map[string]bool{}
	for _, o := range owners {
		owned[o] = true
	}
	var n int64
	l.db.mutate(tx, func() func() {
		prev := map[*memItem]map[string]any{}
		for _, it := range l.db.items {
			if !owned[it.owner] {
				continue
			}
			old := make(map[string]any, len(it.attrs))
			for k, v := range it.attrs {
				old[k] = v
			}
			prev[it] = old
			for k, v := range tags {
				it.attrs[k] = v
			}
			n++
		}
		return func() {
			for it, old := range prev {
				it.attrs = old
			}
		}
	})
	return n, nil
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Remaining(deadline time.Time) TimeRemaining {
	return RemainingAt(c.Now(), deadline)
}

// fakeTx implements pgx.Tx on top of memDB.
type fakeTx struct {
	db        *memDB
	undo      []func()
	held      map[string]*sync.Mutex
	rolled    bool
	committed bool
}

func (f *fakeTx) release() {
	for key, m := range f.held {
		m.Unlock()
		delete(f.held, key)
	}
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.committed || f.rolled {
		return pgx.ErrTxClosed
	}
	if err := f.db.failure("Commit"); err != nil {
		f.Rollback(context.Background())
		return err
	}
	f.committed = true
	f.undo = nil
	f.release()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed || f.rolled {
		return nil
	}
	f.rolled = true
	f.db.mu.Lock()
	for i := len(f.undo) - 1; i >= 0; i-- {
		f.undo[i]()
	}
	f.db.mu.Unlock()
	f.undo = nil
	f.release()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// harness wires Service and Settler onto one memDB.
type harness struct {
	db      *memDB
	clock   *fakeClock
	deps    Dependencies
	svc     *Service
	settler *Settler
}

func newHarness() *harness {
	db := newMemDB()
	clock := newFakeClock()
	deps := Dependencies{
		Pool:       db,
		Store:      memStore{db},
		Couples:    memCouples{db},
		Agreements: memAgreements{db},
		Snapshots:  memSnapshots{db},
		Ledger:     memLedger{db},
		Clock:      clock,
	}
	settler := NewSettler(deps)
	return &harness{
		db:      db,
		clock:   clock,
		deps:    deps,
		svc:     NewService(deps, settler),
		settler: settler,
	}
}
