package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/ledger"
	"couplevault/logging"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Event is one row of the dispute timeline.
type Event struct {
	DisputeID string
	Type      string
	ActorID   string
	Payload   map[string]any
	At        time.Time
}

// Store persists dispute records. Writes that move a dispute must be
// conditional on PENDING_AGREEMENT and return errStatusChanged when they
// match nothing.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	HasPending(ctx context.Context, tx pgx.Tx, coupleID string) (bool, error)
	PartnerHasOtherPending(ctx context.Context, tx pgx.Tx, userID, excludeID string) (bool, error)
	SaveProposal(ctx context.Context, tx pgx.Tx, id string, n Negotiation) error
	SaveAcceptance(ctx context.Context, tx pgx.Tx, id string, acceptedBy string, at time.Time) error
	Transition(ctx context.Context, tx pgx.Tx, id string, res Resolution) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type CoupleStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (couple.Profile, error)
	MarkDissolved(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
}

type AgreementLocator interface {
	LatestSigned(ctx context.Context, tx pgx.Tx, coupleID string) (agreement.Agreement, error)
}

type AssetSnapshotter interface {
	Capture(ctx context.Context, tx pgx.Tx, coupleID string, at time.Time) (ledger.AssetSnapshot, error)
}

// Ledger covers both the wallet balances and the ownership registry.
type Ledger interface {
	SetFrozen(ctx context.Context, tx pgx.Tx, userID string, frozen bool, at time.Time) error
	TransferAll(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (map[string]int64, error)
	ZeroAll(ctx context.Context, tx pgx.Tx, userID string, at time.Time) (map[string]int64, error)
	ReassignItems(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (int64, error)
	TagItems(ctx context.Context, tx pgx.Tx, owners []string, tags map[string]any, at time.Time) (int64, error)
}

// SettlementTrigger receives the signal that both partners agreed.
type SettlementTrigger interface {
	OnNegotiationComplete(ctx context.Context, disputeID string) error
}

// Dependencies wires the collaborators shared by Service and Settler.
type Dependencies struct {
	Pool        TxBeginner
	Store       Store
	Couples     CoupleStore
	Agreements  AgreementLocator
	Snapshots   AssetSnapshotter
	Ledger      Ledger
	Clock       Clock
	Logger      *logging.Logger
	IDGenerator func() string
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.IDGenerator == nil {
		d.IDGenerator = uuid.NewString
	}
	return d
}

func (d Dependencies) begin(ctx context.Context, op string) (pgx.Tx, error) {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: %s: begin tx: %w: %w", op, ErrPersistence, err)
	}
	return tx, nil
}

func (d Dependencies) commit(ctx context.Context, tx pgx.Tx, op string) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: %s: commit tx: %w: %w", op, ErrPersistence, err)
	}
	return nil
}

// lockPending locks the dispute row and requires it to still be pending.
func (d Dependencies) lockPending(ctx context.Context, tx pgx.Tx, op, id string) (Record, error) {
	rec, err := d.Store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, classify(op, err)
	}
	if rec.Status != StatusPendingAgreement {
		return Record{}, fmt.Errorf("dispute: %s: %w: status is %s", op, ErrInvalidState, rec.Status)
	}
	return rec, nil
}

// lockCouple locks the couple row and requires both partner slots.
func (d Dependencies) lockCouple(ctx context.Context, tx pgx.Tx, op, coupleID string) (couple.Profile, error) {
	cp, err := d.Couples.GetForUpdate(ctx, tx, coupleID)
	if err != nil {
		return couple.Profile{}, classify(op, err)
	}
	if partners := cp.Partners(); len(partners) != 2 || partners[0] == partners[1] {
		return couple.Profile{}, fmt.Errorf("dispute: %s: %w: couple %s", op, ErrPartnerData, coupleID)
	}
	return cp, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
