package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGSnapshotter captures AssetSnapshots from the ledger tables.
type PGSnapshotter struct{}

// NewPGSnapshotter returns a Postgres-backed snapshotter.
func NewPGSnapshotter() *PGSnapshotter {
	return &PGSnapshotter{}
}

// Capture reads both partners' balances and item counts for coupleID inside
// tx. Callers hold the couple and wallet rows so the capture is consistent
// with the freeze that follows.
func (s *PGSnapshotter) Capture(ctx context.Context, tx pgx.Tx, coupleID string, at time.Time) (AssetSnapshot, error) {
	var partnerA, partnerB *string
	err := tx.QueryRow(ctx, `SELECT partner_a_id, partner_b_id FROM couples WHERE id = $1`, coupleID).Scan(&partnerA, &partnerB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AssetSnapshot{}, ErrCoupleNotFound
		}
		return AssetSnapshot{}, fmt.Errorf("ledger: snapshot couple: %w", err)
	}
	if partnerA == nil || *partnerA == "" || partnerB == nil || *partnerB == "" {
		return AssetSnapshot{}, ErrUnknownPartner
	}

	a, err := holdings(ctx, tx, *partnerA)
	if err != nil {
		return AssetSnapshot{}, err
	}
	b, err := holdings(ctx, tx, *partnerB)
	if err != nil {
		return AssetSnapshot{}, err
	}

	return AssetSnapshot{
		PartnerA:   a,
		PartnerB:   b,
		TotalValue: a.Total() + b.Total(),
		CapturedAt: at,
	}, nil
}

func holdings(ctx context.Context, tx pgx.Tx, userID string) (PartnerHoldings, error) {
	balances, err := Balances(ctx, tx, userID)
	if err != nil {
		return PartnerHoldings{}, err
	}
	var items int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM registry_items WHERE owner_id = $1`, userID).Scan(&items); err != nil {
		return PartnerHoldings{}, fmt.Errorf("ledger: count items: %w", err)
	}
	return PartnerHoldings{UserID: userID, Balances: balances, ItemCount: items}, nil
}
