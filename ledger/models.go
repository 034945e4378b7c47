package ledger

import (
	"errors"
	"time"
)

var (
	// ErrUnknownPartner signals a snapshot was requested for a couple whose
	// partner slots are not both populated.
	ErrUnknownPartner = errors.New("ledger: partner missing")
	// ErrCoupleNotFound signals the couple being snapshotted does not exist.
	ErrCoupleNotFound = errors.New("ledger: couple not found")
)

// PartnerHoldings is one partner's side of an asset snapshot.
type PartnerHoldings struct {
	UserID    string           `json:"user_id"`
	Balances  map[string]int64 `json:"balances"`
	ItemCount int              `json:"item_count"`
}

// Total sums the fungible balances across token kinds.
func (h PartnerHoldings) Total() int64 {
	var sum int64
	for _, amount := range h.Balances {
		sum += amount
	}
	return sum
}

// AssetSnapshot is the immutable capture of both partners' holdings taken
// when a dispute opens.
type AssetSnapshot struct {
	PartnerA   PartnerHoldings `json:"partner_a"`
	PartnerB   PartnerHoldings `json:"partner_b"`
	TotalValue int64           `json:"total_value"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Holdings returns the side of the snapshot belonging to userID.
func (s AssetSnapshot) Holdings(userID string) (PartnerHoldings, bool) {
	switch userID {
	case s.PartnerA.UserID:
		return s.PartnerA, true
	case s.PartnerB.UserID:
		return s.PartnerB, true
	default:
		return PartnerHoldings{}, false
	}
}

// Combined returns the per-kind sum of both partners' balances.
func (s AssetSnapshot) Combined() map[string]int64 {
	out := make(map[string]int64, len(s.PartnerA.Balances)+len(s.PartnerB.Balances))
	for kind, amount := range s.PartnerA.Balances {
		out[kind] += amount
	}
	for kind, amount := range s.PartnerB.Balances {
		out[kind] += amount
	}
	return out
}

// ConfiscationTags is the attribute metadata merged into forfeited items.
func ConfiscationTags(disputeID string, at time.Time) map[string]any {
	return map[string]any{
		"confiscated":            true,
		"confiscated_by_dispute": disputeID,
		"confiscated_at":         at.UTC().Format(time.RFC3339Nano),
	}
}
