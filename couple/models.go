package couple

import "time"

// Status is the lifecycle state of a couple account.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDissolved Status = "DISSOLVED"
)

// Profile captures a couple account and its two partner slots.
type Profile struct {
	ID          string
	PartnerAID  *string
	PartnerBID  *string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DissolvedAt *time.Time
}

// Partners returns the populated partner ids in slot order.
func (p Profile) Partners() []string {
	out := make([]string, 0, 2)
	if p.PartnerAID != nil && *p.PartnerAID != "" {
		out = append(out, *p.PartnerAID)
	}
	if p.PartnerBID != nil && *p.PartnerBID != "" {
		out = append(out, *p.PartnerBID)
	}
	return out
}

// HasPartner reports whether userID occupies either partner slot.
func (p Profile) HasPartner(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range p.Partners() {
		if id == userID {
			return true
		}
	}
	return false
}

// Other returns the partner that is not userID. ok is false when userID is
// not a partner or the couple does not have both slots filled.
func (p Profile) Other(userID string) (string, bool) {
	partners := p.Partners()
	if len(partners) != 2 || !p.HasPartner(userID) {
		return "", false
	}
	if partners[0] == userID {
		return partners[1], true
	}
	return partners[0], true
}
