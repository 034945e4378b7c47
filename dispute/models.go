package dispute

import (
	"time"

	"couplevault/ledger"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPendingAgreement    Status = "PENDING_AGREEMENT"
	StatusResolvedTransferred Status = "RESOLVED_TRANSFERRED"
	StatusExpiredForfeited    Status = "EXPIRED_FORFEITED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusResolvedTransferred || s == StatusExpiredForfeited
}

// ResolutionKind names the terminal path that settled a dispute.
type ResolutionKind string

const (
	ResolutionAgreement  ResolutionKind = "agreement"
	ResolutionForfeiture ResolutionKind = "forfeiture"
)

// Window is the time partners have to agree before forfeiture.
const Window = 72 * time.Hour

// SystemActor is recorded as the resolver of forfeitures.
const SystemActor = "system"

const (
	EventInitiated        = "DISPUTE_INITIATED"
	EventWinnerProposed   = "WINNER_PROPOSED"
	EventProposalAccepted = "PROPOSAL_ACCEPTED"
	EventResolved         = "DISPUTE_RESOLVED"
	EventForfeited        = "DISPUTE_FORFEITED"
)

const (
	TopicInitiated = "dispute.initiated"
	TopicResolved  = "dispute.resolved"
	TopicForfeited = "dispute.forfeited"
)

// Negotiation is the propose/accept exchange between the partners.
type Negotiation struct {
	ProposedWinnerID string
	ProposedBy       string
	ProposedAt       *time.Time
	AcceptedBy       string
	AcceptedAt       *time.Time
}

func (n Negotiation) HasProposal() bool {
	return n.ProposedWinnerID != "" && n.ProposedBy != "" && n.ProposedAt != nil
}

func (n Negotiation) HasAcceptance() bool {
	return n.AcceptedBy != "" && n.AcceptedAt != nil
}

// Complete reports whether a proposal exists and has been accepted.
func (n Negotiation) Complete() bool {
	return n.HasProposal() && n.HasAcceptance()
}

// Record mirrors the disputes table.
type Record struct {
	ID             string
	CoupleID       string
	AgreementID    string
	InitiatedBy    string
	Status         Status
	DeadlineAt     time.Time
	Snapshot       ledger.AssetSnapshot
	Negotiation    Negotiation
	FinalWinnerID  string
	ResolutionKind ResolutionKind
	ResolvedAt     *time.Time
	ResolvedBy     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Resolution is written by a terminal transition.
type Resolution struct {
	Status        Status
	Kind          ResolutionKind
	FinalWinnerID string
	ResolvedBy    string
	ResolvedAt    time.Time
}

// View is the read model returned to callers of every dispute operation.
type View struct {
	ID               string               `json:"id"`
	CoupleID         string               `json:"couple_id"`
	InitiatedBy      string               `json:"initiated_by"`
	Status           Status               `json:"status"`
	Deadline         time.Time            `json:"deadline"`
	Remaining        TimeRemaining        `json:"time_remaining"`
	Snapshot         ledger.AssetSnapshot `json:"snapshot"`
	ProposedWinnerID string               `json:"proposed_winner_id,omitempty"`
	FinalWinnerID    string               `json:"final_winner_id,omitempty"`
}

// newView builds the read model. A terminal dispute has no countdown left,
// whatever its deadline.
func newView(rec Record, clock Clock) View {
	remaining := TimeRemaining{Expired: true}
	if !rec.Status.Terminal() {
		remaining = clock.Remaining(rec.DeadlineAt)
	}
	return View{
		ID:               rec.ID,
		CoupleID:         rec.CoupleID,
		InitiatedBy:      rec.InitiatedBy,
		Status:           rec.Status,
		Deadline:         rec.DeadlineAt,
		Remaining:        remaining,
		Snapshot:         rec.Snapshot,
		ProposedWinnerID: rec.Negotiation.ProposedWinnerID,
		FinalWinnerID:    rec.FinalWinnerID,
	}
}
