package dispute

import (
	"context"
	"fmt"
	"time"

	"couplevault/couple"
	"couplevault/metrics"
)

// Service implements dispute initiation, negotiation and status queries.
type Service struct {
	deps    Dependencies
	trigger SettlementTrigger
}

// NewService builds a Service. trigger receives the negotiation-complete
// signal after an acceptance commits; nil disables chaining.
func NewService(deps Dependencies, trigger SettlementTrigger) *Service {
	return &Service{deps: deps.withDefaults(), trigger: trigger}
}

// Initiate opens a dispute for coupleID: it snapshots both partners'
// holdings, freezes both wallets and starts the agreement window.
func (s *Service) Initiate(ctx context.Context, coupleID, initiatedBy string) (View, error) {
	const op = "initiate"
	if !validID(coupleID) {
		return View{}, fmt.Errorf("dispute: %s: %w: couple %q", op, ErrNotFound, coupleID)
	}
	if initiatedBy == "" {
		return View{}, fmt.Errorf("dispute: %s: %w: missing initiator", op, ErrInvalidArgument)
	}

	tx, err := s.deps.begin(ctx, op)
	if err != nil {
		return View{}, err
	}
	defer tx.Rollback(ctx)

	cp, err := s.deps.Couples.GetForUpdate(ctx, tx, coupleID)
	if err != nil {
		return View{}, classify(op, err)
	}
	if cp.Status != couple.StatusActive {
		return View{}, fmt.Errorf("dispute: %s: %w: couple is %s", op, ErrInvalidState, cp.Status)
	}
	if partners := cp.Partners(); len(partners) != 2 || partners[0] == partners[1] {
		return View{}, fmt.Errorf("dispute: %s: %w: couple %s", op, ErrPartnerData, coupleID)
	}
	if !cp.HasPartner(initiatedBy) {
		return View{}, fmt.Errorf("dispute: %s: %w: %s is not a partner", op, ErrInvalidArgument, initiatedBy)
	}

	pending, err := s.deps.Store.HasPending(ctx, tx, coupleID)
	if err != nil {
		return View{}, classify(op, err)
	}
	if pending {
		return View{}, fmt.Errorf("dispute: %s: %w: couple already has a pending dispute", op, ErrInvalidState)
	}

	now := s.deps.Clock.Now()
	snapshot, err := s.deps.Snapshots.Capture(ctx, tx, coupleID, now)
	if err != nil {
		return View{}, classify(op, err)
	}

	signed, err := s.deps.Agreements.LatestSigned(ctx, tx, coupleID)
	if err != nil {
		return View{}, classify(op, err)
	}

	for _, partner := range cp.Partners() {
		if err := s.deps.Ledger.SetFrozen(ctx, tx, partner, true, now); err != nil {
			return View{}, classify(op, err)
		}
	}

	rec := Record{
		ID:          s.deps.IDGenerator(),
		CoupleID:    coupleID,
		AgreementID: signed.ID,
		InitiatedBy: initiatedBy,
		Status:      StatusPendingAgreement,
		DeadlineAt:  now.Add(Window),
		Snapshot:    snapshot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Store.Insert(ctx, tx, rec); err != nil {
		return View{}, classify(op, err)
	}

	if err := s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: rec.ID,
		Type:      EventInitiated,
		ActorID:   initiatedBy,
		At:        now,
		Payload: map[string]any{
			"agreement_id": signed.ID,
			"deadline_at":  rec.DeadlineAt.Format(time.RFC3339Nano),
			"total_value":  snapshot.TotalValue,
		},
	}); err != nil {
		return View{}, classify(op, err)
	}
	if err := s.deps.Store.EnqueueOutbox(ctx, tx, TopicInitiated, map[string]any{
		"dispute_id":  rec.ID,
		"couple_id":   coupleID,
		"deadline_at": rec.DeadlineAt.Format(time.RFC3339Nano),
	}); err != nil {
		return View{}, classify(op, err)
	}

	if err := s.deps.commit(ctx, tx, op); err != nil {
		return View{}, err
	}
	metrics.RecordTransition(string(StatusPendingAgreement))
	s.deps.Logger.Info("dispute initiated", "dispute_id", rec.ID, "couple_id", coupleID, "deadline_at", rec.DeadlineAt)

	return newView(rec, s.deps.Clock), nil
}

// ProposeWinner records winnerID as the proposed keeper of the pool. A new
// proposal replaces the previous one and clears any acceptance of it.
func (s *Service) ProposeWinner(ctx context.Context, disputeID, winnerID, proposedBy string) (View, error) {
	const op = "propose winner"
	if !validID(disputeID) {
		return View{}, fmt.Errorf("dispute: %s: %w: dispute %q", op, ErrNotFound, disputeID)
	}
	if winnerID == "" || proposedBy == "" {
		return View{}, fmt.Errorf("dispute: %s: %w: winner and proposer are required", op, ErrInvalidArgument)
	}

	tx, err := s.deps.begin(ctx, op)
	if err != nil {
		return View{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.deps.lockPending(ctx, tx, op, disputeID)
	if err != nil {
		return View{}, err
	}
	now := s.deps.Clock.Now()
	if !now.Before(rec.DeadlineAt) {
		return View{}, fmt.Errorf("dispute: %s: %w: deadline passed", op, ErrInvalidState)
	}

	cp, err := s.deps.lockCouple(ctx, tx, op, rec.CoupleID)
	if err != nil {
		return View{}, err
	}
	if !cp.HasPartner(winnerID) {
		return View{}, fmt.Errorf("dispute: %s: %w: winner %s is not a partner", op, ErrInvalidArgument, winnerID)
	}
	if !cp.HasPartner(proposedBy) {
		return View{}, fmt.Errorf("dispute: %s: %w: proposer %s is not a partner", op, ErrInvalidArgument, proposedBy)
	}

	rec.Negotiation = Negotiation{
		ProposedWinnerID: winnerID,
		ProposedBy:       proposedBy,
		ProposedAt:       &now,
	}
	if err := s.deps.Store.SaveProposal(ctx, tx, disputeID, rec.Negotiation); err != nil {
		return View{}, classify(op, err)
	}
	if err := s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: disputeID,
		Type:      EventWinnerProposed,
		ActorID:   proposedBy,
		At:        now,
		Payload:   map[string]any{"proposed_winner_id": winnerID},
	}); err != nil {
		return View{}, classify(op, err)
	}

	if err := s.deps.commit(ctx, tx, op); err != nil {
		return View{}, err
	}
	rec.UpdatedAt = now
	return newView(rec, s.deps.Clock), nil
}

// AcceptProposal records the other partner's acceptance of the current
// proposal, then signals the settlement trigger. Errors from settlement are
// returned to the caller; the acceptance itself stays committed.
func (s *Service) AcceptProposal(ctx context.Context, disputeID, acceptedBy string) (View, error) {
	const op = "accept proposal"
	if !validID(disputeID) {
		return View{}, fmt.Errorf("dispute: %s: %w: dispute %q", op, ErrNotFound, disputeID)
	}
	if acceptedBy == "" {
		return View{}, fmt.Errorf("dispute: %s: %w: missing accepter", op, ErrInvalidArgument)
	}

	tx, err := s.deps.begin(ctx, op)
	if err != nil {
		return View{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.deps.lockPending(ctx, tx, op, disputeID)
	if err != nil {
		return View{}, err
	}
	now := s.deps.Clock.Now()
	if !now.Before(rec.DeadlineAt) {
		return View{}, fmt.Errorf("dispute: %s: %w: deadline passed", op, ErrInvalidState)
	}
	if !rec.Negotiation.HasProposal() {
		return View{}, fmt.Errorf("dispute: %s: %w: nothing proposed", op, ErrInvalidState)
	}

	cp, err := s.deps.lockCouple(ctx, tx, op, rec.CoupleID)
	if err != nil {
		return View{}, err
	}
	if !cp.HasPartner(acceptedBy) {
		return View{}, fmt.Errorf("dispute: %s: %w: %s is not a partner", op, ErrInvalidArgument, acceptedBy)
	}
	if acceptedBy == rec.Negotiation.ProposedBy {
		return View{}, fmt.Errorf("dispute: %s: %w: proposer cannot accept own proposal", op, ErrInvalidArgument)
	}

	if err := s.deps.Store.SaveAcceptance(ctx, tx, disputeID, acceptedBy, now); err != nil {
		return View{}, classify(op, err)
	}
	if err := s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: disputeID,
		Type:      EventProposalAccepted,
		ActorID:   acceptedBy,
		At:        now,
		Payload:   map[string]any{"proposed_winner_id": rec.Negotiation.ProposedWinnerID},
	}); err != nil {
		return View{}, classify(op, err)
	}

	if err := s.deps.commit(ctx, tx, op); err != nil {
		return View{}, err
	}
	rec.Negotiation.AcceptedBy = acceptedBy
	rec.Negotiation.AcceptedAt = &now
	rec.UpdatedAt = now

	if s.trigger == nil || !rec.Negotiation.Complete() {
		return newView(rec, s.deps.Clock), nil
	}
	if err := s.trigger.OnNegotiationComplete(ctx, disputeID); err != nil {
		return View{}, err
	}
	return s.GetStatus(ctx, disputeID)
}

// GetStatus returns the current view of a dispute.
func (s *Service) GetStatus(ctx context.Context, disputeID string) (View, error) {
	const op = "get status"
	if !validID(disputeID) {
		return View{}, fmt.Errorf("dispute: %s: %w: dispute %q", op, ErrNotFound, disputeID)
	}
	rec, err := s.deps.Store.Get(ctx, disputeID)
	if err != nil {
		return View{}, classify(op, err)
	}
	return newView(rec, s.deps.Clock), nil
}
