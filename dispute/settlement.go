package dispute

import (
	"context"
	"fmt"

	"couplevault/couple"
	"couplevault/ledger"
	"couplevault/metrics"
)

// Settler performs the asset movement of both terminal paths. Each path runs
// in one transaction holding the dispute row lock; a replay finds the dispute
// terminal and moves nothing.
type Settler struct {
	deps Dependencies
}

func NewSettler(deps Dependencies) *Settler {
	return &Settler{deps: deps.withDefaults()}
}

// OnNegotiationComplete settles the dispute by agreement.
func (s *Settler) OnNegotiationComplete(ctx context.Context, disputeID string) error {
	return s.ProcessAgreement(ctx, disputeID)
}

// ProcessAgreement hands the loser's balances and items to the agreed winner,
// freezes the loser and dissolves the couple. The winner is unfrozen unless
// they are a partner in another couple with a pending dispute.
func (s *Settler) ProcessAgreement(ctx context.Context, disputeID string) error {
	const op = "process agreement"
	if !validID(disputeID) {
		return fmt.Errorf("dispute: %s: %w: dispute %q", op, ErrNotFound, disputeID)
	}

	tx, err := s.deps.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.deps.lockPending(ctx, tx, op, disputeID)
	if err != nil {
		return err
	}
	n := rec.Negotiation
	if !n.HasProposal() {
		return fmt.Errorf("dispute: %s: %w: no proposed winner", op, ErrInvalidState)
	}
	if !n.HasAcceptance() {
		return fmt.Errorf("dispute: %s: %w: proposal not accepted", op, ErrInvalidState)
	}
	if !n.AcceptedAt.Before(rec.DeadlineAt) {
		return fmt.Errorf("dispute: %s: %w: accepted after deadline", op, ErrInvalidState)
	}

	cp, err := s.deps.lockCouple(ctx, tx, op, rec.CoupleID)
	if err != nil {
		return err
	}
	if cp.Status != couple.StatusActive {
		return fmt.Errorf("dispute: %s: %w: couple is %s", op, ErrInvalidState, cp.Status)
	}
	winner := n.ProposedWinnerID
	loser, ok := cp.Other(winner)
	if !ok {
		return fmt.Errorf("dispute: %s: %w: winner %s is not a partner", op, ErrPartnerData, winner)
	}

	now := s.deps.Clock.Now()
	moved, err := s.deps.Ledger.TransferAll(ctx, tx, loser, winner, now)
	if err != nil {
		return classify(op, err)
	}
	if err := s.deps.Ledger.SetFrozen(ctx, tx, loser, true, now); err != nil {
		return classify(op, err)
	}
	// another couple's pending dispute still holds the winner's wallet
	held, err := s.deps.Store.PartnerHasOtherPending(ctx, tx, winner, disputeID)
	if err != nil {
		return classify(op, err)
	}
	if !held {
		if err := s.deps.Ledger.SetFrozen(ctx, tx, winner, false, now); err != nil {
			return classify(op, err)
		}
	}
	items, err := s.deps.Ledger.ReassignItems(ctx, tx, loser, winner, now)
	if err != nil {
		return classify(op, err)
	}

	if err := s.deps.Store.Transition(ctx, tx, disputeID, Resolution{
		Status:        StatusResolvedTransferred,
		Kind:          ResolutionAgreement,
		FinalWinnerID: winner,
		ResolvedBy:    winner,
		ResolvedAt:    now,
	}); err != nil {
		return classify(op, err)
	}
	if err := s.deps.Couples.MarkDissolved(ctx, tx, rec.CoupleID, now); err != nil {
		return classify(op, err)
	}

	if err := s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: disputeID,
		Type:      EventResolved,
		ActorID:   winner,
		At:        now,
		Payload: map[string]any{
			"winner_id":      winner,
			"loser_id":       loser,
			"transferred":    moved,
			"items_assigned": items,
		},
	}); err != nil {
		return classify(op, err)
	}
	if err := s.deps.Store.EnqueueOutbox(ctx, tx, TopicResolved, map[string]any{
		"dispute_id": disputeID,
		"couple_id":  rec.CoupleID,
		"winner_id":  winner,
	}); err != nil {
		return classify(op, err)
	}

	if err := s.deps.commit(ctx, tx, op); err != nil {
		return err
	}
	metrics.RecordTransition(string(StatusResolvedTransferred))
	s.deps.Logger.Info("dispute resolved", "dispute_id", disputeID, "winner_id", winner, "items", items)
	return nil
}

// ExecuteForfeiture confiscates both partners' pools once the deadline has
// passed without an agreement.
func (s *Settler) ExecuteForfeiture(ctx context.Context, disputeID string) error {
	const op = "execute forfeiture"
	if !validID(disputeID) {
		return fmt.Errorf("dispute: %s: %w: dispute %q", op, ErrNotFound, disputeID)
	}

	tx, err := s.deps.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.deps.lockPending(ctx, tx, op, disputeID)
	if err != nil {
		return err
	}
	now := s.deps.Clock.Now()
	if now.Before(rec.DeadlineAt) {
		return fmt.Errorf("dispute: %s: %w: deadline not reached", op, ErrInvalidState)
	}
	if rec.Negotiation.Complete() {
		return fmt.Errorf("dispute: %s: %w: partners reached agreement", op, ErrInvalidState)
	}

	cp, err := s.deps.lockCouple(ctx, tx, op, rec.CoupleID)
	if err != nil {
		return err
	}
	if cp.Status != couple.StatusActive {
		return fmt.Errorf("dispute: %s: %w: couple is %s", op, ErrInvalidState, cp.Status)
	}
	partners := cp.Partners()

	removed := make(map[string]map[string]int64, len(partners))
	for _, partner := range partners {
		amounts, err := s.deps.Ledger.ZeroAll(ctx, tx, partner, now)
		if err != nil {
			return classify(op, err)
		}
		removed[partner] = amounts
		if err := s.deps.Ledger.SetFrozen(ctx, tx, partner, true, now); err != nil {
			return classify(op, err)
		}
	}
	tagged, err := s.deps.Ledger.TagItems(ctx, tx, partners, ledger.ConfiscationTags(disputeID, now), now)
	if err != nil {
		return classify(op, err)
	}

	if err := s.deps.Store.Transition(ctx, tx, disputeID, Resolution{
		Status:     StatusExpiredForfeited,
		Kind:       ResolutionForfeiture,
		ResolvedBy: SystemActor,
		ResolvedAt: now,
	}); err != nil {
		return classify(op, err)
	}
	if err := s.deps.Couples.MarkDissolved(ctx, tx, rec.CoupleID, now); err != nil {
		return classify(op, err)
	}

	if err := s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: disputeID,
		Type:      EventForfeited,
		ActorID:   SystemActor,
		At:        now,
		Payload: map[string]any{
			"forfeited":    removed,
			"items_tagged": tagged,
		},
	}); err != nil {
		return classify(op, err)
	}
	if err := s.deps.Store.EnqueueOutbox(ctx, tx, TopicForfeited, map[string]any{
		"dispute_id": disputeID,
		"couple_id":  rec.CoupleID,
	}); err != nil {
		return classify(op, err)
	}

	if err := s.deps.commit(ctx, tx, op); err != nil {
		return err
	}
	metrics.RecordTransition(string(StatusExpiredForfeited))
	s.deps.Logger.Info("dispute forfeited", "dispute_id", disputeID, "items", tagged)
	return nil
}

// SettleExpired drives an expired pending dispute to its terminal state. An
// acceptance recorded before the deadline whose settlement never committed
// is settled by agreement; everything else is forfeited.
func (s *Settler) SettleExpired(ctx context.Context, disputeID string) (Status, error) {
	rec, err := s.deps.Store.Get(ctx, disputeID)
	if err != nil {
		return "", classify("settle expired", err)
	}
	if rec.Status.Terminal() {
		return "", fmt.Errorf("dispute: settle expired: %w: status is %s", ErrInvalidState, rec.Status)
	}
	if rec.Negotiation.Complete() {
		if err := s.ProcessAgreement(ctx, disputeID); err != nil {
			return "", err
		}
		return StatusResolvedTransferred, nil
	}
	if err := s.ExecuteForfeiture(ctx, disputeID); err != nil {
		return "", err
	}
	return StatusExpiredForfeited, nil
}
