package dispute

import (
	"errors"
	"fmt"

	"couplevault/agreement"
	"couplevault/couple"
	"couplevault/ledger"
)

var (
	// ErrNotFound signals a missing dispute, couple or governing agreement.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidState signals a transition the current status no longer permits.
	ErrInvalidState = errors.New("dispute: invalid state")
	// ErrPartnerData signals a couple missing one or both partner ids.
	ErrPartnerData = errors.New("dispute: partner data incomplete")
	// ErrPersistence wraps store failures unrelated to business rules.
	ErrPersistence = errors.New("dispute: persistence failure")
	// ErrInvalidArgument signals caller input that can never succeed.
	ErrInvalidArgument = errors.New("dispute: invalid argument")
)

// errStatusChanged is returned by conditional writes that matched zero rows
// because the dispute already left PENDING_AGREEMENT.
var errStatusChanged = errors.New("dispute: status changed")

// classify maps collaborator errors onto the dispute taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrPartnerData),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrPersistence):
		return err
	case errors.Is(err, errStatusChanged):
		return fmt.Errorf("dispute: %s: %w", op, ErrInvalidState)
	case errors.Is(err, couple.ErrNotFound),
		errors.Is(err, agreement.ErrAgreementNotFound),
		errors.Is(err, ledger.ErrCoupleNotFound):
		return fmt.Errorf("dispute: %s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, couple.ErrNotActive):
		return fmt.Errorf("dispute: %s: %w: %w", op, ErrInvalidState, err)
	case errors.Is(err, ledger.ErrUnknownPartner):
		return fmt.Errorf("dispute: %s: %w: %w", op, ErrPartnerData, err)
	default:
		return fmt.Errorf("dispute: %s: %w: %w", op, ErrPersistence, err)
	}
}
