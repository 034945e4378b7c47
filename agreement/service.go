package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidRequest signals a webhook payload that can never be recorded.
var ErrInvalidRequest = errors.New("agreement: invalid request")

// EsignCompletionRequest captures the webhook payload normalized for the service.
type EsignCompletionRequest struct {
	AgreementID    string
	CoupleID       string
	DocumentRef    string
	SignedAt       time.Time
	IdempotencyKey string
	OutboxTopic    string
	OutboxPayload  map[string]any
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EsignRepository defines the data access required by the service.
type EsignRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	RecordSignedTx(ctx context.Context, tx pgx.Tx, params RecordSignedParams) error
}

type Service struct {
	pool TxBeginner
	repo EsignRepository
	now  func() time.Time
}

func NewService(pool TxBeginner, repo EsignRepository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

// WithClock overrides the clock used when the webhook omits signed_at.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// HandleEsignCompletionWebhook records a signed agreement exactly once per
// idempotency key. Replays, including a second key for an agreement id that
// is already stored, commit nothing and return nil.
func (s *Service) HandleEsignCompletionWebhook(ctx context.Context, req EsignCompletionRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(req.AgreementID); err != nil {
		return fmt.Errorf("%w: agreement id %q", ErrInvalidRequest, req.AgreementID)
	}
	if _, err := uuid.Parse(req.CoupleID); err != nil {
		return fmt.Errorf("%w: couple id %q", ErrInvalidRequest, req.CoupleID)
	}

	signedAt := req.SignedAt
	if signedAt.IsZero() {
		signedAt = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	params := RecordSignedParams{
		AgreementID:   req.AgreementID,
		CoupleID:      req.CoupleID,
		DocumentRef:   req.DocumentRef,
		SignedAt:      signedAt.UTC().Truncate(time.Microsecond),
		OutboxTopic:   req.OutboxTopic,
		OutboxPayload: req.OutboxPayload,
	}

	if err := s.repo.RecordSignedTx(ctx, tx, params); err != nil {
		if errors.Is(err, ErrDuplicateAgreement) {
			return nil
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}

	return nil
}
