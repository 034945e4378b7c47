package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("agreement: duplicate idempotency key")
	// ErrDuplicateAgreement signals the agreement id was already recorded.
	ErrDuplicateAgreement = errors.New("agreement: already recorded")
	// ErrAgreementNotFound is returned when no signed agreement exists for the lookup.
	ErrAgreementNotFound = errors.New("agreement: not found")
	// ErrCoupleNotFound is returned when the agreement references an unknown couple.
	ErrCoupleNotFound = errors.New("agreement: couple not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("agreement: insert idempotency key: %w", err)
	}

	return nil
}

// RecordSignedTx stores the signed agreement and its outbox message.
func (r *Repository) RecordSignedTx(ctx context.Context, tx pgx.Tx, params RecordSignedParams) error {
	if params.AgreementID == "" || params.CoupleID == "" {
		return fmt.Errorf("agreement: missing agreement or couple id")
	}

	const insertSQL = `
INSERT INTO couple_agreements (id, couple_id, document_ref, signed_at)
VALUES ($1, $2, $3, $4);
`

	if _, err := tx.Exec(ctx, insertSQL, params.AgreementID, params.CoupleID, params.DocumentRef, params.SignedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrDuplicateAgreement
			case "23503":
				return ErrCoupleNotFound
			}
		}
		return fmt.Errorf("agreement: insert agreement: %w", err)
	}

	return r.enqueueOutbox(ctx, tx, params)
}

// LatestSigned returns the most recently signed agreement for coupleID.
func (r *Repository) LatestSigned(ctx context.Context, tx pgx.Tx, coupleID string) (Agreement, error) {
	const selectSQL = `
SELECT id::text, couple_id::text, document_ref, signed_at, created_at
FROM couple_agreements
WHERE couple_id = $1
ORDER BY signed_at DESC, created_at DESC
LIMIT 1;
`

	var a Agreement
	err := tx.QueryRow(ctx, selectSQL, coupleID).Scan(&a.ID, &a.CoupleID, &a.DocumentRef, &a.SignedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: latest signed: %w", err)
	}
	return a, nil
}

func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, params RecordSignedParams) error {
	payload := params.OutboxPayload
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	payload["agreement_id"] = params.AgreementID
	payload["couple_id"] = params.CoupleID
	payload["signed_at"] = params.SignedAt.UTC().Format(time.RFC3339Nano)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}

	topic := params.OutboxTopic
	if topic == "" {
		topic = OutboxTopicAgreementSigned
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`

	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}

	return nil
}
