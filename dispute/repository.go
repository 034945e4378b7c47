package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id::text, couple_id::text, agreement_id::text, initiated_by, status::text,
	deadline_at, snapshot,
	proposed_winner_id, proposed_by, proposed_at, accepted_by, accepted_at,
	final_winner_id, resolution_kind, resolved_at, resolved_by,
	created_at, updated_at`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("dispute: marshal snapshot: %w", err)
	}

	const query = `
		INSERT INTO disputes (id, couple_id, agreement_id, initiated_by, status, deadline_at, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING_AGREEMENT', $5, $6, $7, $7)
	`
	if _, err := tx.Exec(ctx, query, rec.ID, rec.CoupleID, rec.AgreementID, rec.InitiatedBy, rec.DeadlineAt, snapshot, rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("dispute: insert: %w: couple already has a pending dispute", ErrInvalidState)
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

func (r *Repository) HasPending(ctx context.Context, tx pgx.Tx, coupleID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM disputes WHERE couple_id = $1 AND status = 'PENDING_AGREEMENT')
	`, coupleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: has pending: %w", err)
	}
	return exists, nil
}

// PartnerHasOtherPending reports whether userID is a partner of a couple
// with a pending dispute other than excludeID.
func (r *Repository) PartnerHasOtherPending(ctx context.Context, tx pgx.Tx, userID, excludeID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes d
			JOIN couples c ON c.id = d.couple_id
			WHERE d.status = 'PENDING_AGREEMENT'
			  AND d.id <> $2
			  AND $1 IN (c.partner_a_id, c.partner_b_id)
		)
	`, userID, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: partner has other pending: %w", err)
	}
	return exists, nil
}

func (r *Repository) SaveProposal(ctx context.Context, tx pgx.Tx, id string, n Negotiation) error {
	const query = `
		UPDATE disputes
		SET proposed_winner_id = $2,
		    proposed_by = $3,
		    proposed_at = $4,
		    accepted_by = NULL,
		    accepted_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = 'PENDING_AGREEMENT'
	`
	tag, err := tx.Exec(ctx, query, id, n.ProposedWinnerID, n.ProposedBy, n.ProposedAt)
	if err != nil {
		return fmt.Errorf("dispute: save proposal: %w", err)
	}
	return r.conditional(ctx, tx, id, tag, "save proposal")
}

func (r *Repository) SaveAcceptance(ctx context.Context, tx pgx.Tx, id string, acceptedBy string, at time.Time) error {
	const query = `
		UPDATE disputes
		SET accepted_by = $2,
		    accepted_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'PENDING_AGREEMENT' AND proposed_winner_id IS NOT NULL
	`
	tag, err := tx.Exec(ctx, query, id, acceptedBy, at)
	if err != nil {
		return fmt.Errorf("dispute: save acceptance: %w", err)
	}
	return r.conditional(ctx, tx, id, tag, "save acceptance")
}

func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, id string, res Resolution) error {
	const query = `
		UPDATE disputes
		SET status = $2::dispute_status,
		    resolution_kind = $3,
		    final_winner_id = $4,
		    resolved_by = $5,
		    resolved_at = $6,
		    updated_at = $6
		WHERE id = $1 AND status = 'PENDING_AGREEMENT'
	`
	var winner *string
	if res.FinalWinnerID != "" {
		winner = &res.FinalWinnerID
	}
	tag, err := tx.Exec(ctx, query, id, string(res.Status), string(res.Kind), winner, res.ResolvedBy, res.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: transition: %w", err)
	}
	return r.conditional(ctx, tx, id, tag, "transition")
}

// conditional classifies a guarded update that matched no rows.
func (r *Repository) conditional(ctx context.Context, tx pgx.Tx, id string, tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: %s fallback: %w", op, err)
	}
	return errStatusChanged
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	const query = `
		SELECT id::text
		FROM disputes
		WHERE status = 'PENDING_AGREEMENT' AND deadline_at <= $1
		ORDER BY deadline_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list expired: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan expired: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate expired: %w", err)
	}
	return out, nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal event payload: %w", err)
	}
	var actor *string
	if e.ActorID != "" {
		actor = &e.ActorID
	}

	const insertSQL = `
INSERT INTO dispute_events (dispute_id, type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := tx.Exec(ctx, insertSQL, e.DisputeID, e.Type, actor, payloadBytes, e.At); err != nil {
		return fmt.Errorf("dispute: insert event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("dispute: insert outbox message: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec            Record
		status         string
		snapshot       []byte
		proposedWinner *string
		proposedBy     *string
		acceptedBy     *string
		finalWinner    *string
		resolutionKind *string
		resolvedBy     *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CoupleID,
		&rec.AgreementID,
		&rec.InitiatedBy,
		&status,
		&rec.DeadlineAt,
		&snapshot,
		&proposedWinner,
		&proposedBy,
		&rec.Negotiation.ProposedAt,
		&acceptedBy,
		&rec.Negotiation.AcceptedAt,
		&finalWinner,
		&resolutionKind,
		&rec.ResolvedAt,
		&resolvedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
		return Record{}, fmt.Errorf("dispute: decode snapshot: %w", err)
	}
	rec.Status = Status(status)
	rec.Negotiation.ProposedWinnerID = deref(proposedWinner)
	rec.Negotiation.ProposedBy = deref(proposedBy)
	rec.Negotiation.AcceptedBy = deref(acceptedBy)
	rec.FinalWinnerID = deref(finalWinner)
	rec.ResolutionKind = ResolutionKind(deref(resolutionKind))
	rec.ResolvedBy = deref(resolvedBy)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
