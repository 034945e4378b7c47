package couple

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested couple does not exist.
	ErrNotFound = errors.New("couple: not found")
	// ErrNotActive signals the couple is already dissolved.
	ErrNotActive = errors.New("couple: not active")
)

// Repository provides access to couple accounts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id::text, partner_a_id, partner_b_id, status::text, created_at, updated_at, dissolved_at`

// Create inserts an active couple with the given partners and returns it.
func (r *Repository) Create(ctx context.Context, partnerA, partnerB string) (Profile, error) {
	query := `
		INSERT INTO couples (partner_a_id, partner_b_id, status)
		VALUES ($1, $2, 'ACTIVE')
		RETURNING ` + selectColumns

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, nullable(partnerA), nullable(partnerB)))
	if err != nil {
		return Profile{}, fmt.Errorf("couple: create: %w", err)
	}
	return profile, nil
}

// GetByID fetches a couple by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Profile{}, ErrNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM couples WHERE id = $1`

	profile, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("couple: query by id: %w", err)
	}
	return profile, nil
}

// GetForUpdate reads the couple inside tx and holds its row lock until the
// transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Profile, error) {
	query := `SELECT ` + selectColumns + ` FROM couples WHERE id = $1 FOR UPDATE`

	profile, err := scanProfile(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("couple: lock: %w", err)
	}
	return profile, nil
}

// MarkDissolved flips an ACTIVE couple to DISSOLVED. It returns ErrNotActive
// when the couple was already dissolved and ErrNotFound when it is missing.
func (r *Repository) MarkDissolved(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE couples
		SET status = 'DISSOLVED', dissolved_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'ACTIVE'
	`, id, at)
	if err != nil {
		return fmt.Errorf("couple: dissolve: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM couples WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("couple: dissolve fallback: %w", err)
	}
	return ErrNotActive
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		profile Profile
		status  string
	)
	if err := row.Scan(
		&profile.ID,
		&profile.PartnerAID,
		&profile.PartnerBID,
		&status,
		&profile.CreatedAt,
		&profile.UpdatedAt,
		&profile.DissolvedAt,
	); err != nil {
		return Profile{}, err
	}
	profile.Status = Status(status)
	return profile, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
