package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGLedger implements the wallet ledger and ownership registry on Postgres.
// Mutating methods run inside the caller's transaction so asset movement
// commits or rolls back together with the dispute transition.
type PGLedger struct{}

// NewPGLedger returns a Postgres-backed ledger.
func NewPGLedger() *PGLedger {
	return &PGLedger{}
}

// SetFrozen upserts the wallet row for userID with the given frozen flag.
func (l *PGLedger) SetFrozen(ctx context.Context, tx pgx.Tx, userID string, frozen bool, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, frozen, frozen_at, updated_at)
		VALUES ($1, $2::boolean, CASE WHEN $2::boolean THEN $3::timestamptz END, $3::timestamptz)
		ON CONFLICT (user_id) DO UPDATE
		SET frozen = EXCLUDED.frozen,
		    frozen_at = EXCLUDED.frozen_at,
		    updated_at = EXCLUDED.updated_at
	`, userID, frozen, at)
	if err != nil {
		return fmt.Errorf("ledger: set frozen: %w", err)
	}
	return nil
}

// TransferAll moves every positive balance of from into to and returns the
// moved amounts per token kind.
func (l *PGLedger) TransferAll(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (map[string]int64, error) {
	if from == to {
		return nil, fmt.Errorf("ledger: transfer to self: %s", from)
	}
	if err := ensureWallet(ctx, tx, to, at); err != nil {
		return nil, err
	}

	moved, err := lockBalances(ctx, tx, from)
	if err != nil {
		return nil, err
	}

	for kind, amount := range moved {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallet_balances (user_id, token_kind, amount, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, token_kind) DO UPDATE
			SET amount = wallet_balances.amount + EXCLUDED.amount,
			    updated_at = EXCLUDED.updated_at
		`, to, kind, amount, at); err != nil {
			return nil, fmt.Errorf("ledger: credit %s: %w", kind, err)
		}
	}

	if err := zeroBalances(ctx, tx, from, at); err != nil {
		return nil, err
	}
	return moved, nil
}

// ZeroAll sets every balance of userID to zero and returns the amounts removed.
func (l *PGLedger) ZeroAll(ctx context.Context, tx pgx.Tx, userID string, at time.Time) (map[string]int64, error) {
	removed, err := lockBalances(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := zeroBalances(ctx, tx, userID, at); err != nil {
		return nil, err
	}
	return removed, nil
}

// ReassignItems hands every registry item owned by from over to to.
func (l *PGLedger) ReassignItems(ctx context.Context, tx pgx.Tx, from, to string, at time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE registry_items
		SET owner_id = $2, updated_at = $3
		WHERE owner_id = $1
	`, from, to, at)
	if err != nil {
		return 0, fmt.Errorf("ledger: reassign items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TagItems merges tags into the attribute metadata of every item owned by
// any of owners. Ownership is left untouched.
func (l *PGLedger) TagItems(ctx context.Context, tx pgx.Tx, owners []string, tags map[string]any, at time.Time) (int64, error) {
	if len(owners) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal tags: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE registry_items
		SET attributes = attributes || $2::jsonb, updated_at = $3
		WHERE owner_id = ANY($1)
	`, owners, payload, at)
	if err != nil {
		return 0, fmt.Errorf("ledger: tag items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Credit adds amount of kind to userID, creating the wallet if needed.
func Credit(ctx context.Context, q Querier, userID, kind string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative credit %d", amount)
	}
	if _, err := q.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ledger: ensure wallet: %w", err)
	}
	_, err := q.Exec(ctx, `
		INSERT INTO wallet_balances (user_id, token_kind, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, token_kind) DO UPDATE
		SET amount = wallet_balances.amount + EXCLUDED.amount, updated_at = now()
	`, userID, kind, amount)
	if err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	return nil
}

// AddItem registers a new item owned by ownerID and returns its id.
func AddItem(ctx context.Context, q Querier, ownerID string, attributes map[string]any) (string, error) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	payload, err := json.Marshal(attributes)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal attributes: %w", err)
	}
	var id string
	if err := q.QueryRow(ctx, `
		INSERT INTO registry_items (owner_id, attributes)
		VALUES ($1, $2::jsonb)
		RETURNING id::text
	`, ownerID, payload).Scan(&id); err != nil {
		return "", fmt.Errorf("ledger: add item: %w", err)
	}
	return id, nil
}

// Balances reads the current balances of userID keyed by token kind.
func Balances(ctx context.Context, q Querier, userID string) (map[string]int64, error) {
	rows, err := q.Query(ctx, `SELECT token_kind, amount FROM wallet_balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: balances: %w", err)
	}
	defer rows.Close()
	return collectBalances(rows)
}

// Frozen reports whether userID's wallet is frozen. A missing wallet is not.
func Frozen(ctx context.Context, q Querier, userID string) (bool, error) {
	var frozen bool
	err := q.QueryRow(ctx, `SELECT frozen FROM wallets WHERE user_id = $1`, userID).Scan(&frozen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: frozen: %w", err)
	}
	return frozen, nil
}

func ensureWallet(ctx context.Context, tx pgx.Tx, userID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, updated_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, at)
	if err != nil {
		return fmt.Errorf("ledger: ensure wallet: %w", err)
	}
	return nil
}

func lockBalances(ctx context.Context, tx pgx.Tx, userID string) (map[string]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT token_kind, amount
		FROM wallet_balances
		WHERE user_id = $1 AND amount > 0
		ORDER BY token_kind
		FOR UPDATE
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: lock balances: %w", err)
	}
	defer rows.Close()
	return collectBalances(rows)
}

func zeroBalances(ctx context.Context, tx pgx.Tx, userID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE wallet_balances
		SET amount = 0, updated_at = $2
		WHERE user_id = $1 AND amount <> 0
	`, userID, at); err != nil {
		return fmt.Errorf("ledger: zero balances: %w", err)
	}
	return nil
}

func collectBalances(rows pgx.Rows) (map[string]int64, error) {
	out := make(map[string]int64)
	for rows.Next() {
		var (
			kind   string
			amount int64
		)
		if err := rows.Scan(&kind, &amount); err != nil {
			return nil, fmt.Errorf("ledger: scan balance: %w", err)
		}
		out[kind] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate balances: %w", err)
	}
	return out, nil
}
