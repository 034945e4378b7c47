package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries; each must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_pending_per_couple",
			SQL: `SELECT couple_id, COUNT(*) FROM disputes
                  WHERE status = 'PENDING_AGREEMENT'
                  GROUP BY couple_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_terminal_event",
			SQL: `SELECT d.id, d.status, COUNT(e.id) AS terminal_events
                  FROM disputes d
                  LEFT JOIN dispute_events e
                    ON e.dispute_id = d.id AND e.type IN ('DISPUTE_RESOLVED','DISPUTE_FORFEITED')
                  GROUP BY d.id, d.status
                  HAVING (d.status = 'PENDING_AGREEMENT' AND COUNT(e.id) > 0)
                      OR (d.status <> 'PENDING_AGREEMENT' AND COUNT(e.id) <> 1)`,
		},
		{
			Name: "O3_resolution_fields",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status = 'RESOLVED_TRANSFERRED' AND (
                           final_winner_id IS NULL OR resolution_kind <> 'agreement'
                        OR accepted_at IS NULL OR accepted_at >= deadline_at
                        OR proposed_by IS NULL OR accepted_by = proposed_by
                        OR final_winner_id <> proposed_winner_id))
                     OR (status = 'EXPIRED_FORFEITED' AND (
                           final_winner_id IS NOT NULL OR resolution_kind <> 'forfeiture'
                        OR resolved_by <> 'system'))
                     OR (status = 'PENDING_AGREEMENT' AND resolved_at IS NOT NULL)`,
		},
		{
			Name: "O4_deadline_window",
			SQL: `SELECT id FROM disputes
                  WHERE deadline_at <> created_at + interval '72 hours'`,
		},
		{
			Name: "O5_couple_dissolved_with_dispute",
			SQL: `SELECT d.id, d.status, c.status FROM disputes d
                  JOIN couples c ON c.id = d.couple_id
                  WHERE (d.status <> 'PENDING_AGREEMENT' AND c.status <> 'DISSOLVED')
                     OR (d.status = 'PENDING_AGREEMENT' AND c.status <> 'ACTIVE')`,
		},
		{
			Name: "O6_forfeiture_zeroed",
			SQL: `SELECT b.user_id, b.token_kind, b.amount FROM disputes d
                  JOIN couples c ON c.id = d.couple_id
                  JOIN wallet_balances b ON b.user_id IN (c.partner_a_id, c.partner_b_id)
                  WHERE d.status = 'EXPIRED_FORFEITED' AND b.amount <> 0`,
		},
		{
			Name: "O7_transfer_conserves_snapshot",
			SQL: `SELECT d.id, (d.snapshot->>'total_value')::bigint AS snapshot_total, w.total
                  FROM disputes d
                  JOIN LATERAL (
                      SELECT COALESCE(SUM(amount), 0) AS total FROM wallet_balances
                      WHERE user_id = d.final_winner_id
                  ) w ON true
                  WHERE d.status = 'RESOLVED_TRANSFERRED'
                    AND w.total <> (d.snapshot->>'total_value')::bigint`,
		},
		{
			Name: "O8_loser_holds_nothing",
			SQL: `SELECT d.id, b.user_id, b.amount FROM disputes d
                  JOIN couples c ON c.id = d.couple_id
                  JOIN wallet_balances b
                    ON b.user_id IN (c.partner_a_id, c.partner_b_id) AND b.user_id <> d.final_winner_id
                  WHERE d.status = 'RESOLVED_TRANSFERRED' AND b.amount <> 0`,
		},
		{
			Name: "O9_freeze_state",
			SQL: `SELECT d.id, w.user_id, w.frozen FROM disputes d
                  JOIN couples c ON c.id = d.couple_id
                  JOIN wallets w ON w.user_id IN (c.partner_a_id, c.partner_b_id)
                  WHERE (d.status IN ('PENDING_AGREEMENT','EXPIRED_FORFEITED') AND NOT w.frozen)
                     OR (d.status = 'RESOLVED_TRANSFERRED' AND w.user_id = d.final_winner_id AND w.frozen)
                     OR (d.status = 'RESOLVED_TRANSFERRED' AND w.user_id <> d.final_winner_id AND NOT w.frozen)`,
		},
		{
			Name: "O10_single_terminal_outbox",
			SQL: `SELECT payload->>'dispute_id', COUNT(*) FROM outbox
                  WHERE topic IN ('dispute.resolved','dispute.forfeited')
                  GROUP BY payload->>'dispute_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O11_dispute_guards_installed",
			SQL: `SELECT 'missing_dispute_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('disputes_guard','no_delete_disputes')) < 2`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
