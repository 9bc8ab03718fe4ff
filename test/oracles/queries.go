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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_claim_per_case",
			SQL: `SELECT case_id, COUNT(*) FROM case_claims
                  WHERE is_active
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_marker_consistent",
			SQL: `SELECT id FROM case_claims
                  WHERE is_active <> (released_at IS NULL)`,
		},
		{
			Name: "O3_assignment_matches_active_claim",
			SQL: `SELECT c.id FROM cases c
                  WHERE c.assigned_to IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM case_claims cc
                        WHERE cc.case_id = c.id AND cc.claimant_id = c.assigned_to AND cc.is_active)
                  UNION ALL
                  SELECT cc.case_id FROM case_claims cc
                  JOIN cases c ON c.id = cc.case_id
                  WHERE cc.is_active AND (c.assigned_to IS NULL OR c.assigned_to <> cc.claimant_id)`,
		},
		{
			Name: "O4_one_invoice_per_claimant_day",
			SQL: `SELECT claimant_id, invoice_date, COUNT(*) FROM invoices
                  GROUP BY claimant_id, invoice_date HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_invoice_totals_match_lines",
			SQL: `SELECT i.id FROM invoices i
                  WHERE i.subtotal_cents <> (SELECT COALESCE(SUM(l.amount_cents), 0)
                                             FROM invoice_lines l WHERE l.invoice_id = i.id)
                     OR i.total_cents <> i.subtotal_cents + i.tax_cents`,
		},
		{
			Name: "O6_line_price_frozen_at_claim",
			SQL: `SELECT l.id FROM invoice_lines l
                  JOIN case_claims cc ON cc.id = l.claim_id
                  WHERE l.unit_price_cents <> cc.price_cents_at_claim
                     OR l.amount_cents <> l.quantity * l.unit_price_cents`,
		},
		{
			Name: "O7_claim_limit_respected",
			SQL: `SELECT u.id, COUNT(*), u.max_claims FROM case_claims cc
                  JOIN users u ON u.id = cc.claimant_id
                  WHERE cc.is_active
                  GROUP BY u.id, u.max_claims HAVING COUNT(*) > u.max_claims`,
		},
		{
			Name: "O8_paid_invoices_have_paid_at",
			SQL: `SELECT id FROM invoices
                  WHERE (status = 'paid') <> (paid_at IS NOT NULL)`,
		},
		{
			Name: "O9_no_orphan_invoice_lines",
			SQL: `SELECT l.id FROM invoice_lines l
                  WHERE NOT EXISTS (SELECT 1 FROM case_claims cc WHERE cc.id = l.claim_id)`,
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
