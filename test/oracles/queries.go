// Package oracles holds SQL invariants that must return zero rows no matter
// how the engines interleave.
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
			Name: "O1_single_current_negotiation",
			SQL: `SELECT item_id, COUNT(*) FROM catalog_offer_negotiations
                  WHERE is_current_offer GROUP BY item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_open_offer",
			SQL: `SELECT buyer_id, listing_id, COUNT(*) FROM catalog_offers
                  WHERE status IN ('ACTIVE','NEGOTIATING')
                  GROUP BY buyer_id, listing_id HAVING COUNT(*) > 1`,
		},
		// Rejected offers keep the total they were rejected at.
		{
			Name: "O3_total_matches_items",
			SQL: `SELECT o.id, o.total_value, COALESCE(SUM(
                      CASE
                          WHEN i.negotiation_status = 'AGREED' THEN i.final_agreed_price * i.final_agreed_quantity
                          WHEN i.negotiation_status = 'SELLER_COUNTERED' AND i.seller_price IS NOT NULL THEN i.seller_price * i.quantity
                          ELSE i.buyer_price * i.quantity
                      END), 0) AS derived
                  FROM catalog_offers o
                  LEFT JOIN catalog_offer_items i ON i.offer_id = o.id AND i.item_status = 'ACTIVE'
                  WHERE o.status <> 'REJECTED'
                  GROUP BY o.id, o.total_value
                  HAVING o.total_value <> COALESCE(SUM(
                      CASE
                          WHEN i.negotiation_status = 'AGREED' THEN i.final_agreed_price * i.final_agreed_quantity
                          WHEN i.negotiation_status = 'SELLER_COUNTERED' AND i.seller_price IS NOT NULL THEN i.seller_price * i.quantity
                          ELSE i.buyer_price * i.quantity
                      END), 0)`,
		},
		{
			Name: "O4_closed_offers_have_no_live_negotiation",
			SQL: `SELECT n.id FROM catalog_offer_negotiations n
                  JOIN catalog_offers o ON o.id = n.offer_id
                  WHERE n.is_current_offer AND o.status IN ('ACCEPTED','REJECTED','EXPIRED')`,
		},
		{
			Name: "O5_orders_only_for_accepted_offers",
			SQL: `SELECT r.id FROM orders r
                  JOIN catalog_offers o ON o.id = r.offer_id
                  WHERE o.status <> 'ACCEPTED' OR o.order_id IS DISTINCT FROM r.id`,
		},
		{
			Name: "O6_order_total_matches_lines",
			SQL: `SELECT r.id FROM orders r
                  LEFT JOIN order_lines l ON l.order_id = r.id
                  GROUP BY r.id, r.total_value
                  HAVING r.total_value <> COALESCE(SUM(l.subtotal), 0)`,
		},
		{
			Name: "O7_accepted_items_agreed",
			SQL: `SELECT i.id FROM catalog_offer_items i
                  JOIN catalog_offers o ON o.id = i.offer_id
                  WHERE o.status = 'ACCEPTED' AND i.item_status = 'ACTIVE' AND i.negotiation_status <> 'AGREED'`,
		},
		{
			Name: "O8_round_covers_history",
			SQL: `SELECT o.id FROM catalog_offers o
                  JOIN catalog_offer_negotiations n ON n.offer_id = o.id
                  GROUP BY o.id, o.current_round
                  HAVING MAX(n.round) > o.current_round`,
		},
		{
			Name: "O9_every_offer_audited",
			SQL: `SELECT o.id FROM catalog_offers o
                  WHERE NOT EXISTS (SELECT 1 FROM catalog_offer_audit_logs a
                                    WHERE a.offer_id = o.id AND a.action = 'OFFER_CREATED')`,
		},
	}
}

// Run returns the name and first row of the first failing oracle, or an
// empty name when all pass.
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
