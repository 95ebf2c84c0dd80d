package offer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offerflow/order"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PGStore runs units of work against Postgres at REPEATABLE READ and retries
// the whole unit when the server aborts it with a serialization failure.
type PGStore struct {
	pool   TxBeginner
	retry  failsafe.Executor[any]
	logger *zap.Logger
}

func NewPGStore(pool TxBeginner, maxRetries int, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return retryable(err)
		}).
		WithBackoff(10*time.Millisecond, 250*time.Millisecond).
		WithJitterFactor(0.25).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.Warn("retrying offer transaction", zap.Int("attempt", e.Attempts()), zap.Error(e.LastError()))
		}).
		Build()
	return &PGStore{pool: pool, retry: failsafe.With[any](policy), logger: logger}
}

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.retry.WithContext(ctx).Run(func() error {
		return s.attempt(ctx, fn)
	})
	if err != nil && retryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *PGStore) attempt(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("offer: commit tx: %w", err)
	}
	return nil
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var publicIDTables = map[EntityKind]string{
	EntityOffer:        "catalog_offers",
	EntityItem:         "catalog_offer_items",
	EntityListing:      "listings",
	EntityVariant:      "variants",
	EntityBuyerProfile: "buyer_profiles",
}

func writeErr(step string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("offer: %s: %w (%s)", step, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("offer: %s: %w", step, err)
}

func readErr(step string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("offer: %s: %w", step, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullPositive(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func (t *pgTx) ResolvePublicID(ctx context.Context, kind EntityKind, publicID string) (string, error) {
	table, ok := publicIDTables[kind]
	if !ok {
		return "", fmt.Errorf("offer: unknown entity kind %q", kind)
	}
	var id string
	err := t.tx.QueryRow(ctx, `SELECT id FROM `+table+` WHERE public_id = $1`, publicID).Scan(&id)
	if err != nil {
		return "", readErr("resolve public id", err)
	}
	return id, nil
}

func (t *pgTx) GetListing(ctx context.Context, id string) (Listing, error) {
	const q = `
SELECT id, public_id, seller_id, title, status, visibility, min_order_value, currency
FROM listings WHERE id = $1`
	var l Listing
	err := t.tx.QueryRow(ctx, q, id).Scan(&l.ID, &l.PublicID, &l.SellerID, &l.Title, &l.Status, &l.Visibility,
		&l.MinOrderValue, &l.Currency)
	if err != nil {
		return Listing{}, readErr("get listing", err)
	}
	return l, nil
}

func (t *pgTx) GetVariant(ctx context.Context, id string) (Variant, error) {
	const q = `
SELECT id, public_id, listing_id, sku, is_active, available_quantity, min_order_quantity,
       max_order_quantity, retail_price, currency
FROM variants WHERE id = $1`
	var v Variant
	err := t.tx.QueryRow(ctx, q, id).Scan(&v.ID, &v.PublicID, &v.ListingID, &v.SKU, &v.Active, &v.AvailableQuantity,
		&v.MinOrderQuantity, &v.MaxOrderQuantity, &v.RetailPrice, &v.Currency)
	if err != nil {
		return Variant{}, readErr("get variant", err)
	}
	return v, nil
}

func (t *pgTx) HasListingAccess(ctx context.Context, listingID, buyerID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM listing_access_grants WHERE listing_id = $1 AND buyer_id = $2)`,
		listingID, buyerID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("offer: listing access: %w", err)
	}
	return ok, nil
}

func (t *pgTx) GetBuyerProfile(ctx context.Context, id string) (BuyerProfile, error) {
	var p BuyerProfile
	err := t.tx.QueryRow(ctx,
		`SELECT id, public_id, user_id, company_name, verification_status FROM buyer_profiles WHERE id = $1`, id).
		Scan(&p.ID, &p.PublicID, &p.UserID, &p.CompanyName, &p.VerificationStatus)
	if err != nil {
		return BuyerProfile{}, readErr("get buyer profile", err)
	}
	return p, nil
}

func (t *pgTx) GetAccountStanding(ctx context.Context, userID string) (AccountStanding, error) {
	var a AccountStanding
	err := t.tx.QueryRow(ctx, `SELECT id, locked, risk_score FROM users WHERE id = $1`, userID).
		Scan(&a.UserID, &a.Locked, &a.RiskScore)
	if err != nil {
		return AccountStanding{}, readErr("get account standing", err)
	}
	return a, nil
}

func (t *pgTx) GetParticipants(ctx context.Context, userIDs []string) (map[string]Participant, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, full_name, company_name FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("offer: query participants: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Participant, len(userIDs))
	for rows.Next() {
		var (
			p       Participant
			company sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.DisplayName, &company); err != nil {
			return nil, fmt.Errorf("offer: scan participant: %w", err)
		}
		p.CompanyName = company.String
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate participants: %w", err)
	}
	return out, nil
}

const offerColumns = `id, public_id, listing_id, buyer_id, buyer_profile_id, seller_id, status, total_value,
       currency, current_round, message, expires_at, rejection_reason, rejection_category, rejected_by,
       rejected_at, reopen_deadline, can_reopen, last_action_by, last_action_at, accepted_at, order_id,
       created_at, updated_at`

func scanOffer(row pgx.Row) (Offer, error) {
	var (
		o                                             Offer
		message, reason, category, rejectedBy, lastBy sql.NullString
		orderID                                       sql.NullString
	)
	err := row.Scan(&o.ID, &o.PublicID, &o.ListingID, &o.BuyerID, &o.BuyerProfileID, &o.SellerID, &o.Status,
		&o.TotalValue, &o.Currency, &o.CurrentRound, &message, &o.ExpiresAt, &reason, &category, &rejectedBy,
		&o.RejectedAt, &o.ReopenDeadline, &o.CanReopen, &lastBy, &o.LastActionAt, &o.AcceptedAt, &orderID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Offer{}, err
	}
	if !o.Status.Valid() {
		return Offer{}, fmt.Errorf("offer: %s has unknown status %q", o.ID, o.Status)
	}
	o.Message = message.String
	o.RejectionReason = reason.String
	o.RejectionCategory = RejectionCategory(category.String)
	o.RejectedBy = rejectedBy.String
	o.LastActionBy = lastBy.String
	o.OrderID = orderID.String
	return o, nil
}

func (t *pgTx) FindOpenOffer(ctx context.Context, buyerID, listingID string) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
SELECT id FROM catalog_offers
WHERE buyer_id = $1 AND listing_id = $2 AND status IN ('ACTIVE', 'NEGOTIATING')
LIMIT 1`, buyerID, listingID).Scan(&id)
	if err != nil {
		return "", readErr("find open offer", err)
	}
	return id, nil
}

func (t *pgTx) InsertOffer(ctx context.Context, o Offer) error {
	const q = `
INSERT INTO catalog_offers (` + offerColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`
	_, err := t.tx.Exec(ctx, q,
		o.ID, o.PublicID, o.ListingID, o.BuyerID, o.BuyerProfileID, o.SellerID, o.Status, o.TotalValue,
		o.Currency, o.CurrentRound, nullString(o.Message), o.ExpiresAt, nullString(o.RejectionReason),
		nullString(string(o.RejectionCategory)), nullString(o.RejectedBy), o.RejectedAt, o.ReopenDeadline,
		o.CanReopen, nullString(o.LastActionBy), o.LastActionAt, o.AcceptedAt, nullString(o.OrderID),
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return writeErr("insert offer", err)
	}
	return nil
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (Offer, error) {
	o, err := scanOffer(t.tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM catalog_offers WHERE id = $1`, id))
	if err != nil {
		return Offer{}, readErr("get offer", err)
	}
	return o, nil
}

func (t *pgTx) UpdateOffer(ctx context.Context, o Offer, expectedRound int) error {
	const q = `
UPDATE catalog_offers
SET status = $2, total_value = $3, currency = $4, current_round = $5, message = $6, expires_at = $7,
    rejection_reason = $8, rejection_category = $9, rejected_by = $10, rejected_at = $11,
    reopen_deadline = $12, can_reopen = $13, last_action_by = $14, last_action_at = $15,
    accepted_at = $16, order_id = $17, updated_at = $18
WHERE id = $1 AND current_round = $19`
	tag, err := t.tx.Exec(ctx, q,
		o.ID, o.Status, o.TotalValue, o.Currency, o.CurrentRound, nullString(o.Message), o.ExpiresAt,
		nullString(o.RejectionReason), nullString(string(o.RejectionCategory)), nullString(o.RejectedBy),
		o.RejectedAt, o.ReopenDeadline, o.CanReopen, nullString(o.LastActionBy), o.LastActionAt,
		o.AcceptedAt, nullString(o.OrderID), o.UpdatedAt, expectedRound)
	if err != nil {
		return writeErr("update offer", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) ListExpiredOffers(ctx context.Context, now time.Time) ([]Offer, error) {
	rows, err := t.tx.Query(ctx, `
SELECT `+offerColumns+` FROM catalog_offers
WHERE status IN ('ACTIVE', 'NEGOTIATING') AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("offer: query expired offers: %w", err)
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan offer: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate expired offers: %w", err)
	}
	return out, nil
}

const itemColumns = `id, public_id, offer_id, variant_id, quantity, buyer_price, seller_price, currency,
       negotiation_status, item_status, item_version, added_in_round, removed_in_round,
       final_agreed_price, final_agreed_quantity, final_currency, agreed_at,
       current_buyer_negotiation_id, current_seller_negotiation_id, notes, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var (
		it                                 Item
		finalCurrency, buyerNeg, sellerNeg sql.NullString
		notes                              sql.NullString
	)
	err := row.Scan(&it.ID, &it.PublicID, &it.OfferID, &it.VariantID, &it.Quantity, &it.BuyerPrice,
		&it.SellerPrice, &it.Currency, &it.NegotiationStatus, &it.Status, &it.Version, &it.AddedInRound,
		&it.RemovedInRound, &it.FinalPrice, &it.FinalQuantity, &finalCurrency, &it.AgreedAt,
		&buyerNeg, &sellerNeg, &notes, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	it.FinalCurrency = finalCurrency.String
	it.CurrentBuyerNegotiationID = buyerNeg.String
	it.CurrentSellerNegotiationID = sellerNeg.String
	it.Notes = notes.String
	return it, nil
}

func (t *pgTx) InsertItem(ctx context.Context, it Item) error {
	const q = `
INSERT INTO catalog_offer_items (` + itemColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`
	_, err := t.tx.Exec(ctx, q,
		it.ID, it.PublicID, it.OfferID, it.VariantID, it.Quantity, it.BuyerPrice, it.SellerPrice, it.Currency,
		it.NegotiationStatus, it.Status, it.Version, it.AddedInRound, it.RemovedInRound,
		it.FinalPrice, it.FinalQuantity, nullString(it.FinalCurrency), it.AgreedAt,
		nullString(it.CurrentBuyerNegotiationID), nullString(it.CurrentSellerNegotiationID), nullString(it.Notes),
		it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return writeErr("insert item", err)
	}
	return nil
}

func (t *pgTx) ListItems(ctx context.Context, offerID string) ([]Item, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+itemColumns+` FROM catalog_offer_items
WHERE offer_id = $1 ORDER BY added_in_round, created_at, id`, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate items: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpdateItem(ctx context.Context, it Item, expectedVersion int) error {
	const q = `
UPDATE catalog_offer_items
SET quantity = $2, buyer_price = $3, seller_price = $4, currency = $5, negotiation_status = $6,
    item_status = $7, item_version = $8, removed_in_round = $9, final_agreed_price = $10,
    final_agreed_quantity = $11, final_currency = $12, agreed_at = $13,
    current_buyer_negotiation_id = $14, current_seller_negotiation_id = $15, notes = $16, updated_at = $17
WHERE id = $1 AND item_version = $18`
	tag, err := t.tx.Exec(ctx, q,
		it.ID, it.Quantity, it.BuyerPrice, it.SellerPrice, it.Currency, it.NegotiationStatus,
		it.Status, it.Version, it.RemovedInRound, it.FinalPrice,
		it.FinalQuantity, nullString(it.FinalCurrency), it.AgreedAt,
		nullString(it.CurrentBuyerNegotiationID), nullString(it.CurrentSellerNegotiationID), nullString(it.Notes),
		it.UpdatedAt, expectedVersion)
	if err != nil {
		return writeErr("update item", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

const negotiationColumns = `id, offer_id, item_id, round, action_type, offeror_id, offeror_role, price, quantity,
       currency, offer_status, is_current_offer, parent_id, auto_accepted, valid_until, message,
       created_at, updated_at`

func scanNegotiation(row pgx.Row) (Negotiation, error) {
	var (
		n               Negotiation
		parent, message sql.NullString
	)
	err := row.Scan(&n.ID, &n.OfferID, &n.ItemID, &n.Round, &n.Action, &n.OfferorID, &n.Role, &n.Price,
		&n.Quantity, &n.Currency, &n.State, &n.IsCurrent, &parent, &n.AutoAccepted, &n.ValidUntil, &message,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Negotiation{}, err
	}
	n.ParentID = parent.String
	n.Message = message.String
	return n, nil
}

func (t *pgTx) InsertNegotiation(ctx context.Context, n Negotiation) error {
	const q = `
INSERT INTO catalog_offer_negotiations (` + negotiationColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := t.tx.Exec(ctx, q,
		n.ID, n.OfferID, n.ItemID, n.Round, n.Action, n.OfferorID, n.Role, n.Price, n.Quantity,
		n.Currency, n.State, n.IsCurrent, nullString(n.ParentID), n.AutoAccepted, n.ValidUntil,
		nullString(n.Message), n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return writeErr("insert negotiation", err)
	}
	return nil
}

func (t *pgTx) ListNegotiations(ctx context.Context, offerID string) ([]Negotiation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+negotiationColumns+` FROM catalog_offer_negotiations
WHERE offer_id = $1 ORDER BY round, seq`, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: query negotiations: %w", err)
	}
	defer rows.Close()

	var out []Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan negotiation: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate negotiations: %w", err)
	}
	return out, nil
}

func (t *pgTx) RetireNegotiation(ctx context.Context, id string, state NegotiationState, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("offer: retire negotiation %s: %s is not a terminal state", id, state)
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE catalog_offer_negotiations
SET offer_status = $2, is_current_offer = false, updated_at = $3
WHERE id = $1 AND is_current_offer`, id, state, at)
	if err != nil {
		return writeErr("retire negotiation", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) SupersedeItemNegotiations(ctx context.Context, itemID, keepID string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE catalog_offer_negotiations
SET offer_status = 'SUPERSEDED', is_current_offer = false, updated_at = $3
WHERE item_id = $1 AND is_current_offer AND id <> $2`, itemID, keepID, at)
	if err != nil {
		return 0, writeErr("supersede negotiations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) RetireOfferNegotiations(ctx context.Context, offerID string, state NegotiationState, at time.Time) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("offer: retire negotiations of %s: %s is not a terminal state", offerID, state)
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE catalog_offer_negotiations
SET offer_status = $2, is_current_offer = false, updated_at = $3
WHERE offer_id = $1 AND is_current_offer AND offer_status = 'PENDING'`, offerID, state, at)
	if err != nil {
		return 0, writeErr("retire offer negotiations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ExpireNegotiations(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE catalog_offer_negotiations
SET offer_status = 'EXPIRED', is_current_offer = false, updated_at = $1
WHERE offer_status = 'PENDING' AND valid_until IS NOT NULL AND valid_until < $1`, now)
	if err != nil {
		return 0, writeErr("expire negotiations", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertItemChange(ctx context.Context, c ItemChange) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO catalog_offer_item_changes
    (id, offer_id, item_id, change_type, actor_id, round, old_quantity, new_quantity, old_price, new_price, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.OfferID, c.ItemID, c.Type, c.ActorID, c.Round, c.OldQuantity, c.NewQuantity,
		c.OldPrice, c.NewPrice, nullString(c.Reason), c.CreatedAt)
	if err != nil {
		return writeErr("insert item change", err)
	}
	return nil
}

func (t *pgTx) ListItemChanges(ctx context.Context, offerID string) ([]ItemChange, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, offer_id, item_id, change_type, actor_id, round, old_quantity, new_quantity, old_price, new_price,
       reason, created_at
FROM catalog_offer_item_changes WHERE offer_id = $1 ORDER BY seq`, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: query item changes: %w", err)
	}
	defer rows.Close()

	var out []ItemChange
	for rows.Next() {
		var (
			c      ItemChange
			reason sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.OfferID, &c.ItemID, &c.Type, &c.ActorID, &c.Round, &c.OldQuantity,
			&c.NewQuantity, &c.OldPrice, &c.NewPrice, &reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("offer: scan item change: %w", err)
		}
		c.Reason = reason.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate item changes: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("offer: marshal audit metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO catalog_offer_audit_logs (id, offer_id, actor_id, action, old_status, new_status, summary, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)`,
		e.ID, e.OfferID, nullString(e.ActorID), e.Action, nullString(string(e.OldStatus)), e.NewStatus,
		e.Summary, meta, e.CreatedAt)
	if err != nil {
		return writeErr("insert audit", err)
	}
	return nil
}

func (t *pgTx) ListAudit(ctx context.Context, offerID string) ([]AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, offer_id, actor_id, action, old_status, new_status, summary, metadata, created_at
FROM catalog_offer_audit_logs WHERE offer_id = $1 ORDER BY seq`, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                AuditEntry
			actor, oldStatus sql.NullString
			meta             []byte
		)
		if err := rows.Scan(&e.ID, &e.OfferID, &actor, &e.Action, &oldStatus, &e.NewStatus, &e.Summary,
			&meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("offer: scan audit: %w", err)
		}
		e.ActorID = actor.String
		e.OldStatus = OfferStatus(oldStatus.String)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("offer: decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate audit: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertAlternative(ctx context.Context, a Alternative) error {
	var price decimal.NullDecimal
	if !a.Price.IsZero() {
		price = decimal.NewNullDecimal(a.Price)
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO catalog_offer_alternatives (id, offer_id, suggested_by, variant_id, quantity, price, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.OfferID, a.SuggestedBy, nullString(a.VariantID), nullPositive(a.Quantity), price,
		nullString(a.Note), a.CreatedAt)
	if err != nil {
		return writeErr("insert alternative", err)
	}
	return nil
}

func (t *pgTx) InsertMinimumTerms(ctx context.Context, m MinimumTerms) error {
	var price decimal.NullDecimal
	if !m.Price.IsZero() {
		price = decimal.NewNullDecimal(m.Price)
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO catalog_offer_minimum_terms (id, offer_id, stated_by, price, quantity, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.OfferID, m.StatedBy, price, nullPositive(m.Quantity), nullString(m.Note), m.CreatedAt)
	if err != nil {
		return writeErr("insert minimum terms", err)
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, topic string, payload []byte) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, payload); err != nil {
		return writeErr("insert outbox message", err)
	}
	return nil
}

func (t *pgTx) ReserveInventory(ctx context.Context, variantID string, quantity int) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE variants SET available_quantity = available_quantity - $2
WHERE id = $1 AND available_quantity >= $2`, variantID, quantity)
	if err != nil {
		return writeErr("reserve inventory", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var available int
	err = t.tx.QueryRow(ctx, `SELECT available_quantity FROM variants WHERE id = $1`, variantID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.ErrVariantNotFound
	}
	if err != nil {
		return fmt.Errorf("offer: read inventory: %w", err)
	}
	return &order.ShortageError{VariantID: variantID, Requested: quantity, Available: available}
}

func (t *pgTx) InsertOrder(ctx context.Context, o order.Order) error {
	shipping, err := marshalAddress(o.Shipping)
	if err != nil {
		return err
	}
	billing, err := marshalAddress(o.Billing)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO orders (id, order_number, offer_id, buyer_id, seller_id, listing_id, status, total_value, currency,
                    shipping_address, billing_address, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11::jsonb,$12)`,
		o.ID, o.Number, o.OfferID, o.BuyerID, o.SellerID, o.ListingID, o.Status, o.Total, o.Currency,
		shipping, billing, o.CreatedAt)
	if err != nil {
		return writeErr("insert order", err)
	}
	return nil
}

func (t *pgTx) InsertOrderLine(ctx context.Context, l order.Line) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO order_lines (id, order_id, item_id, variant_id, quantity, unit_price, subtotal, currency)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.ID, l.OrderID, l.ItemID, l.VariantID, l.Quantity, l.UnitPrice, l.Subtotal, l.Currency)
	if err != nil {
		return writeErr("insert order line", err)
	}
	return nil
}

func marshalAddress(a *order.Address) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("offer: marshal address: %w", err)
	}
	return b, nil
}
