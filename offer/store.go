package offer

import (
	"context"
	"time"

	"offerflow/order"
)

// Store runs a unit of work atomically. fn's error rolls everything back.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the storage gateway visible inside one transaction. Conditional
// writes return ErrConflict when their precondition no longer holds; reads
// return ErrNotFound for missing rows.
type Tx interface {
	CatalogReader
	OfferWriter
	order.Writer
}

// CatalogReader covers the identity, profile and catalog sources.
type CatalogReader interface {
	ResolvePublicID(ctx context.Context, kind EntityKind, publicID string) (string, error)
	GetListing(ctx context.Context, id string) (Listing, error)
	GetVariant(ctx context.Context, id string) (Variant, error)
	HasListingAccess(ctx context.Context, listingID, buyerID string) (bool, error)
	GetBuyerProfile(ctx context.Context, id string) (BuyerProfile, error)
	GetAccountStanding(ctx context.Context, userID string) (AccountStanding, error)
	GetParticipants(ctx context.Context, userIDs []string) (map[string]Participant, error)
}

// OfferWriter covers the offer aggregate tables.
type OfferWriter interface {
	FindOpenOffer(ctx context.Context, buyerID, listingID string) (string, error)
	InsertOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, id string) (Offer, error)
	// UpdateOffer persists o only if the stored round still equals expectedRound.
	UpdateOffer(ctx context.Context, o Offer, expectedRound int) error
	ListExpiredOffers(ctx context.Context, now time.Time) ([]Offer, error)

	InsertItem(ctx context.Context, it Item) error
	ListItems(ctx context.Context, offerID string) ([]Item, error)
	// UpdateItem persists it only if the stored version still equals expectedVersion.
	UpdateItem(ctx context.Context, it Item, expectedVersion int) error

	InsertNegotiation(ctx context.Context, n Negotiation) error
	ListNegotiations(ctx context.Context, offerID string) ([]Negotiation, error)
	// RetireNegotiation flips a current row to a terminal state. It fails with
	// ErrConflict if the row is no longer current.
	RetireNegotiation(ctx context.Context, id string, state NegotiationState, at time.Time) error
	// SupersedeItemNegotiations retires every current row on the item except keepID.
	SupersedeItemNegotiations(ctx context.Context, itemID, keepID string, at time.Time) (int, error)
	// RetireOfferNegotiations moves every current PENDING row on the offer to state.
	RetireOfferNegotiations(ctx context.Context, offerID string, state NegotiationState, at time.Time) (int, error)
	// ExpireNegotiations retires PENDING rows whose validity window closed before now.
	ExpireNegotiations(ctx context.Context, now time.Time) (int, error)

	InsertItemChange(ctx context.Context, c ItemChange) error
	ListItemChanges(ctx context.Context, offerID string) ([]ItemChange, error)
	InsertAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, offerID string) ([]AuditEntry, error)
	InsertAlternative(ctx context.Context, a Alternative) error
	InsertMinimumTerms(ctx context.Context, m MinimumTerms) error

	EnqueueOutbox(ctx context.Context, topic string, payload []byte) error
}

// OrderSpawner creates the order for an accepted offer inside the caller's transaction.
type OrderSpawner interface {
	Spawn(ctx context.Context, w order.Writer, req order.Request) (order.Placed, error)
}

// VisibilityPolicy decides whether a buyer may see a listing.
type VisibilityPolicy interface {
	CanView(ctx context.Context, tx CatalogReader, listing Listing, buyerID string) (bool, error)
}

// GrantVisibility opens public listings to everyone and private listings to
// buyers holding an access grant.
type GrantVisibility struct{}

func (GrantVisibility) CanView(ctx context.Context, tx CatalogReader, listing Listing, buyerID string) (bool, error) {
	switch listing.Visibility {
	case VisibilityPublic:
		return true, nil
	case VisibilityPrivate:
		return tx.HasListingAccess(ctx, listing.ID, buyerID)
	default:
		return false, nil
	}
}
