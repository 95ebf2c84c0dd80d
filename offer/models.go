package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferStatus is the lifecycle state of a catalog offer.
type OfferStatus string

const (
	StatusActive      OfferStatus = "ACTIVE"
	StatusNegotiating OfferStatus = "NEGOTIATING"
	StatusAccepted    OfferStatus = "ACCEPTED"
	StatusRejected    OfferStatus = "REJECTED"
	StatusExpired     OfferStatus = "EXPIRED"
)

// Open reports whether the offer still accepts negotiation actions.
func (s OfferStatus) Open() bool {
	switch s {
	case StatusActive, StatusNegotiating:
		return true
	case StatusAccepted, StatusRejected, StatusExpired:
		return false
	default:
		return false
	}
}

func (s OfferStatus) Valid() bool {
	switch s {
	case StatusActive, StatusNegotiating, StatusAccepted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// NegotiationStatus is the per-item negotiation state.
type NegotiationStatus string

const (
	BuyerOffered    NegotiationStatus = "BUYER_OFFERED"
	BuyerCountered  NegotiationStatus = "BUYER_COUNTERED"
	SellerCountered NegotiationStatus = "SELLER_COUNTERED"
	Agreed          NegotiationStatus = "AGREED"
	ItemRejected    NegotiationStatus = "REJECTED"
)

// ItemStatus marks soft-deleted line items.
type ItemStatus string

const (
	ItemActive  ItemStatus = "ACTIVE"
	ItemRemoved ItemStatus = "REMOVED"
)

// Role is the side of the negotiation an actor speaks for.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Opposite returns the other side.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// ActionKind groups action types by what they do.
type ActionKind int

const (
	KindOffer ActionKind = iota + 1
	KindCounter
	KindAccept
	KindReject
)

// ActionType is the top-level action recorded on every negotiation row.
type ActionType string

const (
	BuyerOffer    ActionType = "BUYER_OFFER"
	BuyerCounter  ActionType = "BUYER_COUNTER"
	BuyerAccept   ActionType = "BUYER_ACCEPT"
	BuyerReject   ActionType = "BUYER_REJECT"
	SellerOffer   ActionType = "SELLER_OFFER"
	SellerCounter ActionType = "SELLER_COUNTER"
	SellerAccept  ActionType = "SELLER_ACCEPT"
	SellerReject  ActionType = "SELLER_REJECT"
)

// Role returns the side performing the action.
func (a ActionType) Role() Role {
	switch a {
	case BuyerOffer, BuyerCounter, BuyerAccept, BuyerReject:
		return RoleBuyer
	case SellerOffer, SellerCounter, SellerAccept, SellerReject:
		return RoleSeller
	default:
		return ""
	}
}

// Kind classifies the action.
func (a ActionType) Kind() ActionKind {
	switch a {
	case BuyerOffer, SellerOffer:
		return KindOffer
	case BuyerCounter, SellerCounter:
		return KindCounter
	case BuyerAccept, SellerAccept:
		return KindAccept
	case BuyerReject, SellerReject:
		return KindReject
	default:
		return 0
	}
}

// Proposes reports whether the action puts terms on the table.
func (a ActionType) Proposes() bool {
	k := a.Kind()
	return k == KindOffer || k == KindCounter
}

func counterFor(r Role) ActionType {
	if r == RoleBuyer {
		return BuyerCounter
	}
	return SellerCounter
}

func counteredStatus(r Role) NegotiationStatus {
	if r == RoleBuyer {
		return BuyerCountered
	}
	return SellerCountered
}

// NegotiationState is the status of a single negotiation row.
type NegotiationState string

const (
	StatePending    NegotiationState = "PENDING"
	StateAccepted   NegotiationState = "ACCEPTED"
	StateRejected   NegotiationState = "REJECTED"
	StateSuperseded NegotiationState = "SUPERSEDED"
	StateExpired    NegotiationState = "EXPIRED"
)

// Terminal reports whether a row in this state can never be current again.
func (s NegotiationState) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateSuperseded, StateExpired:
		return true
	case StatePending:
		return false
	default:
		return true
	}
}

// ChangeType classifies structural item changes.
type ChangeType string

const (
	ChangeItemAdded       ChangeType = "ITEM_ADDED"
	ChangeItemRemoved     ChangeType = "ITEM_REMOVED"
	ChangeQuantityChanged ChangeType = "QUANTITY_CHANGED"
	ChangePriceChanged    ChangeType = "PRICE_CHANGED"
	ChangeItemUpdated     ChangeType = "ITEM_UPDATED"
)

// RejectionCategory tags why an offer was rejected.
type RejectionCategory string

const (
	RejectPrice    RejectionCategory = "PRICE"
	RejectQuantity RejectionCategory = "QUANTITY"
	RejectDelivery RejectionCategory = "DELIVERY"
	RejectTerms    RejectionCategory = "TERMS"
	RejectOther    RejectionCategory = "OTHER"
)

func (c RejectionCategory) normalize() RejectionCategory {
	switch c {
	case RejectPrice, RejectQuantity, RejectDelivery, RejectTerms, RejectOther:
		return c
	default:
		return RejectOther
	}
}

// ListingStatus and Visibility mirror the catalog tables.
type (
	ListingStatus string
	Visibility    string
)

const (
	ListingActive ListingStatus = "ACTIVE"

	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// VerificationVerified is the only buyer-profile status allowed to make offers.
const VerificationVerified = "VERIFIED"

// Offer mirrors catalog_offers.
type Offer struct {
	ID                string
	PublicID          string
	ListingID         string
	BuyerID           string
	BuyerProfileID    string
	SellerID          string
	Status            OfferStatus
	TotalValue        decimal.Decimal
	Currency          string
	CurrentRound      int
	Message           string
	ExpiresAt         *time.Time
	RejectionReason   string
	RejectionCategory RejectionCategory
	RejectedBy        string
	RejectedAt        *time.Time
	ReopenDeadline    *time.Time
	CanReopen         bool
	LastActionBy      string
	LastActionAt      *time.Time
	AcceptedAt        *time.Time
	OrderID           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RoleOf returns the side userID plays on the offer, or "" for strangers.
func (o Offer) RoleOf(userID string) Role {
	switch userID {
	case o.BuyerID:
		return RoleBuyer
	case o.SellerID:
		return RoleSeller
	default:
		return ""
	}
}

// Expired reports whether the offer's own deadline has passed at now.
func (o Offer) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Item mirrors catalog_offer_items.
type Item struct {
	ID                         string
	PublicID                   string
	OfferID                    string
	VariantID                  string
	Quantity                   int
	BuyerPrice                 decimal.Decimal
	SellerPrice                decimal.NullDecimal
	Currency                   string
	NegotiationStatus          NegotiationStatus
	Status                     ItemStatus
	Version                    int
	AddedInRound               int
	RemovedInRound             *int
	FinalPrice                 decimal.NullDecimal
	FinalQuantity              *int
	FinalCurrency              string
	AgreedAt                   *time.Time
	CurrentBuyerNegotiationID  string
	CurrentSellerNegotiationID string
	Notes                      string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Active reports whether the item still counts toward the offer.
func (it Item) Active() bool { return it.Status == ItemActive }

// Negotiation mirrors catalog_offer_negotiations.
type Negotiation struct {
	ID           string
	OfferID      string
	ItemID       string
	Round        int
	Action       ActionType
	OfferorID    string
	Role         Role
	Price        decimal.Decimal
	Quantity     int
	Currency     string
	State        NegotiationState
	IsCurrent    bool
	ParentID     string
	AutoAccepted bool
	ValidUntil   *time.Time
	Message      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ItemChange mirrors catalog_offer_item_changes.
type ItemChange struct {
	ID          string
	OfferID     string
	ItemID      string
	Type        ChangeType
	ActorID     string
	Round       int
	OldQuantity *int
	NewQuantity *int
	OldPrice    decimal.NullDecimal
	NewPrice    decimal.NullDecimal
	Reason      string
	CreatedAt   time.Time
}

// AuditEntry mirrors catalog_offer_audit_logs.
type AuditEntry struct {
	ID        string
	OfferID   string
	ActorID   string
	Action    string
	OldStatus OfferStatus
	NewStatus OfferStatus
	Summary   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Alternative is a counter-suggestion attached to a rejection.
type Alternative struct {
	ID          string          `json:"id,omitempty"`
	OfferID     string          `json:"-"`
	SuggestedBy string          `json:"-"`
	VariantID   string          `json:"variant_id,omitempty"`
	Quantity    int             `json:"quantity,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"-"`
}

// MinimumTerms records the least the rejecting party would accept.
type MinimumTerms struct {
	ID        string          `json:"id,omitempty"`
	OfferID   string          `json:"-"`
	StatedBy  string          `json:"-"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"-"`
}

// Listing is the catalog listing an offer targets.
type Listing struct {
	ID            string
	PublicID      string
	SellerID      string
	Title         string
	Status        ListingStatus
	Visibility    Visibility
	MinOrderValue decimal.Decimal
	Currency      string
}

// Variant is a purchasable variant of a listing.
type Variant struct {
	ID                string
	PublicID          string
	ListingID         string
	SKU               string
	Active            bool
	AvailableQuantity int
	MinOrderQuantity  int
	MaxOrderQuantity  *int
	RetailPrice       decimal.Decimal
	Currency          string
}

// BuyerProfile is the buyer company identity used to place offers.
type BuyerProfile struct {
	ID                 string
	PublicID           string
	UserID             string
	CompanyName        string
	VerificationStatus string
}

// AccountStanding carries the account flags checked before creating an offer.
type AccountStanding struct {
	UserID    string
	Locked    bool
	RiskScore int
}

// Participant is the display identity of one side of an offer.
type Participant struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	CompanyName string `json:"company_name,omitempty"`
}
