package offer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by the storage gateway when a row does not exist.
	ErrNotFound = errors.New("offer: not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("offer: concurrent modification")
)

// Code is the stable machine-readable failure code returned to callers.
type Code string

const (
	CodeInvalidIdentifier      Code = "INVALID_IDENTIFIER"
	CodeListingNotFound        Code = "LISTING_NOT_FOUND"
	CodeListingNotActive       Code = "LISTING_NOT_ACTIVE"
	CodeSelfOffer              Code = "SELF_OFFER_NOT_ALLOWED"
	CodeBuyerProfileNotFound   Code = "BUYER_PROFILE_NOT_FOUND"
	CodeBuyerNotVerified       Code = "BUYER_NOT_VERIFIED"
	CodeNoItems                Code = "NO_ITEMS"
	CodeTooManyItems           Code = "TOO_MANY_ITEMS"
	CodeDuplicateVariant       Code = "DUPLICATE_VARIANT"
	CodeCurrencyMismatch       Code = "CURRENCY_MISMATCH"
	CodeVariantNotFound        Code = "VARIANT_NOT_FOUND"
	CodeVariantInactive        Code = "VARIANT_INACTIVE"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInvalidPrice           Code = "INVALID_PRICE"
	CodeInsufficientInventory  Code = "INSUFFICIENT_INVENTORY"
	CodeBelowMinimumOrderValue Code = "BELOW_MINIMUM_ORDER_VALUE"
	CodeListingAccessDenied    Code = "LISTING_ACCESS_DENIED"
	CodeDuplicateOffer         Code = "DUPLICATE_OFFER"
	CodeInvalidExpiry          Code = "INVALID_EXPIRY"
	CodeAccountLocked          Code = "ACCOUNT_LOCKED"
	CodeRiskThresholdExceeded  Code = "RISK_THRESHOLD_EXCEEDED"
	CodeOfferNotFound          Code = "OFFER_NOT_FOUND"
	CodeInvalidOfferStatus     Code = "INVALID_OFFER_STATUS"
	CodeOfferExpired           Code = "OFFER_EXPIRED"
	CodeUnauthorizedAccess     Code = "UNAUTHORIZED_ACCESS"
	CodeInvalidSequence        Code = "INVALID_NEGOTIATION_SEQUENCE"
	CodeInvalidOfferItem       Code = "INVALID_OFFER_ITEM"
	CodeRejectionReason        Code = "REJECTION_REASON_REQUIRED"
	CodeNoItemNegotiations     Code = "NO_ITEM_NEGOTIATIONS"
	CodeNoModifications        Code = "NO_MODIFICATIONS"
	CodeInvalidAction          Code = "INVALID_ACTION"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Class is the error taxonomy a code belongs to.
type Class int

const (
	ClassValidation Class = iota + 1
	ClassAuthorization
	ClassStateConflict
	ClassResource
	ClassConcurrency
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassStateConflict:
		return "state_conflict"
	case ClassResource:
		return "resource"
	case ClassConcurrency:
		return "concurrency"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Class maps every code onto its taxonomy class.
func (c Code) Class() Class {
	switch c {
	case CodeInvalidIdentifier, CodeSelfOffer, CodeBuyerNotVerified, CodeNoItems, CodeTooManyItems,
		CodeDuplicateVariant, CodeCurrencyMismatch, CodeVariantInactive, CodeInvalidQuantity, CodeInvalidPrice,
		CodeInsufficientInventory, CodeBelowMinimumOrderValue, CodeInvalidExpiry, CodeAccountLocked,
		CodeRiskThresholdExceeded, CodeInvalidOfferItem, CodeRejectionReason, CodeNoItemNegotiations,
		CodeNoModifications, CodeInvalidAction:
		return ClassValidation
	case CodeUnauthorizedAccess, CodeListingAccessDenied:
		return ClassAuthorization
	case CodeListingNotActive, CodeDuplicateOffer, CodeInvalidOfferStatus, CodeOfferExpired, CodeInvalidSequence:
		return ClassStateConflict
	case CodeListingNotFound, CodeBuyerProfileNotFound, CodeVariantNotFound, CodeOfferNotFound:
		return ClassResource
	case CodeConcurrentModification:
		return ClassConcurrency
	case CodeInternal:
		return ClassInternal
	default:
		return ClassInternal
	}
}

// Error is the structured failure carried by Result.
type Error struct {
	Code        Code     `json:"code"`
	Message     string   `json:"message"`
	Details     Details  `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code Code, msg string, details Details, suggestions ...string) *Error {
	return &Error{Code: code, Message: msg, Details: details, Suggestions: suggestions}
}

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Details is a closed union of machine-actionable error payloads.
type Details interface {
	Kind() string
	sealed()
}

// FieldDetails points at an offending request field.
type FieldDetails struct {
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
}

// RangeDetails reports a value outside an allowed range.
type RangeDetails struct {
	Field string           `json:"field"`
	Value decimal.Decimal  `json:"value"`
	Min   *decimal.Decimal `json:"min,omitempty"`
	Max   *decimal.Decimal `json:"max,omitempty"`
}

// InventoryDetails reports a stock shortage.
type InventoryDetails struct {
	VariantID string `json:"variant_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Shortage  int    `json:"shortage"`
}

// PriceDetails reports a price outside plausibility bounds.
type PriceDetails struct {
	VariantID   string          `json:"variant_id,omitempty"`
	Price       decimal.Decimal `json:"price"`
	RetailPrice decimal.Decimal `json:"retail_price,omitempty"`
	Floor       decimal.Decimal `json:"floor,omitempty"`
	Ceiling     decimal.Decimal `json:"ceiling,omitempty"`
}

// SequenceDetails explains a turn-taking violation.
type SequenceDetails struct {
	Attempted    ActionType   `json:"attempted"`
	LastAction   ActionType   `json:"last_action,omitempty"`
	LastActionBy string       `json:"last_action_by,omitempty"`
	Expected     []ActionType `json:"expected,omitempty"`
}

// StatusDetails reports a status that forbids the transition.
type StatusDetails struct {
	Current OfferStatus   `json:"current"`
	Allowed []OfferStatus `json:"allowed"`
}

// ItemDetails points at an offending offer item.
type ItemDetails struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// DuplicateDetails names the offer that already occupies the buyer/listing slot.
type DuplicateDetails struct {
	ExistingOfferID string `json:"existing_offer_id"`
}

// TotalDetails reports an order-value shortfall.
type TotalDetails struct {
	Total    decimal.Decimal `json:"total"`
	Minimum  decimal.Decimal `json:"minimum"`
	Currency string          `json:"currency"`
}

// ExpiryDetails reports a bad or passed deadline.
type ExpiryDetails struct {
	ExpiresAt string `json:"expires_at"`
	MaxDays   int    `json:"max_days,omitempty"`
}

// RiskDetails reports an account risk score above the threshold.
type RiskDetails struct {
	RiskScore int `json:"risk_score"`
	Threshold int `json:"threshold"`
}

func (FieldDetails) Kind() string     { return "field" }
func (RangeDetails) Kind() string     { return "range" }
func (InventoryDetails) Kind() string { return "inventory" }
func (PriceDetails) Kind() string     { return "price" }
func (SequenceDetails) Kind() string  { return "sequence" }
func (StatusDetails) Kind() string    { return "status" }
func (ItemDetails) Kind() string      { return "item" }
func (DuplicateDetails) Kind() string { return "duplicate" }
func (TotalDetails) Kind() string     { return "total" }
func (ExpiryDetails) Kind() string    { return "expiry" }
func (RiskDetails) Kind() string      { return "risk" }

func (FieldDetails) sealed()     {}
func (RangeDetails) sealed()     {}
func (InventoryDetails) sealed() {}
func (PriceDetails) sealed()     {}
func (SequenceDetails) sealed()  {}
func (StatusDetails) sealed()    {}
func (ItemDetails) sealed()      {}
func (DuplicateDetails) sealed() {}
func (TotalDetails) sealed()     {}
func (ExpiryDetails) sealed()    {}
func (RiskDetails) sealed()      {}

func invalidStatus(current OfferStatus) *Error {
	return newError(CodeInvalidOfferStatus,
		fmt.Sprintf("offer is %s and no longer accepts actions", current),
		StatusDetails{Current: current, Allowed: []OfferStatus{StatusActive, StatusNegotiating}})
}

func shortage(variantID string, requested, available int) *Error {
	missing := requested - available
	if missing < 0 {
		missing = 0
	}
	return newError(CodeInsufficientInventory,
		fmt.Sprintf("only %d units available for variant %s", available, variantID),
		InventoryDetails{VariantID: variantID, Requested: requested, Available: available, Shortage: missing},
		fmt.Sprintf("reduce quantity to %d or less", available))
}

func itemError(itemID, reason string) *Error {
	return newError(CodeInvalidOfferItem, reason, ItemDetails{ItemID: itemID, Reason: reason})
}

// errNegativeSubtotal signals an arithmetic invariant breach, never bad input.
var errNegativeSubtotal = errors.New("offer: negative item subtotal")
