package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyOrder is returned when no lines were supplied.
	ErrEmptyOrder = errors.New("order: no lines")
	// ErrVariantNotFound is returned when a line references an unknown variant.
	ErrVariantNotFound = errors.New("order: variant not found")
	// ErrInvalidLine is returned for non-positive quantities or negative prices.
	ErrInvalidLine = errors.New("order: invalid line")
	// ErrNoTimestamp is returned when the request does not carry its time.
	ErrNoTimestamp = errors.New("order: request has no timestamp")
)

// ShortageError reports a variant whose stock no longer covers the line.
type ShortageError struct {
	VariantID string
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("order: insufficient inventory for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

// Address is stored as JSON on the order row.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// LineRequest is one agreed offer item to be ordered.
type LineRequest struct {
	ItemID    string
	VariantID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Request describes the accepted offer handed to the spawner.
type Request struct {
	OfferID   string
	BuyerID   string
	SellerID  string
	ListingID string
	Currency  string
	Lines     []LineRequest
	Shipping  *Address
	Billing   *Address
	// At stamps the order; callers pass the instant of their own operation.
	At time.Time
}

// Order mirrors the orders table.
type Order struct {
	ID        string
	Number    string
	OfferID   string
	BuyerID   string
	SellerID  string
	ListingID string
	Status    string
	Total     decimal.Decimal
	Currency  string
	Shipping  *Address
	Billing   *Address
	CreatedAt time.Time
}

// Line mirrors the order_lines table.
type Line struct {
	ID        string
	OrderID   string
	ItemID    string
	VariantID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
	Currency  string
}

// Placed is returned to the caller once the order rows are written.
type Placed struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Lines       []Line          `json:"lines"`
}

const StatusPending = "PENDING"
