package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func normalizeCurrency(cur, fallback string) string {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if cur == "" {
		return strings.ToUpper(fallback)
	}
	return cur
}

func decimalPtr(n int) *decimal.Decimal {
	d := decimal.NewFromInt(int64(n))
	return &d
}

// lookupVariant reads a variant by internal id and checks that it belongs to
// listingID and is still sellable.
func lookupVariant(ctx context.Context, tx Tx, listingID, variantID, field string) (Variant, error) {
	v, err := tx.GetVariant(ctx, variantID)
	if errors.Is(err, ErrNotFound) {
		return Variant{}, newError(CodeVariantNotFound, fmt.Sprintf("variant %s not found", variantID),
			FieldDetails{Field: field, Value: variantID})
	}
	if err != nil {
		return Variant{}, fmt.Errorf("offer: get variant: %w", err)
	}
	if v.ListingID != listingID {
		return Variant{}, newError(CodeVariantNotFound, fmt.Sprintf("variant %s is not part of this listing", variantID),
			FieldDetails{Field: field, Value: variantID})
	}
	if !v.Active {
		return Variant{}, newError(CodeVariantInactive, fmt.Sprintf("variant %s is no longer available", v.SKU),
			FieldDetails{Field: field, Value: variantID},
			"remove the item or choose another variant")
	}
	return v, nil
}

// checkOrderQuantity enforces the variant's order bounds and stock.
func checkOrderQuantity(v Variant, qty int, field string) error {
	if qty <= 0 {
		return newError(CodeInvalidQuantity, "quantity must be greater than zero",
			RangeDetails{Field: field, Value: decimal.NewFromInt(int64(qty)), Min: decimalPtr(1)})
	}
	minQty := v.MinOrderQuantity
	if minQty < 1 {
		minQty = 1
	}
	tooLarge := v.MaxOrderQuantity != nil && qty > *v.MaxOrderQuantity
	if qty < minQty || tooLarge {
		d := RangeDetails{Field: field, Value: decimal.NewFromInt(int64(qty)), Min: decimalPtr(minQty)}
		if v.MaxOrderQuantity != nil {
			d.Max = decimalPtr(*v.MaxOrderQuantity)
		}
		return newError(CodeInvalidQuantity,
			fmt.Sprintf("quantity %d is outside the allowed order range for %s", qty, v.SKU), d)
	}
	return checkStock(v, qty)
}

func checkStock(v Variant, qty int) error {
	if qty > v.AvailableQuantity {
		return shortage(v.ID, qty, v.AvailableQuantity)
	}
	return nil
}

// checkPositive is the lighter check applied to counter proposals.
func checkPositive(price decimal.Decimal, qty int, field string) error {
	if !price.IsPositive() {
		return newError(CodeInvalidPrice, "price must be greater than zero",
			PriceDetails{Price: price}, "propose a positive unit price")
	}
	if qty <= 0 {
		return newError(CodeInvalidQuantity, "quantity must be greater than zero",
			RangeDetails{Field: field, Value: decimal.NewFromInt(int64(qty)), Min: decimalPtr(1)})
	}
	return nil
}

// checkPrice enforces the plausibility window around the variant's retail price.
func (r Rules) checkPrice(v Variant, price decimal.Decimal) error {
	if !price.IsPositive() {
		return newError(CodeInvalidPrice, "price must be greater than zero",
			PriceDetails{VariantID: v.ID, Price: price}, "propose a positive unit price")
	}
	if price.GreaterThan(r.MaxUnitPrice) {
		return newError(CodeInvalidPrice,
			fmt.Sprintf("price %s exceeds the maximum unit price %s", price, r.MaxUnitPrice),
			PriceDetails{VariantID: v.ID, Price: price, RetailPrice: v.RetailPrice, Ceiling: r.MaxUnitPrice})
	}
	if v.RetailPrice.IsPositive() {
		floor := v.RetailPrice.Mul(r.MinRetailRatio)
		if price.LessThan(floor) {
			return newError(CodeInvalidPrice,
				fmt.Sprintf("price %s is implausibly far below the retail price %s", price, v.RetailPrice),
				PriceDetails{VariantID: v.ID, Price: price, RetailPrice: v.RetailPrice, Floor: floor},
				fmt.Sprintf("offer at least %s per unit", floor.StringFixed(2)))
		}
	}
	return nil
}

func (r Rules) checkExpiry(expiresAt, now time.Time) error {
	maxDays := int(r.MaxExpiry / (24 * time.Hour))
	details := ExpiryDetails{ExpiresAt: expiresAt.UTC().Format(time.RFC3339), MaxDays: maxDays}
	if !expiresAt.After(now) {
		return newError(CodeInvalidExpiry, "expiry must be in the future", details)
	}
	if expiresAt.After(now.Add(r.MaxExpiry)) {
		return newError(CodeInvalidExpiry, fmt.Sprintf("expiry must be within %d days", maxDays), details)
	}
	return nil
}
