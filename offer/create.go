package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// ItemInput is one requested line of a new offer.
type ItemInput struct {
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// CreateRequest is a buyer's opening offer against a listing.
type CreateRequest struct {
	ListingID      string      `json:"listing_id"`
	BuyerProfileID string      `json:"buyer_profile_id"`
	Items          []ItemInput `json:"items"`
	Message        string      `json:"message,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
}

type validatedItem struct {
	variant  Variant
	input    ItemInput
	currency string
	subtotal decimal.Decimal
}

// CreateOffer validates req and opens a new offer with one pending buyer
// negotiation per item. Nothing is written unless every check passes.
func (s *Service) CreateOffer(ctx context.Context, caller Caller, req CreateRequest) Result[State] {
	attrs := []attribute.KeyValue{
		attribute.String("offer.listing", req.ListingID),
		attribute.Int("offer.items", len(req.Items)),
	}
	return execute(ctx, s, "create", attrs, func(ctx context.Context, tx Tx, now time.Time) (State, []Event, error) {
		id, err := s.create(ctx, tx, now, caller, req)
		if err != nil {
			return State{}, nil, err
		}
		st, err := LoadState(ctx, tx, id)
		if err != nil {
			return State{}, nil, fmt.Errorf("offer: reload created offer: %w", err)
		}
		return *st, []Event{eventFor(EventCreated, st.Offer, caller.UserID, now)}, nil
	})
}

func (s *Service) create(ctx context.Context, tx Tx, now time.Time, caller Caller, req CreateRequest) (string, error) {
	listing, err := getListing(ctx, tx, req.ListingID)
	if err != nil {
		return "", err
	}
	if listing.Status != ListingActive {
		return "", newError(CodeListingNotActive, "listing is not accepting offers",
			FieldDetails{Field: "listing_status", Value: string(listing.Status)})
	}
	if listing.SellerID == caller.UserID {
		return "", errorf(CodeSelfOffer, "sellers cannot make offers on their own listings")
	}

	profile, err := getBuyerProfile(ctx, tx, req.BuyerProfileID)
	if err != nil {
		return "", err
	}
	if profile.UserID != caller.UserID {
		return "", errorf(CodeUnauthorizedAccess, "buyer profile belongs to another account")
	}
	if profile.VerificationStatus != VerificationVerified {
		return "", newError(CodeBuyerNotVerified, "buyer profile is not verified",
			FieldDetails{Field: "verification_status", Value: profile.VerificationStatus},
			"complete buyer verification before making offers")
	}

	items, currency, err := s.validateItems(ctx, tx, listing, req.Items)
	if err != nil {
		return "", err
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.subtotal)
	}
	if total.LessThan(listing.MinOrderValue) {
		return "", newError(CodeBelowMinimumOrderValue,
			fmt.Sprintf("offer total %s is below the listing minimum of %s", total.StringFixed(2), listing.MinOrderValue.StringFixed(2)),
			TotalDetails{Total: total, Minimum: listing.MinOrderValue, Currency: currency},
			"increase quantities or add items to reach the minimum order value")
	}

	visible, err := s.visibility.CanView(ctx, tx, listing, caller.UserID)
	if err != nil {
		return "", fmt.Errorf("offer: check visibility: %w", err)
	}
	if !visible {
		return "", errorf(CodeListingAccessDenied, "this listing is not available to your account")
	}

	existing, err := tx.FindOpenOffer(ctx, caller.UserID, listing.ID)
	switch {
	case err == nil:
		return "", duplicateOffer(existing)
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("offer: find open offer: %w", err)
	}

	if req.ExpiresAt != nil {
		if err := s.rules.checkExpiry(*req.ExpiresAt, now); err != nil {
			return "", err
		}
	}

	standing, err := tx.GetAccountStanding(ctx, caller.UserID)
	if errors.Is(err, ErrNotFound) {
		return "", errorf(CodeUnauthorizedAccess, "unknown account")
	}
	if err != nil {
		return "", fmt.Errorf("offer: account standing: %w", err)
	}
	if standing.Locked {
		return "", errorf(CodeAccountLocked, "account is locked")
	}
	if standing.RiskScore > s.rules.RiskThreshold {
		return "", newError(CodeRiskThresholdExceeded, "account risk score is above the allowed threshold",
			RiskDetails{RiskScore: standing.RiskScore, Threshold: s.rules.RiskThreshold})
	}

	return s.writeOffer(ctx, tx, now, caller, listing, profile, req, items, currency, total)
}

func (s *Service) validateItems(ctx context.Context, tx Tx, listing Listing, inputs []ItemInput) ([]validatedItem, string, error) {
	if len(inputs) == 0 {
		return nil, "", errorf(CodeNoItems, "an offer needs at least one item")
	}
	if len(inputs) > s.rules.MaxItems {
		return nil, "", newError(CodeTooManyItems,
			fmt.Sprintf("an offer may contain at most %d items", s.rules.MaxItems),
			RangeDetails{Field: "items", Value: decimal.NewFromInt(int64(len(inputs))), Max: decimalPtr(s.rules.MaxItems)})
	}

	ids := make([]string, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		id, err := resolve(ctx, tx, EntityVariant, in.VariantID)
		if err != nil {
			return nil, "", err
		}
		if seen[id] {
			return nil, "", newError(CodeDuplicateVariant, "each variant may appear only once per offer",
				FieldDetails{Field: fmt.Sprintf("items[%d].variant_id", i), Value: in.VariantID},
				"merge duplicate lines into one with the combined quantity")
		}
		seen[id] = true
		ids[i] = id
	}

	currency := ""
	for i, in := range inputs {
		cur := normalizeCurrency(in.Currency, listing.Currency)
		if currency == "" {
			currency = cur
		} else if cur != currency {
			return nil, "", newError(CodeCurrencyMismatch, "all items must use the same currency",
				FieldDetails{Field: fmt.Sprintf("items[%d].currency", i), Value: cur})
		}
	}

	out := make([]validatedItem, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("items[%d]", i)
		v, err := lookupVariant(ctx, tx, listing.ID, ids[i], field+".variant_id")
		if err != nil {
			return nil, "", err
		}
		if err := checkOrderQuantity(v, in.Quantity, field+".quantity"); err != nil {
			return nil, "", err
		}
		if err := s.rules.checkPrice(v, in.Price); err != nil {
			return nil, "", err
		}
		out = append(out, validatedItem{
			variant:  v,
			input:    in,
			currency: currency,
			subtotal: in.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
		})
	}
	return out, currency, nil
}

func (s *Service) writeOffer(ctx context.Context, tx Tx, now time.Time, caller Caller, listing Listing,
	profile BuyerProfile, req CreateRequest, items []validatedItem, currency string, total decimal.Decimal,
) (string, error) {
	o := Offer{
		ID:             s.newID(),
		PublicID:       s.publicID(),
		ListingID:      listing.ID,
		BuyerID:        caller.UserID,
		BuyerProfileID: profile.ID,
		SellerID:       listing.SellerID,
		Status:         StatusActive,
		TotalValue:     total,
		Currency:       currency,
		CurrentRound:   1,
		Message:        req.Message,
		ExpiresAt:      req.ExpiresAt,
		LastActionBy:   caller.UserID,
		LastActionAt:   &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertOffer(ctx, o); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", duplicateOffer("")
		}
		return "", fmt.Errorf("offer: insert offer: %w", err)
	}

	for _, v := range items {
		it := Item{
			ID:                        s.newID(),
			PublicID:                  s.publicID(),
			OfferID:                   o.ID,
			VariantID:                 v.variant.ID,
			Quantity:                  v.input.Quantity,
			BuyerPrice:                v.input.Price,
			Currency:                  v.currency,
			NegotiationStatus:         BuyerOffered,
			Status:                    ItemActive,
			Version:                   1,
			AddedInRound:              1,
			CurrentBuyerNegotiationID: s.newID(),
			Notes:                     v.input.Notes,
			CreatedAt:                 now,
			UpdatedAt:                 now,
		}
		if err := tx.InsertItem(ctx, it); err != nil {
			return "", fmt.Errorf("offer: insert item: %w", err)
		}
		if err := tx.InsertNegotiation(ctx, Negotiation{
			ID:         it.CurrentBuyerNegotiationID,
			OfferID:    o.ID,
			ItemID:     it.ID,
			Round:      1,
			Action:     BuyerOffer,
			OfferorID:  caller.UserID,
			Role:       RoleBuyer,
			Price:      it.BuyerPrice,
			Quantity:   it.Quantity,
			Currency:   it.Currency,
			State:      StatePending,
			IsCurrent:  true,
			ValidUntil: o.ExpiresAt,
			Message:    req.Message,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return "", fmt.Errorf("offer: insert negotiation: %w", err)
		}
	}

	err := recordAudit(ctx, tx, AuditEntry{
		ID:        s.newID(),
		OfferID:   o.ID,
		ActorID:   caller.UserID,
		Action:    AuditCreated,
		NewStatus: StatusActive,
		Summary:   fmt.Sprintf("buyer opened an offer with %d items", len(items)),
		Metadata: map[string]any{
			"round":    1,
			"items":    len(items),
			"total":    total.String(),
			"currency": currency,
		},
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func duplicateOffer(existingID string) *Error {
	return newError(CodeDuplicateOffer, "you already have an open offer on this listing",
		DuplicateDetails{ExistingOfferID: existingID},
		"continue negotiating the existing offer instead")
}

func getListing(ctx context.Context, tx Tx, raw string) (Listing, error) {
	id, err := resolve(ctx, tx, EntityListing, raw)
	if err != nil {
		return Listing{}, err
	}
	l, err := tx.GetListing(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Listing{}, newError(CodeListingNotFound, "listing not found", FieldDetails{Field: "listing_id", Value: raw})
	}
	if err != nil {
		return Listing{}, fmt.Errorf("offer: get listing: %w", err)
	}
	return l, nil
}

func getBuyerProfile(ctx context.Context, tx Tx, raw string) (BuyerProfile, error) {
	id, err := resolve(ctx, tx, EntityBuyerProfile, raw)
	if err != nil {
		return BuyerProfile{}, err
	}
	p, err := tx.GetBuyerProfile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return BuyerProfile{}, newError(CodeBuyerProfileNotFound, "buyer profile not found",
			FieldDetails{Field: "buyer_profile_id", Value: raw})
	}
	if err != nil {
		return BuyerProfile{}, fmt.Errorf("offer: get buyer profile: %w", err)
	}
	return p, nil
}
