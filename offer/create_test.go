package offer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOfferOpensActiveOffer(t *testing.T) {
	f := newFixture(t)
	st := f.open()

	assert.Equal(t, StatusActive, st.Offer.Status)
	assert.Equal(t, 1, st.Offer.CurrentRound)
	assert.True(t, dec("90").Equal(st.Offer.TotalValue), "total %s", st.Offer.TotalValue)
	assert.Equal(t, "USD", st.Offer.Currency)
	assert.Equal(t, f.seller, st.Offer.SellerID)
	assert.Equal(t, f.buyer, st.Offer.LastActionBy)
	assert.Len(t, st.Offer.PublicID, PublicIDLength)

	require.Len(t, st.Items, 2)
	for _, it := range st.Items {
		assert.Equal(t, BuyerOffered, it.NegotiationStatus)
		assert.Equal(t, ItemActive, it.Status)
		assert.Equal(t, 1, it.Version)
		assert.NotEmpty(t, it.CurrentBuyerNegotiationID)
	}

	require.Len(t, st.Negotiations, 2)
	for _, n := range st.Negotiations {
		assert.Equal(t, BuyerOffer, n.Action)
		assert.Equal(t, StatePending, n.State)
		assert.True(t, n.IsCurrent)
		assert.Equal(t, 1, n.Round)
	}

	snap := f.store.snapshot()
	require.Len(t, snap.audit, 1)
	assert.Equal(t, AuditCreated, snap.audit[0].Action)
	require.Len(t, snap.outbox, 1)
	assert.Equal(t, "catalog_offer.created", snap.outbox[0].Topic)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, f.seller, events[0].RecipientID)
}

func TestCreateOfferAcceptsPublicIdentifiers(t *testing.T) {
	f := newFixture(t)
	req := f.requestTwoItems()
	req.ListingID = f.listing.PublicID
	req.BuyerProfileID = f.profile.PublicID
	req.Items[0].VariantID = f.widget.PublicID

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, req)
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, f.listing.ID, res.Data.Offer.ListingID)
	itemByVariant(t, res.Data.Items, f.widget.ID)
}

func TestCreateOfferValidation(t *testing.T) {
	tooLong := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		caller func(f *fixture) string
		mutate func(f *fixture, req *CreateRequest)
		code   Code
	}{
		{"malformed listing id", nil, func(f *fixture, r *CreateRequest) { r.ListingID = "not-an-id" }, CodeInvalidIdentifier},
		{"unknown listing", nil, func(f *fixture, r *CreateRequest) { r.ListingID = uuid.NewString() }, CodeListingNotFound},
		{"unknown public listing", nil, func(f *fixture, r *CreateRequest) { r.ListingID = "LST99999999999" }, CodeListingNotFound},
		{"inactive listing", nil, func(f *fixture, r *CreateRequest) {
			l := f.store.data.listings[f.listing.ID]
			l.Status = "PAUSED"
			f.store.data.listings[l.ID] = l
		}, CodeListingNotActive},
		{"seller offers on own listing", func(f *fixture) string { return f.seller }, nil, CodeSelfOffer},
		{"unknown profile", nil, func(f *fixture, r *CreateRequest) { r.BuyerProfileID = uuid.NewString() }, CodeBuyerProfileNotFound},
		{"profile of someone else", func(f *fixture) string { return f.stranger }, nil, CodeUnauthorizedAccess},
		{"unverified profile", nil, func(f *fixture, r *CreateRequest) {
			p := f.store.data.profiles[f.profile.ID]
			p.VerificationStatus = "PENDING"
			f.store.data.profiles[p.ID] = p
		}, CodeBuyerNotVerified},
		{"no items", nil, func(f *fixture, r *CreateRequest) { r.Items = nil }, CodeNoItems},
		{"duplicate variant", nil, func(f *fixture, r *CreateRequest) {
			r.Items[1].VariantID = f.widget.PublicID
		}, CodeDuplicateVariant},
		{"mixed currencies", nil, func(f *fixture, r *CreateRequest) { r.Items[1].Currency = "eur" }, CodeCurrencyMismatch},
		{"variant from another listing", nil, func(f *fixture, r *CreateRequest) {
			r.Items[1].VariantID = f.elsewise.ID
		}, CodeVariantNotFound},
		{"inactive variant", nil, func(f *fixture, r *CreateRequest) { r.Items[1].VariantID = f.retired.ID }, CodeVariantInactive},
		{"zero quantity", nil, func(f *fixture, r *CreateRequest) { r.Items[0].Quantity = 0 }, CodeInvalidQuantity},
		{"below minimum order quantity", nil, func(f *fixture, r *CreateRequest) { r.Items[1].Quantity = 4 }, CodeInvalidQuantity},
		{"above maximum order quantity", nil, func(f *fixture, r *CreateRequest) { r.Items[1].Quantity = 101 }, CodeInvalidQuantity},
		{"more than in stock", nil, func(f *fixture, r *CreateRequest) { r.Items[0].Quantity = 1001 }, CodeInsufficientInventory},
		{"zero price", nil, func(f *fixture, r *CreateRequest) { r.Items[0].Price = dec("0") }, CodeInvalidPrice},
		{"price above ceiling", nil, func(f *fixture, r *CreateRequest) { r.Items[0].Price = dec("1000000.01") }, CodeInvalidPrice},
		{"price far below retail", nil, func(f *fixture, r *CreateRequest) { r.Items[0].Price = dec("0.50") }, CodeInvalidPrice},
		{"below minimum order value", nil, func(f *fixture, r *CreateRequest) {
			r.Items = r.Items[:1]
			r.Items[0].Quantity = 2
		}, CodeBelowMinimumOrderValue},
		{"private listing without grant", nil, func(f *fixture, r *CreateRequest) {
			l := f.store.data.listings[f.listing.ID]
			l.Visibility = VisibilityPrivate
			f.store.data.listings[l.ID] = l
		}, CodeListingAccessDenied},
		{"expiry in the past", nil, func(f *fixture, r *CreateRequest) {
			past := f.now.Add(-time.Minute)
			r.ExpiresAt = &past
		}, CodeInvalidExpiry},
		{"expiry beyond 90 days", nil, func(f *fixture, r *CreateRequest) { r.ExpiresAt = &tooLong }, CodeInvalidExpiry},
		{"locked account", nil, func(f *fixture, r *CreateRequest) {
			u := f.store.data.users[f.buyer]
			u.standing.Locked = true
			f.store.data.users[f.buyer] = u
		}, CodeAccountLocked},
		{"risky account", nil, func(f *fixture, r *CreateRequest) {
			u := f.store.data.users[f.buyer]
			u.standing.RiskScore = 90
			f.store.data.users[f.buyer] = u
		}, CodeRiskThresholdExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.requestTwoItems()
			if tc.mutate != nil {
				tc.mutate(f, &req)
			}
			caller := f.buyer
			if tc.caller != nil {
				caller = tc.caller(f)
			}

			res := f.svc.CreateOffer(context.Background(), Caller{UserID: caller}, req)
			requireCode(t, res, tc.code)

			snap := f.store.snapshot()
			assert.Empty(t, snap.offers)
			assert.Empty(t, snap.items)
			assert.Empty(t, snap.negotiations)
			assert.Empty(t, snap.audit)
			assert.Empty(t, f.events.all())
		})
	}
}

func TestCreateOfferTooManyItems(t *testing.T) {
	f := newFixture(t)
	rules := DefaultRules()
	rules.MaxItems = 1
	f.svc = NewService(f.store, f.svc.orders, WithClock(func() time.Time { return f.now }), WithRules(rules))

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	requireCode(t, res, CodeTooManyItems)
	details, ok := res.Error.Details.(RangeDetails)
	require.True(t, ok)
	assert.Equal(t, "items", details.Field)
}

func TestCreateOfferPrivateListingWithGrant(t *testing.T) {
	f := newFixture(t)
	l := f.store.data.listings[f.listing.ID]
	l.Visibility = VisibilityPrivate
	f.store.data.listings[l.ID] = l
	f.store.data.grants[[2]string{l.ID, f.buyer}] = true

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	require.True(t, res.Success, "%+v", res.Error)
}

func TestCreateOfferRejectsSecondOpenOffer(t *testing.T) {
	f := newFixture(t)
	first := f.open()

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	requireCode(t, res, CodeDuplicateOffer)
	details, ok := res.Error.Details.(DuplicateDetails)
	require.True(t, ok)
	assert.Equal(t, first.Offer.ID, details.ExistingOfferID)
	assert.Len(t, f.store.snapshot().offers, 1)
}

func TestCreateOfferAllowedAfterRejection(t *testing.T) {
	f := newFixture(t)
	first := f.open()
	f.mustNegotiate(f.seller, NegotiateRequest{OfferID: first.Offer.ID, Action: SellerReject, Reason: "no"})

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	require.True(t, res.Success, "%+v", res.Error)
	assert.NotEqual(t, first.Offer.ID, res.Data.Offer.ID)
}

func TestCreateOfferWritesNothingWhenOneItemIsInvalid(t *testing.T) {
	f := newFixture(t)
	req := f.requestTwoItems()
	for i := 0; i < 4; i++ {
		v := f.variant(fmt.Sprintf("VARX%010d", i), f.listing.ID, fmt.Sprintf("X-%d", i), true, 100, 1, nil, "10")
		req.Items = append(req.Items, ItemInput{VariantID: v.ID, Quantity: 1, Price: dec("9")})
	}
	req.Items[len(req.Items)-1].Quantity = 101

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, req)
	requireCode(t, res, CodeInsufficientInventory)

	snap := f.store.snapshot()
	assert.Empty(t, snap.offers)
	assert.Empty(t, snap.items)
	assert.Empty(t, snap.negotiations)
	assert.Empty(t, snap.outbox)
}

func TestCreateOfferRollsBackOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.fail = failOnce("InsertAudit", errInjected)

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	requireCode(t, res, CodeInternal)
	assert.Equal(t, "an internal error occurred", res.Error.Message)

	snap := f.store.snapshot()
	assert.Empty(t, snap.offers)
	assert.Empty(t, snap.items)
	assert.Empty(t, snap.negotiations)
	assert.Empty(t, f.events.all())

	require.NotEmpty(t, f.metrics.obs)
	last := f.metrics.obs[len(f.metrics.obs)-1]
	assert.Equal(t, observation{"create", "error", string(CodeInternal)}, last)
}

func TestCreateOfferRecordsExpiry(t *testing.T) {
	f := newFixture(t)
	req := f.requestTwoItems()
	expires := f.now.Add(72 * time.Hour)
	req.ExpiresAt = &expires

	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, req)
	require.True(t, res.Success, "%+v", res.Error)
	require.NotNil(t, res.Data.Offer.ExpiresAt)
	assert.True(t, expires.Equal(*res.Data.Offer.ExpiresAt))
	for _, n := range res.Data.Negotiations {
		require.NotNil(t, n.ValidUntil)
		assert.True(t, expires.Equal(*n.ValidUntil))
	}
}
