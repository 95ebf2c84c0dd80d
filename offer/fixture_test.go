package offer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"offerflow/order"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type observation struct {
	operation, outcome, code string
}

type recordingRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recordingRecorder) Observe(operation, outcome, code string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{operation, outcome, code})
}

// fixture is a seeded catalog: one seller, one verified buyer, a public
// listing with three variants and a variant that belongs elsewhere.
type fixture struct {
	t       *testing.T
	store   *memStore
	svc     *Service
	events  *recordingNotifier
	metrics *recordingRecorder
	now     time.Time

	seller   string
	buyer    string
	stranger string
	listing  Listing
	profile  BuyerProfile

	widget   Variant // retail 10, plenty of stock
	gadget   Variant // retail 12, 5..100 per order, 200 in stock
	retired  Variant // inactive
	elsewise Variant // on another listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    newMemStore(),
		events:   &recordingNotifier{},
		metrics:  &recordingRecorder{},
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		seller:   uuid.NewString(),
		buyer:    uuid.NewString(),
		stranger: uuid.NewString(),
	}
	d := f.store.data
	d.users[f.seller] = memUser{standing: AccountStanding{UserID: f.seller}, displayName: "Sam Seller", companyName: "Acme Supply"}
	d.users[f.buyer] = memUser{standing: AccountStanding{UserID: f.buyer}, displayName: "Bea Buyer", companyName: "Retail Co"}
	d.users[f.stranger] = memUser{standing: AccountStanding{UserID: f.stranger}, displayName: "Stan Stranger"}

	f.listing = Listing{
		ID:            uuid.NewString(),
		PublicID:      "LST00000000001",
		SellerID:      f.seller,
		Title:         "Bulk hardware",
		Status:        ListingActive,
		Visibility:    VisibilityPublic,
		MinOrderValue: decimal.NewFromInt(50),
		Currency:      "USD",
	}
	d.listings[f.listing.ID] = f.listing

	other := Listing{ID: uuid.NewString(), PublicID: "LST00000000002", SellerID: f.seller, Status: ListingActive,
		Visibility: VisibilityPublic, Currency: "USD"}
	d.listings[other.ID] = other

	maxGadget := 100
	f.widget = f.variant("VAR00000000001", f.listing.ID, "WID-1", true, 1000, 1, nil, "10")
	f.gadget = f.variant("VAR00000000002", f.listing.ID, "GAD-1", true, 200, 5, &maxGadget, "12")
	f.retired = f.variant("VAR00000000003", f.listing.ID, "OLD-1", false, 10, 1, nil, "10")
	f.elsewise = f.variant("VAR00000000004", other.ID, "ELS-1", true, 10, 1, nil, "10")

	f.profile = BuyerProfile{ID: uuid.NewString(), PublicID: "BPR00000000001", UserID: f.buyer,
		CompanyName: "Retail Co", VerificationStatus: VerificationVerified}
	d.profiles[f.profile.ID] = f.profile

	f.svc = NewService(f.store, order.NewSpawner(),
		WithClock(func() time.Time { return f.now }),
		WithNotifier(f.events),
		WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) variant(publicID, listingID, sku string, active bool, stock, minQty int, maxQty *int, retail string) Variant {
	v := Variant{
		ID:                uuid.NewString(),
		PublicID:          publicID,
		ListingID:         listingID,
		SKU:               sku,
		Active:            active,
		AvailableQuantity: stock,
		MinOrderQuantity:  minQty,
		MaxOrderQuantity:  maxQty,
		RetailPrice:       decimal.RequireFromString(retail),
		Currency:          "USD",
	}
	f.store.data.variants[v.ID] = v
	return v
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// requestTwoItems is the canonical opening offer: 10 widgets at 5 and
// 5 gadgets at 8, worth 90.
func (f *fixture) requestTwoItems() CreateRequest {
	return CreateRequest{
		ListingID:      f.listing.ID,
		BuyerProfileID: f.profile.ID,
		Items: []ItemInput{
			{VariantID: f.widget.ID, Quantity: 10, Price: dec("5")},
			{VariantID: f.gadget.ID, Quantity: 5, Price: dec("8")},
		},
		Message: "bulk order for spring",
	}
}

// open creates the canonical offer and returns its state.
func (f *fixture) open() State {
	f.t.Helper()
	res := f.svc.CreateOffer(context.Background(), Caller{UserID: f.buyer}, f.requestTwoItems())
	require.True(f.t, res.Success, "create failed: %+v", res.Error)
	return *res.Data
}

func (f *fixture) negotiate(userID string, req NegotiateRequest) Result[NegotiationOutcome] {
	return f.svc.Negotiate(context.Background(), Caller{UserID: userID}, req)
}

func (f *fixture) mustNegotiate(userID string, req NegotiateRequest) NegotiationOutcome {
	f.t.Helper()
	res := f.negotiate(userID, req)
	require.True(f.t, res.Success, "negotiate %s failed: %+v", req.Action, res.Error)
	return *res.Data
}

// reload reads the committed state of an offer.
func (f *fixture) reload(offerID string) *State {
	f.t.Helper()
	var st *State
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		st, err = LoadState(ctx, tx, offerID)
		return err
	})
	require.NoError(f.t, err)
	return st
}

func itemByVariant(t *testing.T, items []Item, variantID string) Item {
	t.Helper()
	for _, it := range items {
		if it.VariantID == variantID {
			return it
		}
	}
	t.Fatalf("no item for variant %s", variantID)
	return Item{}
}

func requireCode[T any](t *testing.T, res Result[T], code Code) {
	t.Helper()
	require.False(t, res.Success, "expected %s, got success", code)
	require.NotNil(t, res.Error)
	require.Equal(t, code, res.Error.Code, "message: %s", res.Error.Message)
}

// currentPerItem counts live negotiations per item across the whole store.
func currentPerItem(d *memData) map[string]int {
	out := map[string]int{}
	for _, n := range d.negotiations {
		if n.IsCurrent {
			out[n.ItemID]++
		}
	}
	return out
}

// activeTotal sums the settled terms of active items.
func activeTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		if !it.Active() {
			continue
		}
		price, qty, _ := ItemTerms(it)
		total = total.Add(price.Mul(decimal.NewFromInt(int64(qty))))
	}
	return total
}
