package offer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"offerflow/order"
)

// memStore is an in-memory Store. Each unit of work runs against a copy of
// the data that replaces the original only when fn succeeds, so a failed
// invocation leaves no trace.
type memStore struct {
	mu   sync.Mutex
	data *memData

	// fail, when set, is consulted before every write; a non-nil return
	// aborts the write with that error.
	fail func(op string) error
	txs  int
}

type memUser struct {
	standing    AccountStanding
	displayName string
	companyName string
}

type memOutbox struct {
	Topic   string
	Payload []byte
}

type memData struct {
	users        map[string]memUser
	listings     map[string]Listing
	variants     map[string]Variant
	profiles     map[string]BuyerProfile
	grants       map[[2]string]bool
	offers       map[string]Offer
	offerOrder   []string
	items        map[string]Item
	itemOrder    []string
	negotiations []Negotiation
	changes      []ItemChange
	audit        []AuditEntry
	alternatives []Alternative
	minimums     []MinimumTerms
	outbox       []memOutbox
	orders       map[string]order.Order
	lines        []order.Line
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		users:    map[string]memUser{},
		listings: map[string]Listing{},
		variants: map[string]Variant{},
		profiles: map[string]BuyerProfile{},
		grants:   map[[2]string]bool{},
		offers:   map[string]Offer{},
		items:    map[string]Item{},
		orders:   map[string]order.Order{},
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:        make(map[string]memUser, len(d.users)),
		listings:     make(map[string]Listing, len(d.listings)),
		variants:     make(map[string]Variant, len(d.variants)),
		profiles:     make(map[string]BuyerProfile, len(d.profiles)),
		grants:       make(map[[2]string]bool, len(d.grants)),
		offers:       make(map[string]Offer, len(d.offers)),
		offerOrder:   append([]string(nil), d.offerOrder...),
		items:        make(map[string]Item, len(d.items)),
		itemOrder:    append([]string(nil), d.itemOrder...),
		negotiations: append([]Negotiation(nil), d.negotiations...),
		changes:      append([]ItemChange(nil), d.changes...),
		audit:        append([]AuditEntry(nil), d.audit...),
		alternatives: append([]Alternative(nil), d.alternatives...),
		minimums:     append([]MinimumTerms(nil), d.minimums...),
		outbox:       append([]memOutbox(nil), d.outbox...),
		orders:       make(map[string]order.Order, len(d.orders)),
		lines:        append([]order.Line(nil), d.lines...),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.listings {
		c.listings[k] = v
	}
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	for k, v := range d.grants {
		c.grants[k] = v
	}
	for k, v := range d.offers {
		c.offers[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	return c
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++

	work := m.data.clone()
	if err := fn(ctx, &memTx{d: work, fail: m.fail}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// snapshot returns a copy of the committed data for assertions.
func (m *memStore) snapshot() *memData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.clone()
}

type memTx struct {
	d    *memData
	fail func(op string) error
}

func (t *memTx) check(op string) error {
	if t.fail == nil {
		return nil
	}
	return t.fail(op)
}

func (t *memTx) ResolvePublicID(_ context.Context, kind EntityKind, publicID string) (string, error) {
	switch kind {
	case EntityOffer:
		for id, o := range t.d.offers {
			if o.PublicID == publicID {
				return id, nil
			}
		}
	case EntityItem:
		for id, it := range t.d.items {
			if it.PublicID == publicID {
				return id, nil
			}
		}
	case EntityListing:
		for id, l := range t.d.listings {
			if l.PublicID == publicID {
				return id, nil
			}
		}
	case EntityVariant:
		for id, v := range t.d.variants {
			if v.PublicID == publicID {
				return id, nil
			}
		}
	case EntityBuyerProfile:
		for id, p := range t.d.profiles {
			if p.PublicID == publicID {
				return id, nil
			}
		}
	}
	return "", ErrNotFound
}

func (t *memTx) GetListing(_ context.Context, id string) (Listing, error) {
	l, ok := t.d.listings[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (t *memTx) GetVariant(_ context.Context, id string) (Variant, error) {
	v, ok := t.d.variants[id]
	if !ok {
		return Variant{}, ErrNotFound
	}
	return v, nil
}

func (t *memTx) HasListingAccess(_ context.Context, listingID, buyerID string) (bool, error) {
	return t.d.grants[[2]string{listingID, buyerID}], nil
}

func (t *memTx) GetBuyerProfile(_ context.Context, id string) (BuyerProfile, error) {
	p, ok := t.d.profiles[id]
	if !ok {
		return BuyerProfile{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) GetAccountStanding(_ context.Context, userID string) (AccountStanding, error) {
	u, ok := t.d.users[userID]
	if !ok {
		return AccountStanding{}, ErrNotFound
	}
	return u.standing, nil
}

func (t *memTx) GetParticipants(_ context.Context, userIDs []string) (map[string]Participant, error) {
	out := make(map[string]Participant, len(userIDs))
	for _, id := range userIDs {
		if u, ok := t.d.users[id]; ok {
			out[id] = Participant{UserID: id, DisplayName: u.displayName, CompanyName: u.companyName}
		}
	}
	return out, nil
}

func (t *memTx) FindOpenOffer(_ context.Context, buyerID, listingID string) (string, error) {
	for _, id := range t.d.offerOrder {
		o := t.d.offers[id]
		if o.BuyerID == buyerID && o.ListingID == listingID && o.Status.Open() {
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (t *memTx) InsertOffer(ctx context.Context, o Offer) error {
	if err := t.check("InsertOffer"); err != nil {
		return err
	}
	if _, exists := t.d.offers[o.ID]; exists {
		return ErrConflict
	}
	if o.Status.Open() {
		if _, err := t.FindOpenOffer(ctx, o.BuyerID, o.ListingID); err == nil {
			return ErrConflict
		}
	}
	t.d.offers[o.ID] = o
	t.d.offerOrder = append(t.d.offerOrder, o.ID)
	return nil
}

func (t *memTx) GetOffer(_ context.Context, id string) (Offer, error) {
	o, ok := t.d.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) UpdateOffer(_ context.Context, o Offer, expectedRound int) error {
	if err := t.check("UpdateOffer"); err != nil {
		return err
	}
	cur, ok := t.d.offers[o.ID]
	if !ok || cur.CurrentRound != expectedRound {
		return ErrConflict
	}
	t.d.offers[o.ID] = o
	return nil
}

func (t *memTx) ListExpiredOffers(_ context.Context, now time.Time) ([]Offer, error) {
	var out []Offer
	for _, id := range t.d.offerOrder {
		o := t.d.offers[id]
		if o.Status.Open() && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (t *memTx) InsertItem(_ context.Context, it Item) error {
	if err := t.check("InsertItem"); err != nil {
		return err
	}
	if _, exists := t.d.items[it.ID]; exists {
		return ErrConflict
	}
	t.d.items[it.ID] = it
	t.d.itemOrder = append(t.d.itemOrder, it.ID)
	return nil
}

func (t *memTx) ListItems(_ context.Context, offerID string) ([]Item, error) {
	var out []Item
	for _, id := range t.d.itemOrder {
		if it := t.d.items[id]; it.OfferID == offerID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *memTx) UpdateItem(_ context.Context, it Item, expectedVersion int) error {
	if err := t.check("UpdateItem"); err != nil {
		return err
	}
	cur, ok := t.d.items[it.ID]
	if !ok || cur.Version != expectedVersion {
		return ErrConflict
	}
	t.d.items[it.ID] = it
	return nil
}

func (t *memTx) InsertNegotiation(_ context.Context, n Negotiation) error {
	if err := t.check("InsertNegotiation"); err != nil {
		return err
	}
	if n.IsCurrent {
		for _, other := range t.d.negotiations {
			if other.ItemID == n.ItemID && other.IsCurrent {
				return ErrConflict
			}
		}
	}
	t.d.negotiations = append(t.d.negotiations, n)
	return nil
}

func (t *memTx) ListNegotiations(_ context.Context, offerID string) ([]Negotiation, error) {
	var out []Negotiation
	for _, n := range t.d.negotiations {
		if n.OfferID == offerID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *memTx) RetireNegotiation(_ context.Context, id string, state NegotiationState, at time.Time) error {
	if err := t.check("RetireNegotiation"); err != nil {
		return err
	}
	for i := range t.d.negotiations {
		n := &t.d.negotiations[i]
		if n.ID == id {
			if !n.IsCurrent {
				return ErrConflict
			}
			n.State, n.IsCurrent, n.UpdatedAt = state, false, at
			return nil
		}
	}
	return ErrConflict
}

func (t *memTx) SupersedeItemNegotiations(_ context.Context, itemID, keepID string, at time.Time) (int, error) {
	if err := t.check("SupersedeItemNegotiations"); err != nil {
		return 0, err
	}
	count := 0
	for i := range t.d.negotiations {
		n := &t.d.negotiations[i]
		if n.ItemID == itemID && n.IsCurrent && n.ID != keepID {
			n.State, n.IsCurrent, n.UpdatedAt = StateSuperseded, false, at
			count++
		}
	}
	return count, nil
}

func (t *memTx) RetireOfferNegotiations(_ context.Context, offerID string, state NegotiationState, at time.Time) (int, error) {
	if err := t.check("RetireOfferNegotiations"); err != nil {
		return 0, err
	}
	count := 0
	for i := range t.d.negotiations {
		n := &t.d.negotiations[i]
		if n.OfferID == offerID && n.IsCurrent && n.State == StatePending {
			n.State, n.IsCurrent, n.UpdatedAt = state, false, at
			count++
		}
	}
	return count, nil
}

func (t *memTx) ExpireNegotiations(_ context.Context, now time.Time) (int, error) {
	if err := t.check("ExpireNegotiations"); err != nil {
		return 0, err
	}
	count := 0
	for i := range t.d.negotiations {
		n := &t.d.negotiations[i]
		if n.State == StatePending && n.ValidUntil != nil && n.ValidUntil.Before(now) {
			n.State, n.IsCurrent, n.UpdatedAt = StateExpired, false, now
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertItemChange(_ context.Context, c ItemChange) error {
	if err := t.check("InsertItemChange"); err != nil {
		return err
	}
	t.d.changes = append(t.d.changes, c)
	return nil
}

func (t *memTx) ListItemChanges(_ context.Context, offerID string) ([]ItemChange, error) {
	var out []ItemChange
	for _, c := range t.d.changes {
		if c.OfferID == offerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) InsertAudit(_ context.Context, e AuditEntry) error {
	if err := t.check("InsertAudit"); err != nil {
		return err
	}
	t.d.audit = append(t.d.audit, e)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, offerID string) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, e := range t.d.audit {
		if e.OfferID == offerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertAlternative(_ context.Context, a Alternative) error {
	if err := t.check("InsertAlternative"); err != nil {
		return err
	}
	t.d.alternatives = append(t.d.alternatives, a)
	return nil
}

func (t *memTx) InsertMinimumTerms(_ context.Context, m MinimumTerms) error {
	if err := t.check("InsertMinimumTerms"); err != nil {
		return err
	}
	t.d.minimums = append(t.d.minimums, m)
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, topic string, payload []byte) error {
	if err := t.check("EnqueueOutbox"); err != nil {
		return err
	}
	t.d.outbox = append(t.d.outbox, memOutbox{Topic: topic, Payload: payload})
	return nil
}

func (t *memTx) ReserveInventory(_ context.Context, variantID string, quantity int) error {
	if err := t.check("ReserveInventory"); err != nil {
		return err
	}
	v, ok := t.d.variants[variantID]
	if !ok {
		return order.ErrVariantNotFound
	}
	if v.AvailableQuantity < quantity {
		return &order.ShortageError{VariantID: variantID, Requested: quantity, Available: v.AvailableQuantity}
	}
	v.AvailableQuantity -= quantity
	t.d.variants[variantID] = v
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o order.Order) error {
	if err := t.check("InsertOrder"); err != nil {
		return err
	}
	for _, existing := range t.d.orders {
		if existing.OfferID == o.OfferID {
			return ErrConflict
		}
	}
	t.d.orders[o.ID] = o
	return nil
}

func (t *memTx) InsertOrderLine(_ context.Context, l order.Line) error {
	if err := t.check("InsertOrderLine"); err != nil {
		return err
	}
	t.d.lines = append(t.d.lines, l)
	return nil
}

// failOnce makes the named write fail the first time it is reached.
func failOnce(op string, err error) func(string) error {
	var (
		mu   sync.Mutex
		done bool
	)
	return func(got string) error {
		mu.Lock()
		defer mu.Unlock()
		if got != op || done {
			return nil
		}
		done = true
		return err
	}
}

var errInjected = errors.New("injected failure")
