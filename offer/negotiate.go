package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"offerflow/order"
)

// ItemProposal puts new terms on one existing item.
type ItemProposal struct {
	ItemID   string          `json:"item_id"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Currency string          `json:"currency,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ItemChangeInput is a structural edit applied before a counter's proposals.
// Type is one of ITEM_ADDED, ITEM_REMOVED or QUANTITY_CHANGED.
type ItemChangeInput struct {
	Type      ChangeType      `json:"type"`
	ItemID    string          `json:"item_id,omitempty"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Reason    string          `json:"reason,omitempty"`
}

// NegotiateRequest carries one counter, accept or reject action.
type NegotiateRequest struct {
	OfferID    string            `json:"offer_id"`
	Action     ActionType        `json:"action"`
	Items      []ItemProposal    `json:"items,omitempty"`
	Changes    []ItemChangeInput `json:"changes,omitempty"`
	Message    string            `json:"message,omitempty"`
	ValidUntil *time.Time        `json:"valid_until,omitempty"`

	Reason       string            `json:"reason,omitempty"`
	Category     RejectionCategory `json:"category,omitempty"`
	Alternatives []Alternative     `json:"alternatives,omitempty"`
	MinimumTerms *MinimumTerms     `json:"minimum_terms,omitempty"`

	Shipping *order.Address `json:"shipping_address,omitempty"`
	Billing  *order.Address `json:"billing_address,omitempty"`
}

// NegotiationOutcome is the offer after the action, plus the order when one
// was spawned.
type NegotiationOutcome struct {
	State  State
	Action ActionType
	Round  int
	Order  *order.Placed
}

// Negotiate applies one counter, accept or reject action to an open offer.
func (s *Service) Negotiate(ctx context.Context, caller Caller, req NegotiateRequest) Result[NegotiationOutcome] {
	attrs := []attribute.KeyValue{
		attribute.String("offer.id", req.OfferID),
		attribute.String("offer.action", string(req.Action)),
	}
	return execute(ctx, s, "negotiate", attrs, func(ctx context.Context, tx Tx, now time.Time) (NegotiationOutcome, []Event, error) {
		kind := req.Action.Kind()
		if kind != KindCounter && kind != KindAccept && kind != KindReject {
			return NegotiationOutcome{}, nil, newError(CodeInvalidAction,
				fmt.Sprintf("action %q is not a counter, accept or reject", req.Action),
				FieldDetails{Field: "action", Value: string(req.Action)})
		}

		st, err := openOffer(ctx, tx, now, req.OfferID)
		if err != nil {
			return NegotiationOutcome{}, nil, err
		}
		role := st.Offer.RoleOf(caller.UserID)
		if role == "" || role != req.Action.Role() {
			return NegotiationOutcome{}, nil, errorf(CodeUnauthorizedAccess,
				"caller may not perform %s on this offer", req.Action)
		}
		if err := checkTurn(st, caller.UserID, req.Action); err != nil {
			return NegotiationOutcome{}, nil, err
		}

		var (
			placed *order.Placed
			evType EventType
		)
		switch kind {
		case KindCounter:
			evType = EventCountered
			err = s.counter(ctx, tx, now, caller, role, st, req)
		case KindAccept:
			evType = EventAccepted
			placed, err = s.accept(ctx, tx, now, caller, role, st, req)
		case KindReject:
			evType = EventRejected
			err = s.reject(ctx, tx, now, caller, role, st, req)
		case KindOffer:
		}
		if err != nil {
			return NegotiationOutcome{}, nil, err
		}

		after, err := LoadState(ctx, tx, st.Offer.ID)
		if err != nil {
			return NegotiationOutcome{}, nil, fmt.Errorf("offer: reload offer: %w", err)
		}
		ev := eventFor(evType, after.Offer, caller.UserID, now)
		if placed != nil {
			ev.OrderNumber = placed.OrderNumber
		}
		return NegotiationOutcome{
			State:  *after,
			Action: req.Action,
			Round:  after.Offer.CurrentRound,
			Order:  placed,
		}, []Event{ev}, nil
	})
}

// openOffer loads the offer aggregate and checks that it can still be acted on.
func openOffer(ctx context.Context, tx Tx, now time.Time, raw string) (*State, error) {
	id, err := resolve(ctx, tx, EntityOffer, raw)
	if err != nil {
		return nil, err
	}
	st, err := loadOffer(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOpen(st.Offer, now); err != nil {
		return nil, err
	}
	return st, nil
}

func checkOpen(o Offer, now time.Time) error {
	if !o.Status.Open() {
		return invalidStatus(o.Status)
	}
	if o.Expired(now) {
		return newError(CodeOfferExpired, "offer has expired",
			ExpiryDetails{ExpiresAt: o.ExpiresAt.UTC().Format(time.RFC3339)})
	}
	return nil
}

func loadOffer(ctx context.Context, tx Tx, id string) (*State, error) {
	st, err := LoadState(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(CodeOfferNotFound, "offer not found", FieldDetails{Field: "offer_id", Value: id})
	}
	if err != nil {
		return nil, fmt.Errorf("offer: load offer: %w", err)
	}
	return st, nil
}

// checkTurn enforces alternation: an accept answers the other side's
// proposal, and nobody counters their own last move.
func checkTurn(st *State, userID string, action ActionType) error {
	last, hasLast := st.LastAction()
	details := SequenceDetails{Attempted: action, LastActionBy: st.LastActor()}
	if hasLast {
		details.LastAction = last.Action
	}

	switch action.Kind() {
	case KindAccept:
		other := action.Role().Opposite()
		if hasLast && last.Action.Proposes() && last.Action.Role() == other {
			return nil
		}
		details.Expected = []ActionType{counterFor(action.Role())}
		return newError(CodeInvalidSequence,
			fmt.Sprintf("%s can only answer an open %s proposal", action, strings.ToLower(string(other))),
			details, "wait for the other party to respond")
	case KindCounter:
		if st.LastActor() != userID {
			return nil
		}
		return newError(CodeInvalidSequence, "you made the last move; wait for the other party to respond", details)
	case KindOffer, KindReject:
	}
	return nil
}

// itemSet is the working copy of an offer's items inside one invocation.
type itemSet struct {
	items []Item
	index map[string]int
	// latest holds the negotiation row written for an item earlier in the
	// same invocation.
	latest map[string]string
}

func newItemSet(items []Item) *itemSet {
	set := &itemSet{
		items:  append([]Item(nil), items...),
		index:  make(map[string]int, len(items)),
		latest: make(map[string]string),
	}
	for i, it := range set.items {
		set.index[it.ID] = i
	}
	return set
}

func (w *itemSet) get(id string) (*Item, bool) {
	i, ok := w.index[id]
	if !ok {
		return nil, false
	}
	return &w.items[i], true
}

func (w *itemSet) add(it Item) *Item {
	w.index[it.ID] = len(w.items)
	w.items = append(w.items, it)
	return &w.items[len(w.items)-1]
}

func (w *itemSet) hasActiveVariant(variantID string) bool {
	for _, it := range w.items {
		if it.Active() && it.VariantID == variantID {
			return true
		}
	}
	return false
}

func (w *itemSet) active() int {
	n := 0
	for _, it := range w.items {
		if it.Active() {
			n++
		}
	}
	return n
}

// saveItem bumps the version and writes it, guarded by the version it was read at.
func saveItem(ctx context.Context, tx Tx, it *Item, now time.Time) error {
	expected := it.Version
	it.Version++
	it.UpdatedAt = now
	if err := tx.UpdateItem(ctx, *it, expected); err != nil {
		return fmt.Errorf("offer: update item %s: %w", it.ID, err)
	}
	return nil
}

func intPtr(n int) *int { return &n }

func (s *Service) counter(ctx context.Context, tx Tx, now time.Time, caller Caller, role Role, st *State, req NegotiateRequest) error {
	if len(req.Items) == 0 {
		return errorf(CodeNoItemNegotiations, "a counter must propose terms for at least one item")
	}
	round := st.CurrentRound() + 1
	action := counterFor(role)
	validUntil := st.Offer.ExpiresAt
	if req.ValidUntil != nil {
		if err := s.rules.checkExpiry(*req.ValidUntil, now); err != nil {
			return err
		}
		validUntil = req.ValidUntil
	}

	set := newItemSet(st.Items)
	for i, ch := range req.Changes {
		if err := s.applyChange(ctx, tx, now, caller, role, st, set, round, validUntil, i, ch); err != nil {
			return err
		}
	}
	if set.active() == 0 {
		return itemError("", "offer must retain at least one active item")
	}

	proposed := make(map[string]bool, len(req.Items))
	for i, p := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		itemID, err := resolve(ctx, tx, EntityItem, p.ItemID)
		if err != nil {
			return err
		}
		it, ok := set.get(itemID)
		if !ok {
			return itemError(p.ItemID, "item does not belong to this offer")
		}
		if !it.Active() {
			return itemError(p.ItemID, "item has been removed from the offer")
		}
		if proposed[itemID] {
			return itemError(p.ItemID, "item is proposed more than once")
		}
		proposed[itemID] = true

		if err := checkPositive(p.Price, p.Quantity, field+".quantity"); err != nil {
			return err
		}
		v, err := tx.GetVariant(ctx, it.VariantID)
		if err != nil {
			return fmt.Errorf("offer: get variant: %w", err)
		}
		if err := checkStock(v, p.Quantity); err != nil {
			return err
		}
		currency := normalizeCurrency(p.Currency, it.Currency)
		if currency != it.Currency {
			return newError(CodeCurrencyMismatch, "proposal currency differs from the item currency",
				FieldDetails{Field: field + ".currency", Value: currency})
		}

		prior, _ := st.CurrentNegotiation(it.ID)
		parentID := prior.ID
		if id, ok := set.latest[it.ID]; ok {
			parentID = id
		}
		n := Negotiation{
			ID:         s.newID(),
			OfferID:    st.Offer.ID,
			ItemID:     it.ID,
			Round:      round,
			Action:     action,
			OfferorID:  caller.UserID,
			Role:       role,
			Price:      p.Price,
			Quantity:   p.Quantity,
			Currency:   currency,
			State:      StatePending,
			IsCurrent:  true,
			ParentID:   parentID,
			ValidUntil: validUntil,
			Message:    firstNonEmpty(p.Message, req.Message),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := SupersedeOthers(ctx, tx, it.ID, n.ID, now); err != nil {
			return err
		}
		if err := tx.InsertNegotiation(ctx, n); err != nil {
			return fmt.Errorf("offer: insert negotiation: %w", err)
		}

		it.Quantity = p.Quantity
		it.NegotiationStatus = counteredStatus(role)
		if role == RoleBuyer {
			it.BuyerPrice = p.Price
			it.CurrentBuyerNegotiationID = n.ID
		} else {
			it.SellerPrice = decimal.NewNullDecimal(p.Price)
			it.CurrentSellerNegotiationID = n.ID
		}
		if err := saveItem(ctx, tx, it, now); err != nil {
			return err
		}
	}

	val, err := RecalculateOfferValue(set.items)
	if err != nil {
		return fmt.Errorf("offer: recalculate: %w", err)
	}

	o := st.Offer
	o.Status = StatusNegotiating
	o.CurrentRound = round
	o.TotalValue = val.Total
	o.Currency = val.Currency
	o.LastActionBy = caller.UserID
	o.LastActionAt = &now
	o.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, o, st.Offer.CurrentRound); err != nil {
		return fmt.Errorf("offer: update offer: %w", err)
	}

	return recordAudit(ctx, tx, AuditEntry{
		ID:        s.newID(),
		OfferID:   o.ID,
		ActorID:   caller.UserID,
		Action:    AuditCountered,
		OldStatus: st.Offer.Status,
		NewStatus: o.Status,
		Summary:   fmt.Sprintf("%s countered %d items in round %d", strings.ToLower(string(role)), len(req.Items), round),
		Metadata: map[string]any{
			"round":     round,
			"action":    action,
			"proposals": len(req.Items),
			"changes":   len(req.Changes),
			"old_total": st.Offer.TotalValue.String(),
			"new_total": val.Total.String(),
			"currency":  val.Currency,
		},
		CreatedAt: now,
	})
}

func (s *Service) applyChange(ctx context.Context, tx Tx, now time.Time, caller Caller, role Role, st *State,
	set *itemSet, round int, validUntil *time.Time, i int, ch ItemChangeInput,
) error {
	field := fmt.Sprintf("changes[%d]", i)
	change := ItemChange{
		ID:        s.newID(),
		OfferID:   st.Offer.ID,
		Type:      ch.Type,
		ActorID:   caller.UserID,
		Round:     round,
		Reason:    ch.Reason,
		CreatedAt: now,
	}

	switch ch.Type {
	case ChangeItemAdded:
		variantID, err := resolve(ctx, tx, EntityVariant, ch.VariantID)
		if err != nil {
			return err
		}
		v, err := lookupVariant(ctx, tx, st.Offer.ListingID, variantID, field+".variant_id")
		if err != nil {
			return err
		}
		if set.hasActiveVariant(v.ID) {
			return newError(CodeDuplicateVariant, "variant is already on the offer",
				FieldDetails{Field: field + ".variant_id", Value: ch.VariantID})
		}
		if err := checkOrderQuantity(v, ch.Quantity, field+".quantity"); err != nil {
			return err
		}
		if err := s.rules.checkPrice(v, ch.Price); err != nil {
			return err
		}

		it := Item{
			ID:                s.newID(),
			PublicID:          s.publicID(),
			OfferID:           st.Offer.ID,
			VariantID:         v.ID,
			Quantity:          ch.Quantity,
			BuyerPrice:        ch.Price,
			Currency:          st.Offer.Currency,
			NegotiationStatus: BuyerOffered,
			Status:            ItemActive,
			Version:           1,
			AddedInRound:      round,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		n := Negotiation{
			ID:         s.newID(),
			OfferID:    st.Offer.ID,
			ItemID:     it.ID,
			Round:      round,
			Action:     counterFor(role),
			OfferorID:  caller.UserID,
			Role:       role,
			Price:      ch.Price,
			Quantity:   ch.Quantity,
			Currency:   it.Currency,
			State:      StatePending,
			IsCurrent:  true,
			ValidUntil: validUntil,
			Message:    ch.Reason,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if role == RoleBuyer {
			it.CurrentBuyerNegotiationID = n.ID
		} else {
			it.NegotiationStatus = SellerCountered
			it.SellerPrice = decimal.NewNullDecimal(ch.Price)
			it.CurrentSellerNegotiationID = n.ID
		}
		if err := tx.InsertItem(ctx, it); err != nil {
			return fmt.Errorf("offer: insert item: %w", err)
		}
		if err := tx.InsertNegotiation(ctx, n); err != nil {
			return fmt.Errorf("offer: insert negotiation: %w", err)
		}
		set.add(it)
		set.latest[it.ID] = n.ID
		change.ItemID = it.ID
		change.NewQuantity = intPtr(ch.Quantity)
		change.NewPrice = decimal.NewNullDecimal(ch.Price)

	case ChangeItemRemoved, ChangeQuantityChanged:
		itemID, err := resolve(ctx, tx, EntityItem, ch.ItemID)
		if err != nil {
			return err
		}
		it, ok := set.get(itemID)
		if !ok {
			return itemError(ch.ItemID, "item does not belong to this offer")
		}
		if !it.Active() {
			return itemError(ch.ItemID, "item has already been removed")
		}
		price, _, currency := ItemTerms(*it)
		change.ItemID = it.ID
		change.OldQuantity = intPtr(it.Quantity)
		change.OldPrice = decimal.NewNullDecimal(price)

		if ch.Type == ChangeItemRemoved {
			if _, err := SupersedeOthers(ctx, tx, it.ID, "", now); err != nil {
				return err
			}
			it.Status = ItemRemoved
			it.RemovedInRound = intPtr(round)
		} else {
			v, err := tx.GetVariant(ctx, it.VariantID)
			if err != nil {
				return fmt.Errorf("offer: get variant: %w", err)
			}
			if err := checkOrderQuantity(v, ch.Quantity, field+".quantity"); err != nil {
				return err
			}
			// The new quantity becomes the live proposal at the standing
			// price, so an accept settles on it.
			prior, _ := st.CurrentNegotiation(it.ID)
			parentID := prior.ID
			if id, ok := set.latest[it.ID]; ok {
				parentID = id
			}
			n := Negotiation{
				ID:         s.newID(),
				OfferID:    st.Offer.ID,
				ItemID:     it.ID,
				Round:      round,
				Action:     counterFor(role),
				OfferorID:  caller.UserID,
				Role:       role,
				Price:      price,
				Quantity:   ch.Quantity,
				Currency:   currency,
				State:      StatePending,
				IsCurrent:  true,
				ParentID:   parentID,
				ValidUntil: validUntil,
				Message:    ch.Reason,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if _, err := SupersedeOthers(ctx, tx, it.ID, n.ID, now); err != nil {
				return err
			}
			if err := tx.InsertNegotiation(ctx, n); err != nil {
				return fmt.Errorf("offer: insert negotiation: %w", err)
			}
			set.latest[it.ID] = n.ID
			pointTo(it, role, n.ID)
			it.Quantity = ch.Quantity
			change.NewQuantity = intPtr(ch.Quantity)
		}
		if err := saveItem(ctx, tx, it, now); err != nil {
			return err
		}

	case ChangePriceChanged, ChangeItemUpdated:
		return newError(CodeInvalidAction, "price changes are made through item proposals",
			FieldDetails{Field: field + ".type", Value: string(ch.Type)})
	default:
		return newError(CodeInvalidAction, "unsupported item change",
			FieldDetails{Field: field + ".type", Value: string(ch.Type)})
	}

	if err := tx.InsertItemChange(ctx, change); err != nil {
		return fmt.Errorf("offer: insert item change: %w", err)
	}
	return nil
}

func (s *Service) accept(ctx context.Context, tx Tx, now time.Time, caller Caller, role Role, st *State, req NegotiateRequest) (*order.Placed, error) {
	round := st.CurrentRound() + 1
	set := newItemSet(st.Items)
	if set.active() == 0 {
		return nil, itemError("", "offer has no active items")
	}

	lines := make([]order.LineRequest, 0, len(set.items))
	for i := range set.items {
		it := &set.items[i]
		if !it.Active() {
			continue
		}
		price, qty, currency := ItemTerms(*it)
		prior, hasPrior := st.CurrentNegotiation(it.ID)
		if hasPrior {
			price, qty, currency = prior.Price, prior.Quantity, prior.Currency
		}

		n := Negotiation{
			ID:        s.newID(),
			OfferID:   st.Offer.ID,
			ItemID:    it.ID,
			Round:     round,
			Action:    req.Action,
			OfferorID: caller.UserID,
			Role:      role,
			Price:     price,
			Quantity:  qty,
			Currency:  currency,
			State:     StateAccepted,
			ParentID:  prior.ID,
			Message:   req.Message,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if hasPrior {
			if err := tx.RetireNegotiation(ctx, prior.ID, StateAccepted, now); err != nil {
				return nil, fmt.Errorf("offer: retire negotiation: %w", err)
			}
		}
		if err := tx.InsertNegotiation(ctx, n); err != nil {
			return nil, fmt.Errorf("offer: insert negotiation: %w", err)
		}

		pointTo(it, role, n.ID)
		agree(it, price, qty, currency, now)
		if err := saveItem(ctx, tx, it, now); err != nil {
			return nil, err
		}
		lines = append(lines, order.LineRequest{ItemID: it.ID, VariantID: it.VariantID, Quantity: qty, UnitPrice: price})
	}

	val, err := RecalculateOfferValue(set.items)
	if err != nil {
		return nil, fmt.Errorf("offer: recalculate: %w", err)
	}
	placed, err := s.spawnOrder(ctx, tx, now, st.Offer, val.Currency, lines, req.Shipping, req.Billing)
	if err != nil {
		return nil, err
	}

	o := st.Offer
	o.Status = StatusAccepted
	o.CurrentRound = round
	o.TotalValue = val.Total
	o.Currency = val.Currency
	o.AcceptedAt = &now
	o.OrderID = placed.OrderID
	o.LastActionBy = caller.UserID
	o.LastActionAt = &now
	o.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, o, st.Offer.CurrentRound); err != nil {
		return nil, fmt.Errorf("offer: update offer: %w", err)
	}

	err = recordAudit(ctx, tx, AuditEntry{
		ID:        s.newID(),
		OfferID:   o.ID,
		ActorID:   caller.UserID,
		Action:    AuditAccepted,
		OldStatus: st.Offer.Status,
		NewStatus: o.Status,
		Summary:   fmt.Sprintf("%s accepted the offer in round %d", strings.ToLower(string(role)), round),
		Metadata: map[string]any{
			"round":        round,
			"action":       req.Action,
			"items":        len(lines),
			"total":        val.Total.String(),
			"currency":     val.Currency,
			"order_id":     placed.OrderID,
			"order_number": placed.OrderNumber,
		},
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return &placed, nil
}

// pointTo records negotiationID as the latest row on role's side of it.
func pointTo(it *Item, role Role, negotiationID string) {
	if role == RoleBuyer {
		it.CurrentBuyerNegotiationID = negotiationID
	} else {
		it.CurrentSellerNegotiationID = negotiationID
	}
}

// agree settles an item at the given terms.
func agree(it *Item, price decimal.Decimal, qty int, currency string, now time.Time) {
	it.NegotiationStatus = Agreed
	it.FinalPrice = decimal.NewNullDecimal(price)
	it.FinalQuantity = intPtr(qty)
	it.FinalCurrency = currency
	it.AgreedAt = &now
}

// spawnOrder hands the agreed lines to the order spawner in tx, stamped
// with the invocation's clock sample.
func (s *Service) spawnOrder(ctx context.Context, tx Tx, now time.Time, o Offer, currency string, lines []order.LineRequest,
	shipping, billing *order.Address,
) (order.Placed, error) {
	if o.OrderID != "" {
		return order.Placed{}, fmt.Errorf("offer: offer %s already has order %s", o.ID, o.OrderID)
	}
	placed, err := s.orders.Spawn(ctx, tx, order.Request{
		OfferID:   o.ID,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		ListingID: o.ListingID,
		Currency:  currency,
		Lines:     lines,
		Shipping:  shipping,
		Billing:   billing,
		At:        now,
	})
	var short *order.ShortageError
	switch {
	case err == nil:
		return placed, nil
	case errors.As(err, &short):
		return order.Placed{}, shortage(short.VariantID, short.Requested, short.Available)
	case errors.Is(err, order.ErrVariantNotFound):
		return order.Placed{}, errorf(CodeVariantNotFound, "a variant on this offer no longer exists")
	default:
		return order.Placed{}, fmt.Errorf("offer: spawn order: %w", err)
	}
}

func (s *Service) reject(ctx context.Context, tx Tx, now time.Time, caller Caller, role Role, st *State, req NegotiateRequest) error {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return newError(CodeRejectionReason, "a rejection needs a reason",
			FieldDetails{Field: "reason"}, "tell the other party why the offer does not work")
	}
	round := st.CurrentRound() + 1

	set := newItemSet(st.Items)
	for i := range set.items {
		it := &set.items[i]
		if !it.Active() {
			continue
		}
		price, qty, currency := ItemTerms(*it)
		prior, hasPrior := st.CurrentNegotiation(it.ID)
		if hasPrior {
			price, qty, currency = prior.Price, prior.Quantity, prior.Currency
		}
		if _, err := SupersedeOthers(ctx, tx, it.ID, "", now); err != nil {
			return err
		}
		n := Negotiation{
			ID:        s.newID(),
			OfferID:   st.Offer.ID,
			ItemID:    it.ID,
			Round:     round,
			Action:    req.Action,
			OfferorID: caller.UserID,
			Role:      role,
			Price:     price,
			Quantity:  qty,
			Currency:  currency,
			State:     StateRejected,
			ParentID:  prior.ID,
			Message:   reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertNegotiation(ctx, n); err != nil {
			return fmt.Errorf("offer: insert negotiation: %w", err)
		}
		pointTo(it, role, n.ID)
		it.NegotiationStatus = ItemRejected
		if err := saveItem(ctx, tx, it, now); err != nil {
			return err
		}
	}

	deadline := now.Add(s.rules.ReopenWindow)
	o := st.Offer
	o.Status = StatusRejected
	o.CurrentRound = round
	o.RejectionReason = reason
	o.RejectionCategory = req.Category.normalize()
	o.RejectedBy = caller.UserID
	o.RejectedAt = &now
	o.ReopenDeadline = &deadline
	o.CanReopen = true
	o.LastActionBy = caller.UserID
	o.LastActionAt = &now
	o.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, o, st.Offer.CurrentRound); err != nil {
		return fmt.Errorf("offer: update offer: %w", err)
	}

	for _, a := range req.Alternatives {
		if a.VariantID != "" {
			id, err := resolve(ctx, tx, EntityVariant, a.VariantID)
			if err != nil {
				return err
			}
			a.VariantID = id
		}
		a.ID = s.newID()
		a.OfferID = o.ID
		a.SuggestedBy = caller.UserID
		a.CreatedAt = now
		if err := tx.InsertAlternative(ctx, a); err != nil {
			return fmt.Errorf("offer: insert alternative: %w", err)
		}
	}
	if m := req.MinimumTerms; m != nil {
		terms := *m
		terms.ID = s.newID()
		terms.OfferID = o.ID
		terms.StatedBy = caller.UserID
		terms.CreatedAt = now
		if err := tx.InsertMinimumTerms(ctx, terms); err != nil {
			return fmt.Errorf("offer: insert minimum terms: %w", err)
		}
	}

	return recordAudit(ctx, tx, AuditEntry{
		ID:        s.newID(),
		OfferID:   o.ID,
		ActorID:   caller.UserID,
		Action:    AuditRejected,
		OldStatus: st.Offer.Status,
		NewStatus: o.Status,
		Summary:   fmt.Sprintf("%s rejected the offer: %s", strings.ToLower(string(role)), reason),
		Metadata: map[string]any{
			"round":           round,
			"action":          req.Action,
			"category":        o.RejectionCategory,
			"reopen_deadline": deadline,
			"alternatives":    len(req.Alternatives),
			"minimum_terms":   req.MinimumTerms != nil,
		},
		CreatedAt: now,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
