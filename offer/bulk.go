package offer

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"offerflow/order"
)

// ModificationType is a seller bulk edit.
type ModificationType string

const (
	ModAddProduct     ModificationType = "ADD_PRODUCT"
	ModUpdateExisting ModificationType = "UPDATE_EXISTING"
	ModRemoveProduct  ModificationType = "REMOVE_PRODUCT"
)

// Modification is one edit in a bulk request. Quantity and Price are
// optional for UPDATE_EXISTING and ignored for REMOVE_PRODUCT.
type Modification struct {
	Type      ModificationType `json:"type"`
	ItemID    string           `json:"item_id,omitempty"`
	VariantID string           `json:"variant_id,omitempty"`
	Quantity  *int             `json:"quantity,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// BulkModifyRequest edits an offer and accepts it in one step.
type BulkModifyRequest struct {
	OfferID       string         `json:"offer_id"`
	Modifications []Modification `json:"modifications"`
	Message       string         `json:"message,omitempty"`
	CreateOrder   bool           `json:"create_order"`
	Shipping      *order.Address `json:"shipping_address,omitempty"`
	Billing       *order.Address `json:"billing_address,omitempty"`
}

// BulkOutcome summarises a bulk accept.
type BulkOutcome struct {
	State         State
	Added         int
	Updated       int
	Removed       int
	AutoFinalized int
	PreviousTotal decimal.Decimal
	Total         decimal.Decimal
	Order         *order.Placed
}

// BulkModifyAndAccept applies the seller's edits, settles every remaining
// item at its last known terms and accepts the offer.
func (s *Service) BulkModifyAndAccept(ctx context.Context, caller Caller, req BulkModifyRequest) Result[BulkOutcome] {
	attrs := []attribute.KeyValue{
		attribute.String("offer.id", req.OfferID),
		attribute.Int("offer.modifications", len(req.Modifications)),
		attribute.Bool("offer.create_order", req.CreateOrder),
	}
	return execute(ctx, s, "bulk_accept", attrs, func(ctx context.Context, tx Tx, now time.Time) (BulkOutcome, []Event, error) {
		out, err := s.bulkAccept(ctx, tx, now, caller, req)
		if err != nil {
			return BulkOutcome{}, nil, err
		}
		after, err := LoadState(ctx, tx, out.State.Offer.ID)
		if err != nil {
			return BulkOutcome{}, nil, fmt.Errorf("offer: reload offer: %w", err)
		}
		out.State = *after
		ev := eventFor(EventBulkAccepted, after.Offer, caller.UserID, now)
		if out.Order != nil {
			ev.OrderNumber = out.Order.OrderNumber
		}
		return out, []Event{ev}, nil
	})
}

type bulkRun struct {
	s       *Service
	tx      Tx
	now     time.Time
	caller  Caller
	st      *State
	set     *itemSet
	round   int
	touched map[string]bool
	out     BulkOutcome
}

func (s *Service) bulkAccept(ctx context.Context, tx Tx, now time.Time, caller Caller, req BulkModifyRequest) (BulkOutcome, error) {
	id, err := resolve(ctx, tx, EntityOffer, req.OfferID)
	if err != nil {
		return BulkOutcome{}, err
	}
	st, err := loadOffer(ctx, tx, id)
	if err != nil {
		return BulkOutcome{}, err
	}
	if st.Offer.RoleOf(caller.UserID) != RoleSeller {
		return BulkOutcome{}, errorf(CodeUnauthorizedAccess, "only the seller can bulk-accept an offer")
	}
	if err := checkOpen(st.Offer, now); err != nil {
		return BulkOutcome{}, err
	}
	if len(req.Modifications) == 0 {
		return BulkOutcome{}, errorf(CodeNoModifications, "at least one modification is required")
	}

	run := &bulkRun{
		s:       s,
		tx:      tx,
		now:     now,
		caller:  caller,
		st:      st,
		set:     newItemSet(st.Items),
		round:   st.CurrentRound() + 1,
		touched: make(map[string]bool, len(req.Modifications)),
		out:     BulkOutcome{PreviousTotal: st.Offer.TotalValue},
	}
	for i, m := range req.Modifications {
		if err := run.apply(ctx, i, m, req.Message); err != nil {
			return BulkOutcome{}, err
		}
	}
	if run.set.active() == 0 {
		return BulkOutcome{}, itemError("", "offer must retain at least one active item")
	}
	if err := run.finalizeUntouched(ctx); err != nil {
		return BulkOutcome{}, err
	}
	if _, err := tx.RetireOfferNegotiations(ctx, st.Offer.ID, StateSuperseded, now); err != nil {
		return BulkOutcome{}, fmt.Errorf("offer: supersede open negotiations: %w", err)
	}

	val, err := RecalculateOfferValue(run.set.items)
	if err != nil {
		return BulkOutcome{}, fmt.Errorf("offer: bulk total: %w", err)
	}
	run.out.Total = val.Total

	if req.CreateOrder {
		lines := make([]order.LineRequest, 0, len(run.set.items))
		for _, it := range run.set.items {
			if !it.Active() {
				continue
			}
			lines = append(lines, order.LineRequest{
				ItemID:    it.ID,
				VariantID: it.VariantID,
				Quantity:  *it.FinalQuantity,
				UnitPrice: it.FinalPrice.Decimal,
			})
		}
		placed, err := s.spawnOrder(ctx, tx, now, st.Offer, val.Currency, lines, req.Shipping, req.Billing)
		if err != nil {
			return BulkOutcome{}, err
		}
		run.out.Order = &placed
	}

	o := st.Offer
	o.Status = StatusAccepted
	o.CurrentRound = run.round
	o.TotalValue = val.Total
	o.Currency = val.Currency
	o.AcceptedAt = &now
	o.LastActionBy = caller.UserID
	o.LastActionAt = &now
	o.UpdatedAt = now
	if run.out.Order != nil {
		o.OrderID = run.out.Order.OrderID
	}
	if err := tx.UpdateOffer(ctx, o, st.Offer.CurrentRound); err != nil {
		return BulkOutcome{}, fmt.Errorf("offer: update offer: %w", err)
	}

	meta := map[string]any{
		"round":          run.round,
		"added":          run.out.Added,
		"updated":        run.out.Updated,
		"removed":        run.out.Removed,
		"auto_finalized": run.out.AutoFinalized,
		"old_total":      run.out.PreviousTotal.String(),
		"new_total":      val.Total.String(),
		"currency":       val.Currency,
		"create_order":   req.CreateOrder,
	}
	if run.out.Order != nil {
		meta["order_number"] = run.out.Order.OrderNumber
	}
	err = recordAudit(ctx, tx, AuditEntry{
		ID:        s.newID(),
		OfferID:   o.ID,
		ActorID:   caller.UserID,
		Action:    AuditBulkAccepted,
		OldStatus: st.Offer.Status,
		NewStatus: o.Status,
		Summary: fmt.Sprintf("seller accepted with %d added, %d updated, %d removed, %d auto-finalized",
			run.out.Added, run.out.Updated, run.out.Removed, run.out.AutoFinalized),
		Metadata:  meta,
		CreatedAt: now,
	})
	if err != nil {
		return BulkOutcome{}, err
	}

	run.out.State = State{Offer: o}
	return run.out, nil
}

func (r *bulkRun) apply(ctx context.Context, i int, m Modification, message string) error {
	field := fmt.Sprintf("modifications[%d]", i)
	switch m.Type {
	case ModAddProduct:
		return r.add(ctx, field, m, message)
	case ModUpdateExisting, ModRemoveProduct:
		itemID, err := resolve(ctx, r.tx, EntityItem, m.ItemID)
		if err != nil {
			return err
		}
		it, ok := r.set.get(itemID)
		if !ok {
			return itemError(m.ItemID, "item does not belong to this offer")
		}
		if !it.Active() {
			return itemError(m.ItemID, "item has already been removed")
		}
		if r.touched[it.ID] {
			return itemError(m.ItemID, "item is modified more than once")
		}
		r.touched[it.ID] = true
		if m.Type == ModUpdateExisting {
			return r.update(ctx, field, it, m, message)
		}
		return r.remove(ctx, it, m, message)
	default:
		return newError(CodeInvalidAction, fmt.Sprintf("unknown modification type %q", m.Type),
			FieldDetails{Field: field + ".type", Value: string(m.Type)})
	}
}

func (r *bulkRun) add(ctx context.Context, field string, m Modification, message string) error {
	variantID, err := resolve(ctx, r.tx, EntityVariant, m.VariantID)
	if err != nil {
		return err
	}
	v, err := lookupVariant(ctx, r.tx, r.st.Offer.ListingID, variantID, field+".variant_id")
	if err != nil {
		return err
	}
	if r.set.hasActiveVariant(v.ID) {
		return newError(CodeDuplicateVariant, "variant is already on the offer",
			FieldDetails{Field: field + ".variant_id", Value: m.VariantID},
			"update the existing item instead")
	}
	if m.Quantity == nil || m.Price == nil {
		return newError(CodeInvalidOfferItem, "a new product needs a quantity and a price",
			ItemDetails{Reason: "missing quantity or price"})
	}
	qty, price := *m.Quantity, *m.Price
	if err := checkOrderQuantity(v, qty, field+".quantity"); err != nil {
		return err
	}
	if err := r.s.rules.checkPrice(v, price); err != nil {
		return err
	}

	it := Item{
		ID:                r.s.newID(),
		PublicID:          r.s.publicID(),
		OfferID:           r.st.Offer.ID,
		VariantID:         v.ID,
		Quantity:          qty,
		BuyerPrice:        price,
		SellerPrice:       decimal.NewNullDecimal(price),
		Currency:          r.st.Offer.Currency,
		NegotiationStatus: Agreed,
		Status:            ItemActive,
		Version:           1,
		AddedInRound:      r.round,
		Notes:             m.Reason,
		CreatedAt:         r.now,
		UpdatedAt:         r.now,
	}
	agree(&it, price, qty, it.Currency, r.now)
	n := r.negotiation(it, SellerOffer, price, qty, "", firstNonEmpty(m.Reason, message))
	it.CurrentSellerNegotiationID = n.ID

	if err := r.tx.InsertItem(ctx, it); err != nil {
		return fmt.Errorf("offer: insert item: %w", err)
	}
	if err := r.tx.InsertNegotiation(ctx, n); err != nil {
		return fmt.Errorf("offer: insert negotiation: %w", err)
	}
	r.set.add(it)
	r.touched[it.ID] = true
	r.out.Added++

	return r.change(ctx, ItemChange{
		ItemID:      it.ID,
		Type:        ChangeItemAdded,
		NewQuantity: intPtr(qty),
		NewPrice:    decimal.NewNullDecimal(price),
		Reason:      m.Reason,
	})
}

func (r *bulkRun) update(ctx context.Context, field string, it *Item, m Modification, message string) error {
	if m.Quantity == nil && m.Price == nil {
		return itemError(it.ID, "update must change the quantity or the price")
	}
	oldPrice, oldQty, currency := r.lastTerms(*it)
	price, qty := oldPrice, oldQty

	v, err := r.tx.GetVariant(ctx, it.VariantID)
	if err != nil {
		return fmt.Errorf("offer: get variant: %w", err)
	}
	if m.Quantity != nil {
		qty = *m.Quantity
		if qty != oldQty {
			if err := checkOrderQuantity(v, qty, field+".quantity"); err != nil {
				return err
			}
		}
	}
	if m.Price != nil {
		price = *m.Price
		if err := r.s.rules.checkPrice(v, price); err != nil {
			return err
		}
	}

	changeType := ChangeItemUpdated
	switch {
	case m.Quantity != nil && m.Price == nil:
		changeType = ChangeQuantityChanged
	case m.Quantity == nil && m.Price != nil:
		changeType = ChangePriceChanged
	}

	prior, _ := r.st.CurrentNegotiation(it.ID)
	n := r.negotiation(*it, SellerCounter, price, qty, prior.ID, firstNonEmpty(m.Reason, message))
	n.Currency = currency
	if err := r.tx.InsertNegotiation(ctx, n); err != nil {
		return fmt.Errorf("offer: insert negotiation: %w", err)
	}

	it.Quantity = qty
	it.SellerPrice = decimal.NewNullDecimal(price)
	it.CurrentSellerNegotiationID = n.ID
	agree(it, price, qty, currency, r.now)
	if err := saveItem(ctx, r.tx, it, r.now); err != nil {
		return err
	}
	r.out.Updated++

	return r.change(ctx, ItemChange{
		ItemID:      it.ID,
		Type:        changeType,
		OldQuantity: intPtr(oldQty),
		NewQuantity: intPtr(qty),
		OldPrice:    decimal.NewNullDecimal(oldPrice),
		NewPrice:    decimal.NewNullDecimal(price),
		Reason:      m.Reason,
	})
}

func (r *bulkRun) remove(ctx context.Context, it *Item, m Modification, message string) error {
	price, qty, currency := r.lastTerms(*it)
	prior, _ := r.st.CurrentNegotiation(it.ID)
	n := r.negotiation(*it, SellerCounter, price, qty, prior.ID, firstNonEmpty(m.Reason, message))
	n.Currency = currency
	if err := r.tx.InsertNegotiation(ctx, n); err != nil {
		return fmt.Errorf("offer: insert negotiation: %w", err)
	}

	it.Status = ItemRemoved
	it.RemovedInRound = intPtr(r.round)
	it.CurrentSellerNegotiationID = n.ID
	if err := saveItem(ctx, r.tx, it, r.now); err != nil {
		return err
	}
	r.out.Removed++

	return r.change(ctx, ItemChange{
		ItemID:      it.ID,
		Type:        ChangeItemRemoved,
		OldQuantity: intPtr(qty),
		OldPrice:    decimal.NewNullDecimal(price),
		Reason:      m.Reason,
	})
}

// finalizeUntouched settles every active item the seller did not edit, at
// its final terms, else its current negotiation, else the buyer's offer.
func (r *bulkRun) finalizeUntouched(ctx context.Context) error {
	for i := range r.set.items {
		it := &r.set.items[i]
		if !it.Active() || r.touched[it.ID] {
			continue
		}
		price, qty, currency := r.lastTerms(*it)
		agree(it, price, qty, currency, r.now)
		if err := saveItem(ctx, r.tx, it, r.now); err != nil {
			return err
		}
		r.out.AutoFinalized++
	}
	return nil
}

func (r *bulkRun) lastTerms(it Item) (decimal.Decimal, int, string) {
	if it.FinalPrice.Valid && it.FinalQuantity != nil {
		return ItemTerms(it)
	}
	if n, ok := r.st.CurrentNegotiation(it.ID); ok {
		return n.Price, n.Quantity, n.Currency
	}
	return it.BuyerPrice, it.Quantity, it.Currency
}

func (r *bulkRun) negotiation(it Item, action ActionType, price decimal.Decimal, qty int, parentID, message string) Negotiation {
	return Negotiation{
		ID:           r.s.newID(),
		OfferID:      r.st.Offer.ID,
		ItemID:       it.ID,
		Round:        r.round,
		Action:       action,
		OfferorID:    r.caller.UserID,
		Role:         RoleSeller,
		Price:        price,
		Quantity:     qty,
		Currency:     it.Currency,
		State:        StateAccepted,
		ParentID:     parentID,
		AutoAccepted: true,
		Message:      message,
		CreatedAt:    r.now,
		UpdatedAt:    r.now,
	}
}

func (r *bulkRun) change(ctx context.Context, c ItemChange) error {
	c.ID = r.s.newID()
	c.OfferID = r.st.Offer.ID
	c.ActorID = r.caller.UserID
	c.Round = r.round
	c.CreatedAt = r.now
	if err := r.tx.InsertItemChange(ctx, c); err != nil {
		return fmt.Errorf("offer: insert item change: %w", err)
	}
	return nil
}
