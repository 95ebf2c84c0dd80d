package offer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// State is an offer with its items and negotiation history, read once inside
// a transaction. Engines derive every decision from it.
type State struct {
	Offer        Offer
	Items        []Item
	Negotiations []Negotiation
}

// LoadState reads the offer aggregate. Negotiations are ordered oldest first.
func LoadState(ctx context.Context, tx Tx, offerID string) (*State, error) {
	o, err := tx.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	items, err := tx.ListItems(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: list items: %w", err)
	}
	negs, err := tx.ListNegotiations(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: list negotiations: %w", err)
	}
	sortNegotiations(negs)
	return &State{Offer: o, Items: items, Negotiations: negs}, nil
}

func sortNegotiations(negs []Negotiation) {
	sort.SliceStable(negs, func(i, j int) bool {
		if negs[i].Round != negs[j].Round {
			return negs[i].Round < negs[j].Round
		}
		return negs[i].CreatedAt.Before(negs[j].CreatedAt)
	})
}

// CurrentRound is the offer's counter, falling back to the highest
// negotiation round for rows written before the counter existed.
func (s *State) CurrentRound() int {
	if s.Offer.CurrentRound > 0 {
		return s.Offer.CurrentRound
	}
	round := 0
	for _, n := range s.Negotiations {
		if n.Round > round {
			round = n.Round
		}
	}
	if round == 0 {
		return 1
	}
	return round
}

// LastAction is the most recent negotiation row on the offer.
func (s *State) LastAction() (Negotiation, bool) {
	if len(s.Negotiations) == 0 {
		return Negotiation{}, false
	}
	return s.Negotiations[len(s.Negotiations)-1], true
}

// LastActor is who acted last: the offer's stamp when present, otherwise the
// offeror of the latest negotiation.
func (s *State) LastActor() string {
	if s.Offer.LastActionBy != "" {
		return s.Offer.LastActionBy
	}
	if n, ok := s.LastAction(); ok {
		return n.OfferorID
	}
	return ""
}

// CurrentNegotiation returns the item's live negotiation row, if any.
func (s *State) CurrentNegotiation(itemID string) (Negotiation, bool) {
	for i := len(s.Negotiations) - 1; i >= 0; i-- {
		if n := s.Negotiations[i]; n.ItemID == itemID && n.IsCurrent {
			return n, true
		}
	}
	return Negotiation{}, false
}

// LatestItemNegotiation returns the item's most recent negotiation row.
func (s *State) LatestItemNegotiation(itemID string) (Negotiation, bool) {
	for i := len(s.Negotiations) - 1; i >= 0; i-- {
		if s.Negotiations[i].ItemID == itemID {
			return s.Negotiations[i], true
		}
	}
	return Negotiation{}, false
}

// ActiveItems returns the items that still count toward the offer.
func (s *State) ActiveItems() []Item {
	out := make([]Item, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Active() {
			out = append(out, it)
		}
	}
	return out
}

// Round groups the negotiation rows written in one round.
type Round struct {
	Number       int           `json:"number"`
	Negotiations []Negotiation `json:"negotiations"`
}

// History groups every negotiation by round, oldest first.
func (s *State) History() []Round {
	var rounds []Round
	for _, n := range s.Negotiations {
		if len(rounds) == 0 || rounds[len(rounds)-1].Number != n.Round {
			rounds = append(rounds, Round{Number: n.Round})
		}
		last := &rounds[len(rounds)-1]
		last.Negotiations = append(last.Negotiations, n)
	}
	return rounds
}

// Statistics summarises an offer's negotiation so far.
type Statistics struct {
	Rounds       int        `json:"rounds"`
	Negotiations int        `json:"negotiations"`
	ActiveItems  int        `json:"active_items"`
	RemovedItems int        `json:"removed_items"`
	AgreedItems  int        `json:"agreed_items"`
	LastAction   ActionType `json:"last_action,omitempty"`
	LastActionBy string     `json:"last_action_by,omitempty"`
	LastActionAt *time.Time `json:"last_action_at,omitempty"`
}

func (s *State) Statistics() Statistics {
	st := Statistics{
		Rounds:       s.CurrentRound(),
		Negotiations: len(s.Negotiations),
		LastActionBy: s.LastActor(),
		LastActionAt: s.Offer.LastActionAt,
	}
	for _, it := range s.Items {
		switch it.Status {
		case ItemActive:
			st.ActiveItems++
			if it.NegotiationStatus == Agreed {
				st.AgreedItems++
			}
		case ItemRemoved:
			st.RemovedItems++
		}
	}
	if n, ok := s.LastAction(); ok {
		st.LastAction = n.Action
	}
	return st
}

// Valuation is the derived money value of an offer.
type Valuation struct {
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
	Items    int             `json:"items"`
}

var errMixedCurrency = errors.New("offer: active items carry different currencies")

// ItemTerms returns the price and quantity an item currently stands at:
// agreed terms first, then the seller's counter when the seller spoke last,
// then the buyer's price.
func ItemTerms(it Item) (decimal.Decimal, int, string) {
	switch it.NegotiationStatus {
	case Agreed:
		if it.FinalPrice.Valid && it.FinalQuantity != nil {
			cur := it.FinalCurrency
			if cur == "" {
				cur = it.Currency
			}
			return it.FinalPrice.Decimal, *it.FinalQuantity, cur
		}
	case SellerCountered:
		if it.SellerPrice.Valid {
			return it.SellerPrice.Decimal, it.Quantity, it.Currency
		}
	case BuyerOffered, BuyerCountered, ItemRejected:
	}
	return it.BuyerPrice, it.Quantity, it.Currency
}

// RecalculateOfferValue re-derives the total from the ACTIVE items. It reads
// nothing but its argument, so repeated calls on the same items agree.
func RecalculateOfferValue(items []Item) (Valuation, error) {
	v := Valuation{Total: decimal.Zero}
	for _, it := range items {
		if !it.Active() {
			continue
		}
		price, qty, cur := ItemTerms(it)
		sub := price.Mul(decimal.NewFromInt(int64(qty)))
		if sub.IsNegative() {
			return Valuation{}, fmt.Errorf("%w: item %s", errNegativeSubtotal, it.ID)
		}
		if v.Currency == "" {
			v.Currency = cur
		} else if cur != v.Currency {
			return Valuation{}, fmt.Errorf("%w: %s vs %s", errMixedCurrency, v.Currency, cur)
		}
		v.Total = v.Total.Add(sub)
		v.Items++
	}
	return v, nil
}

// Recalculate reads the offer's items and values them.
func Recalculate(ctx context.Context, tx Tx, offerID string) (Valuation, error) {
	items, err := tx.ListItems(ctx, offerID)
	if err != nil {
		return Valuation{}, fmt.Errorf("offer: list items: %w", err)
	}
	return RecalculateOfferValue(items)
}

// Participants resolves display identities for both sides of the offer.
func Participants(ctx context.Context, tx Tx, o Offer) ([]Participant, error) {
	byID, err := tx.GetParticipants(ctx, []string{o.BuyerID, o.SellerID})
	if err != nil {
		return nil, fmt.Errorf("offer: participants: %w", err)
	}
	out := make([]Participant, 0, 2)
	for _, side := range []struct {
		id   string
		role Role
	}{{o.BuyerID, RoleBuyer}, {o.SellerID, RoleSeller}} {
		p, ok := byID[side.id]
		if !ok {
			p = Participant{UserID: side.id}
		}
		p.Role = side.role
		out = append(out, p)
	}
	return out, nil
}

// SupersedeOthers leaves keepID as the item's only current row. Running it
// again changes nothing.
func SupersedeOthers(ctx context.Context, tx Tx, itemID, keepID string, now time.Time) (int, error) {
	n, err := tx.SupersedeItemNegotiations(ctx, itemID, keepID, now)
	if err != nil {
		return 0, fmt.Errorf("offer: supersede negotiations: %w", err)
	}
	return n, nil
}

// ExpireStaleNegotiations marks PENDING rows past their validity window EXPIRED.
func ExpireStaleNegotiations(ctx context.Context, tx Tx, now time.Time) (int, error) {
	n, err := tx.ExpireNegotiations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("offer: expire negotiations: %w", err)
	}
	return n, nil
}

// ExpireStaleOffers moves open offers past expires_at to EXPIRED, retiring
// their live negotiations. It returns the offers it changed.
func ExpireStaleOffers(ctx context.Context, tx Tx, now time.Time, newID func() string) ([]Offer, error) {
	stale, err := tx.ListExpiredOffers(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("offer: list expired offers: %w", err)
	}

	expired := make([]Offer, 0, len(stale))
	for _, o := range stale {
		if !o.Status.Open() || !o.Expired(now) {
			continue
		}
		prev := o.Status
		round := o.CurrentRound
		o.Status = StatusExpired
		o.UpdatedAt = now
		if err := tx.UpdateOffer(ctx, o, round); err != nil {
			return nil, fmt.Errorf("offer: expire offer %s: %w", o.ID, err)
		}
		if _, err := tx.RetireOfferNegotiations(ctx, o.ID, StateExpired, now); err != nil {
			return nil, fmt.Errorf("offer: expire offer negotiations: %w", err)
		}
		if err := recordAudit(ctx, tx, AuditEntry{
			ID:        newID(),
			OfferID:   o.ID,
			Action:    AuditExpired,
			OldStatus: prev,
			NewStatus: StatusExpired,
			Summary:   "offer passed its expiry without agreement",
			Metadata:  map[string]any{"expires_at": o.ExpiresAt.UTC(), "round": round},
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		expired = append(expired, o)
	}
	return expired, nil
}
