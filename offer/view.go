package offer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// OfferView is everything a party to the offer may read about it.
type OfferView struct {
	Offer        Offer
	Items        []Item
	History      []Round
	Changes      []ItemChange
	Audit        []AuditEntry
	Participants []Participant
	Statistics   Statistics
	Valuation    Valuation
}

func buildView(ctx context.Context, tx Tx, st *State) (OfferView, error) {
	changes, err := tx.ListItemChanges(ctx, st.Offer.ID)
	if err != nil {
		return OfferView{}, fmt.Errorf("offer: list item changes: %w", err)
	}
	audit, err := tx.ListAudit(ctx, st.Offer.ID)
	if err != nil {
		return OfferView{}, fmt.Errorf("offer: list audit: %w", err)
	}
	people, err := Participants(ctx, tx, st.Offer)
	if err != nil {
		return OfferView{}, err
	}
	val, err := RecalculateOfferValue(st.Items)
	if err != nil {
		return OfferView{}, fmt.Errorf("offer: value offer: %w", err)
	}
	return OfferView{
		Offer:        st.Offer,
		Items:        st.Items,
		History:      st.History(),
		Changes:      changes,
		Audit:        audit,
		Participants: people,
		Statistics:   st.Statistics(),
		Valuation:    val,
	}, nil
}

// ExpirySummary reports what one sweep retired.
type ExpirySummary struct {
	Negotiations int
	Offers       []string
}

// ExpireStale retires PENDING negotiations past their validity window and
// open offers past their deadline. It is meant to run out of band.
func (s *Service) ExpireStale(ctx context.Context) Result[ExpirySummary] {
	return execute(ctx, s, "expire", []attribute.KeyValue{attribute.String("offer.sweep", "expiry")},
		func(ctx context.Context, tx Tx, now time.Time) (ExpirySummary, []Event, error) {
			n, err := ExpireStaleNegotiations(ctx, tx, now)
			if err != nil {
				return ExpirySummary{}, nil, err
			}
			expired, err := ExpireStaleOffers(ctx, tx, now, s.newID)
			if err != nil {
				return ExpirySummary{}, nil, err
			}

			sum := ExpirySummary{Negotiations: n, Offers: make([]string, 0, len(expired))}
			events := make([]Event, 0, 2*len(expired))
			for _, o := range expired {
				sum.Offers = append(sum.Offers, o.ID)
				toBuyer := eventFor(EventExpired, o, "", now)
				toSeller := toBuyer
				toSeller.RecipientID = o.SellerID
				events = append(events, toBuyer, toSeller)
			}
			return sum, events, nil
		})
}
